package docpipe

import (
	"context"
	"testing"

	"github.com/xuri/excelize/v2"
)

func buildXLSX(t *testing.T, sheets map[string][][]any, order ...string) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, name := range order {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				t.Fatal(err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			t.Fatal(err)
		}
		for r, row := range sheets[name] {
			for c, v := range row {
				cell, _ := excelize.CoordinatesToCellName(c+1, r+1)
				if err := f.SetCellValue(name, cell, v); err != nil {
					t.Fatal(err)
				}
			}
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractXLSX(t *testing.T) {
	data := buildXLSX(t, map[string][][]any{
		"Review": {
			{"Quarterly  review"},
			{},
			{"Region", "Revenue"},
			{"North", 1200},
		},
		"Empty": {},
		"Notes": {
			{"Sales were strong."},
		},
	}, "Review", "Empty", "Notes")

	doc, err := New(Config{}).Extract(context.Background(), "q3.xlsx", data)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Format != FormatXLSX || doc.Title != "Quarterly review" {
		t.Fatalf("format = %s, title = %q", doc.Format, doc.Title)
	}
	if len(doc.Sections) != 2 {
		t.Fatalf("sections = %+v", doc.Sections)
	}
	review := doc.Sections[0]
	if review.Title != "Review" || review.Type != "table" {
		t.Fatalf("first section = %+v", review)
	}
	if want := "Quarterly review\nRegion\tRevenue\nNorth\t1200"; review.Text != want {
		t.Fatalf("text = %q, want %q", review.Text, want)
	}
	if doc.Sections[1].Title != "Notes" || doc.Sections[1].Text != "Sales were strong." {
		t.Fatalf("second section = %+v", doc.Sections[1])
	}
	if doc.RawText != review.Text+"\nSales were strong." {
		t.Fatalf("raw = %q", doc.RawText)
	}
}

func TestExtractXLSX_Garbage(t *testing.T) {
	if _, err := New(Config{}).Extract(context.Background(), "bad.xlsx", []byte("not a workbook")); err == nil {
		t.Fatal("expected error for a non-zip workbook")
	}
}
