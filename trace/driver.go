package trace

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/textmill/kit"
)

// SlowQuery is the duration above which a statement is logged at Warn.
const SlowQuery = 100 * time.Millisecond

// Driver wraps a database/sql driver and times every statement.
type Driver struct {
	driver.Driver
}

func (d *Driver) Open(name string) (driver.Conn, error) {
	c, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &conn{Conn: c}, nil
}

type conn struct {
	driver.Conn
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var st driver.Stmt
	var err error
	if pc, ok := c.Conn.(driver.ConnPrepareContext); ok {
		st, err = pc.PrepareContext(ctx, query)
	} else {
		st, err = c.Conn.Prepare(query)
	}
	if err != nil {
		return nil, err
	}
	return &stmt{Stmt: st, query: query}, nil
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bt, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bt.BeginTx(ctx, opts)
	}
	return c.Conn.Begin()
}

// ExecContext and QueryContext skip the prepare round trip when the wrapped
// connection supports it; multi-statement schema scripts rely on this.
func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	ec, ok := c.Conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	start := time.Now()
	res, err := ec.ExecContext(ctx, query, args)
	record(ctx, "Exec", query, time.Since(start), err)
	return res, err
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	qc, ok := c.Conn.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	start := time.Now()
	rows, err := qc.QueryContext(ctx, query, args)
	record(ctx, "Query", query, time.Since(start), err)
	return rows, err
}

type stmt struct {
	driver.Stmt
	query string
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	var res driver.Result
	var err error
	if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		res, err = s.Stmt.Exec(values(args))
	}
	record(ctx, "Exec", s.query, time.Since(start), err)
	return res, err
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	var rows driver.Rows
	var err error
	if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		rows, err = s.Stmt.Query(values(args))
	}
	record(ctx, "Query", s.query, time.Since(start), err)
	return rows, err
}

func record(ctx context.Context, op, query string, d time.Duration, err error) {
	// dbopen applies pragmas on every connection.
	if err == nil && d < SlowQuery && strings.HasPrefix(query, "PRAGMA ") {
		return
	}
	query = strings.Join(strings.Fields(query), " ")

	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	} else if d > SlowQuery {
		level = slog.LevelWarn
	}
	if !slog.Default().Enabled(ctx, level) && getRecorder() == nil {
		return
	}

	e := &Entry{
		TraceID:  kit.GetTraceID(ctx),
		JobID:    kit.GetJobID(ctx),
		Op:       op,
		Query:    query,
		Duration: d.Microseconds(),
		At:       time.Now().UnixMilli(),
	}
	attrs := []slog.Attr{
		slog.String("op", op),
		slog.String("query", query),
		slog.Duration("duration", d),
	}
	if e.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", e.TraceID))
	}
	if e.JobID != "" {
		attrs = append(attrs, slog.String("job_id", e.JobID))
	}
	if err != nil {
		e.Error = err.Error()
		attrs = append(attrs, slog.String("error", e.Error))
	}
	slog.LogAttrs(ctx, level, "sql", attrs...)

	if r := getRecorder(); r != nil {
		r.RecordAsync(e)
	}
}

func values(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}
