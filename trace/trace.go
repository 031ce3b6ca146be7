// Package trace registers "sqlite-trace", a wrapper around the modernc SQLite
// driver that times every statement run against the job database.
//
//	store := trace.NewStore(obsDB, 100*time.Millisecond)
//	store.Init(ctx)
//	trace.SetRecorder(store)
//	db, _ := dbopen.Open("textmill.db", dbopen.WithDriver(trace.DriverName))
//
// Each statement is logged at Debug, slow ones at Warn and failures at
// Error, tagged with the request trace id and the job id from the context.
// A Recorder, when set, receives the same entries for persistence.
package trace

import (
	"database/sql"
	"sync"

	sqlite "modernc.org/sqlite"
)

// DriverName is the database/sql driver name registered by this package.
const DriverName = "sqlite-trace"

// Entry is one traced statement.
type Entry struct {
	TraceID  string
	JobID    string
	Op       string // Exec or Query
	Query    string
	Duration int64 // microseconds
	Error    string
	At       int64 // unix ms
}

// Recorder persists entries. RecordAsync must not block.
type Recorder interface {
	RecordAsync(e *Entry)
}

var (
	recorder   Recorder
	recorderMu sync.RWMutex
)

// SetRecorder installs r for every sqlite-trace connection. nil restores
// log-only mode.
func SetRecorder(r Recorder) {
	recorderMu.Lock()
	recorder = r
	recorderMu.Unlock()
}

func getRecorder() Recorder {
	recorderMu.RLock()
	defer recorderMu.RUnlock()
	return recorder
}

func init() {
	sql.Register(DriverName, &Driver{Driver: &sqlite.Driver{}})
}
