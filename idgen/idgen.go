// Package idgen mints the identifiers textmill hands out: UUIDv7 job ids,
// which clients see in /jobs/{id}, and prefixed ULIDs for internal rows
// (queue messages, events, stage runs). Components take a Generator so tests
// can substitute a deterministic one.
package idgen

import (
	"crypto/rand"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator returns a new unique id on each call.
type Generator func() string

// Default mints job ids.
var Default = UUIDv7()

// UUIDv7 mints RFC 9562 version 7 UUIDs, which sort by creation time.
func UUIDv7() Generator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

// ULID mints ULIDs from a monotonic source, so ids from the same
// millisecond still sort in the order they were made.
func ULID() Generator {
	var mu sync.Mutex
	src := ulid.Monotonic(rand.Reader, 0)
	return func() string {
		mu.Lock()
		id := ulid.MustNew(ulid.Now(), src)
		mu.Unlock()
		return id.String()
	}
}

// Prefixed prepends prefix to every id from gen, e.g. "msg_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence returns "<prefix>1", "<prefix>2", ... for tests.
func Sequence(prefix string) Generator {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return prefix + strconv.Itoa(n)
	}
}
