// Package lease provides per-key single-flight. The first caller for a key
// becomes the leader and runs the work; others wait for it to finish and then
// re-read whatever the leader produced.
package lease

import (
	"context"
	"errors"
	"time"
)

// Flight reports how one Do call ended.
type Flight struct {
	// Leader is true when the caller's fn ran or is still running.
	Leader bool
	Value  any
	Err    error
}

// Registry runs work under per-key leases.
type Registry interface {
	// Do runs fn as leader when nobody holds key. fn gets a context detached
	// from ctx and keeps running after ctx is done; Do then returns the
	// leader Flight with ctx's error. When key is held, Do waits at most
	// wait (no bound if wait <= 0) for the holder to finish and returns a
	// non-leader Flight, or ErrWaitTimeout.
	Do(ctx context.Context, key string, wait time.Duration, fn func(ctx context.Context) (any, error)) (Flight, error)
}

var (
	// ErrWaitTimeout is returned when the current holder did not finish in time.
	ErrWaitTimeout = errors.New("lease: wait timed out")
	// ErrNotHeld is returned when releasing a lease that expired or was taken over.
	ErrNotHeld = errors.New("lease: not held")
)

// Key builds the registry key for a user-scoped render hash.
func Key(userID, renderHash string) string {
	return userID + ":" + renderHash
}
