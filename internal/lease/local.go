package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// LocalRegistry is an in-process registry on top of singleflight.
type LocalRegistry struct {
	group singleflight.Group
	held  sync.Map
}

func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{}
}

// call states; a caller that gives up before its fn starts abandons it so
// the fn can never run after the caller moved on.
const (
	callPending int32 = iota
	callRunning
	callAbandoned
)

var errAbandoned = errors.New("lease: caller abandoned the call")

func (r *LocalRegistry) Do(ctx context.Context, key string, wait time.Duration, fn func(ctx context.Context) (any, error)) (Flight, error) {
	var state atomic.Int32
	started := make(chan struct{})
	detached := context.WithoutCancel(ctx)

	ch := r.group.DoChan(key, func() (any, error) {
		if !state.CompareAndSwap(callPending, callRunning) {
			return nil, errAbandoned
		}
		close(started)
		r.held.Store(key, struct{}{})
		defer r.held.Delete(key)
		return fn(detached)
	})

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case res := <-ch:
			if state.Load() == callRunning {
				return Flight{Leader: true, Value: res.Val, Err: res.Err}, nil
			}
			return Flight{}, nil
		case <-started:
			// leaders are only bounded by ctx
			started, timeout = nil, nil
		case <-timeout:
			if state.CompareAndSwap(callPending, callAbandoned) {
				return Flight{}, ErrWaitTimeout
			}
			timeout = nil
		case <-ctx.Done():
			if state.CompareAndSwap(callPending, callAbandoned) {
				return Flight{}, ctx.Err()
			}
			return Flight{Leader: true}, ctx.Err()
		}
	}
}

// Held reports whether key currently has a running leader.
func (r *LocalRegistry) Held(key string) bool {
	_, ok := r.held.Load(key)
	return ok
}
