// Package future provides a minimal completable future with join semantics,
// used to chain version-topic produce calls across concurrent view writers
// (spec §4.F "composite future"). None of the retrieved example repos ship
// a general-purpose future/promise type (hashicorp/raft's raft.Future is
// tied to log application, not reusable here), so this is built directly on
// channels rather than standard-library-only because the language offers no
// library abstraction for this at all.
package future

import "context"

// Future completes exactly once, with either nil or an error.
type Future struct {
	done chan struct{}
	err  error
}

// New returns an incomplete future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns an already-resolved future, used to seed
// pcs.last_vt_produce_future before any record has been produced.
func Completed(err error) *Future {
	f := New()
	f.Complete(err)
	return f
}

// Complete resolves the future. Calling Complete more than once is a no-op
// after the first call.
func (f *Future) Complete(err error) {
	select {
	case <-f.done:
		return
	default:
	}
	f.err = err
	close(f.done)
}

// Wait blocks until the future resolves or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join returns a future that resolves once every input future has resolved.
// It resolves with the first non-nil error encountered, or nil if all
// succeeded.
func Join(futures ...*Future) *Future {
	joined := New()
	if len(futures) == 0 {
		joined.Complete(nil)
		return joined
	}
	go func() {
		ctx := context.Background()
		var firstErr error
		for _, f := range futures {
			if err := f.Wait(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		joined.Complete(firstErr)
	}()
	return joined
}
