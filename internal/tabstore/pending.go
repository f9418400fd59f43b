package tabstore

import (
	"context"
	"sync"
)

// Pending reports the outcome of a durable write.
type Pending struct {
	done     chan struct{}
	once     sync.Once
	err      error
	rejected bool
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func failedPending(err error) *Pending {
	p := newPending()
	p.rejected = true
	p.finish(err)
	return p
}

func (p *Pending) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed when the write has finished.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the write result. It is nil until Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Rejected reports whether the mutation failed validation and never touched
// the projection. It is known as soon as the mutation returns.
func (p *Pending) Rejected() bool {
	return p.rejected
}

// Wait blocks until the write finishes or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
