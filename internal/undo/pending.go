package undo

import "context"

// Pending is the outcome of background work started by the stack.
type Pending struct {
	done chan struct{}
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Resolved returns a Pending that is already complete with err.
func Resolved(err error) *Pending {
	p := newPending()
	p.resolve(err)

	return p
}

func (p *Pending) resolve(err error) {
	p.err = err
	close(p.done)
}

// Done is closed once the work has finished.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the result of the work. It is only meaningful after Done is
// closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the work has finished or ctx is done. Abandoning the
// wait does not cancel the work.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
