package backend

import "sync"

// Completion is a future for asynchronous backend work. It resolves exactly
// once; later Resolve calls are ignored.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewCompletion returns an unresolved Completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Completed returns a Completion that is already resolved with err.
func Completed(err error) *Completion {
	c := NewCompletion()
	c.Resolve(err)
	return c
}

// Resolve marks the work finished.
func (c *Completion) Resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done returns a channel that is closed on resolution.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Ready reports whether the completion has resolved, without blocking.
func (c *Completion) Ready() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the resolution error. It must only be called after Done is
// closed or Ready returned true.
func (c *Completion) Err() error {
	<-c.done
	return c.err
}
