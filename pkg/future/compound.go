package future

import "sync"

// Reducer folds sub-results into a single value. Collect is called once per
// completed sub-future under the compound's lock; returning false finishes the
// compound early with the current Reduce value.
type Reducer[T any] interface {
	Collect(v T, err error) bool
	Reduce() (T, error)
}

// Compound is a scatter/gather future: it completes once every added
// sub-future has completed and MarkInitialized has been called, or as soon as
// the reducer stops collecting.
type Compound[T any] struct {
	*Future[T]

	mu          sync.Mutex
	reducer     Reducer[T]
	subs        []*Future[T]
	pending     int
	initialized bool
}

// NewCompound returns an empty compound future using r.
func NewCompound[T any](r Reducer[T]) *Compound[T] {
	c := &Compound[T]{Future: New[T](), reducer: r}
	c.Future.OnCancel(c.cancelSubs)
	return c
}

// Add registers a sub-future. Adding to an already finished compound cancels
// the sub-future.
func (c *Compound[T]) Add(sub *Future[T]) {
	c.mu.Lock()
	if c.Future.IsDone() {
		c.mu.Unlock()
		sub.Cancel()
		return
	}
	c.subs = append(c.subs, sub)
	c.pending++
	c.mu.Unlock()

	sub.Listen(c.onSubDone)
}

// Futures returns a snapshot of the registered sub-futures.
func (c *Compound[T]) Futures() []*Future[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Future[T], len(c.subs))
	copy(out, c.subs)
	return out
}

// Pending returns the sub-futures that have not completed yet.
func (c *Compound[T]) Pending() []*Future[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Future[T]
	for _, s := range c.subs {
		if !s.IsDone() {
			out = append(out, s)
		}
	}
	return out
}

// MarkInitialized signals that no more sub-futures will be added.
func (c *Compound[T]) MarkInitialized() {
	c.mu.Lock()
	c.initialized = true
	ready := c.pending == 0
	c.mu.Unlock()
	if ready {
		c.finishReduced()
	}
}

func (c *Compound[T]) onSubDone(v T, err error) {
	c.mu.Lock()
	if c.Future.IsDone() {
		c.mu.Unlock()
		return
	}
	c.pending--
	more := c.reducer.Collect(v, err)
	ready := !more || (c.initialized && c.pending == 0)
	c.mu.Unlock()

	if ready {
		c.finishReduced()
	}
}

func (c *Compound[T]) finishReduced() {
	c.mu.Lock()
	v, err := c.reducer.Reduce()
	c.mu.Unlock()
	if err != nil {
		c.Future.Fail(err)
	} else {
		c.Future.Complete(v)
	}
	c.cancelSubs()
}

func (c *Compound[T]) cancelSubs() {
	for _, s := range c.Pending() {
		s.Cancel()
	}
}

// AndReducer is a boolean AND over sub-results. The first false result or
// error finishes the reduction; an error takes precedence.
type AndReducer struct {
	res bool
	err error
}

// NewAndReducer returns a reducer whose empty reduction is true.
func NewAndReducer() *AndReducer {
	return &AndReducer{res: true}
}

// Collect implements Reducer.
func (r *AndReducer) Collect(v bool, err error) bool {
	if err != nil {
		r.err = err
		r.res = false
		return false
	}
	if !v {
		r.res = false
		return false
	}
	return true
}

// Reduce implements Reducer.
func (r *AndReducer) Reduce() (bool, error) {
	return r.res, r.err
}
