package admission

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrClosed      = errors.New("admission controller closed")
	ErrAlreadyHeld = errors.New("job already holds a training slot")
)

type waiter struct {
	jobID       string
	submittedAt time.Time
	seq         uint64
	ready       chan struct{}
	granted     bool
	err         error
}

// Controller hands out a fixed number of training slots. Waiters are served
// in job submission order, ties broken by arrival.
type Controller struct {
	mu       sync.Mutex
	capacity int
	holders  map[string]struct{}
	waiters  []*waiter
	seq      uint64
	closed   bool

	// OnChange, if set, is called with the slot usage after every change.
	OnChange func(holding, waiting int)
}

func NewController(capacity int) *Controller {
	if capacity <= 0 {
		capacity = 1
	}
	return &Controller{
		capacity: capacity,
		holders:  make(map[string]struct{}),
	}
}

// Ticket is proof of holding a slot. Release is safe to call more than once.
type Ticket struct {
	c     *Controller
	jobID string
	once  sync.Once
}

func (t *Ticket) JobID() string {
	return t.jobID
}

func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() { t.c.release(t.jobID) })
}

// Acquire blocks until jobID holds a slot or ctx ends.
func (c *Controller) Acquire(ctx context.Context, jobID string, submittedAt time.Time) (*Ticket, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, held := c.holders[jobID]; held {
		c.mu.Unlock()
		return nil, ErrAlreadyHeld
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if len(c.holders) < c.capacity && len(c.waiters) == 0 {
		c.holders[jobID] = struct{}{}
		c.notifyLocked()
		c.mu.Unlock()
		return &Ticket{c: c, jobID: jobID}, nil
	}

	c.seq++
	w := &waiter{jobID: jobID, submittedAt: submittedAt, seq: c.seq, ready: make(chan struct{})}
	c.insertLocked(w)
	c.notifyLocked()
	c.mu.Unlock()

	select {
	case <-w.ready:
		if w.err != nil {
			return nil, w.err
		}
		return &Ticket{c: c, jobID: jobID}, nil
	case <-ctx.Done():
		c.mu.Lock()
		if w.granted {
			// Granted while we were giving up: hand the slot on.
			c.mu.Unlock()
			c.release(jobID)
			return nil, ctx.Err()
		}
		c.removeLocked(w)
		c.notifyLocked()
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Controller) release(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.holders, jobID)
	c.dispatchLocked()
	c.notifyLocked()
}

// Close fails all current and future waiters. Held tickets stay valid.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, w := range c.waiters {
		w.err = ErrClosed
		close(w.ready)
	}
	c.waiters = nil
	c.notifyLocked()
}

// Holders returns the ids of jobs currently holding a slot.
func (c *Controller) Holders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.holders))
	for id := range c.holders {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Position is the 1-based place of jobID in the queue.
func (c *Controller) Position(jobID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w.jobID == jobID {
			return i + 1, true
		}
	}
	return 0, false
}

func (c *Controller) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Controller) insertLocked(w *waiter) {
	i := sort.Search(len(c.waiters), func(i int) bool {
		other := c.waiters[i]
		if !other.submittedAt.Equal(w.submittedAt) {
			return other.submittedAt.After(w.submittedAt)
		}
		return other.seq > w.seq
	})
	c.waiters = append(c.waiters, nil)
	copy(c.waiters[i+1:], c.waiters[i:])
	c.waiters[i] = w
}

func (c *Controller) removeLocked(w *waiter) {
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Controller) dispatchLocked() {
	for len(c.holders) < c.capacity && len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		c.holders[w.jobID] = struct{}{}
		w.granted = true
		close(w.ready)
	}
}

func (c *Controller) notifyLocked() {
	if c.OnChange != nil {
		c.OnChange(len(c.holders), len(c.waiters))
	}
}
