package timer

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source shared by the match service and client sessions.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f once d has elapsed. The returned func cancels it and
	// reports whether f was still pending.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type systemClock struct{}

var System Clock = systemClock{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Fake is a manual clock. Pending callbacks run synchronously from Advance,
// in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending map[int]fakeTimer
}

type fakeTimer struct {
	at  time.Time
	seq int
	f   func()
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start, pending: map[int]fakeTimer{}}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := c.seq
	c.pending[id] = fakeTimer{at: c.now.Add(d), seq: id, f: f}
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.pending[id]
		delete(c.pending, id)
		return ok
	}
}

// Pending is the number of callbacks not yet fired.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Set moves the clock to t without firing anything.
func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward and fires every callback that came due.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	due := []fakeTimer{}
	for id, t := range c.pending {
		if !t.at.After(now) {
			due = append(due, t)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].at.Equal(due[j].at) {
			return due[i].at.Before(due[j].at)
		}
		return due[i].seq < due[j].seq
	})
	for _, t := range due {
		t.f()
	}
}
