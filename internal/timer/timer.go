package timer

import (
	"context"
	"sync"
	"time"

	"github.com/DoyleJ11/trivia-duel-backend/internal/engine"
)

const (
	CountdownInterval = 200 * time.Millisecond
	GuardInterval     = 250 * time.Millisecond
)

// loop is the shared cadence: tick runs every interval until it returns
// false, ctx ends or Stop is called.
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startLoop(parent context.Context, interval time.Duration, tick func() bool) *loop {
	ctx, cancel := context.WithCancel(parent)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		defer cancel()
		if !tick() {
			return
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !tick() {
					return
				}
			}
		}
	}()
	return l
}

// Stop cancels the loop. A tick already running finishes; callers tag
// callbacks with the question index to drop late ones.
func (l *loop) Stop() { l.once.Do(l.cancel) }

func (l *loop) Done() <-chan struct{} { return l.done }

// Countdown derives whole seconds left from the shared question window. It
// ends after reporting 0.
type Countdown struct{ *loop }

func StartCountdown(ctx context.Context, clock Clock, m engine.Match, interval time.Duration, onTick func(remaining int)) *Countdown {
	if interval <= 0 {
		interval = CountdownInterval
	}
	return &Countdown{startLoop(ctx, interval, func() bool {
		left := engine.RemainingSeconds(m, clock.Now().UnixMilli())
		onTick(left)
		return left > 0
	})}
}

// Guard fires once when the clock passes deadline, then clears itself.
type Guard struct {
	*loop
	Index int
}

func StartGuard(ctx context.Context, clock Clock, index int, deadline time.Time, interval time.Duration, fire func(index int)) *Guard {
	if interval <= 0 {
		interval = GuardInterval
	}
	return &Guard{
		Index: index,
		loop: startLoop(ctx, interval, func() bool {
			if clock.Now().Before(deadline) {
				return true
			}
			fire(index)
			return false
		}),
	}
}
