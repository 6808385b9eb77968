package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrNoChange = errors.New("no change")
var ErrContention = errors.New("update did not commit: too much contention")
var ErrClosed = errors.New("store closed")

// DefaultMaxAttempts caps the optimistic retry loop of Update.
const DefaultMaxAttempts = 64

// Doc is one versioned document. Version 0 means the key holds nothing.
type Doc struct {
	Key     string
	Version int64
	Data    []byte
	Exists  bool
}

// UpdateFunc computes the next content from the current one. Returning
// ErrNoChange leaves the document untouched.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Store is a shared mutable document store with an atomic conditional
// update and a change feed per key.
type Store interface {
	Get(ctx context.Context, key string) (Doc, error)
	Set(ctx context.Context, key string, data []byte) (Doc, error)
	Update(ctx context.Context, key string, fn UpdateFunc) (Doc, error)
	Subscribe(ctx context.Context, key string) (*Subscription, error)
	Close() error
}

// casBackend is what each backend provides; the retry loop is shared.
type casBackend interface {
	load(ctx context.Context, key string) (Doc, error)
	// compareAndSwap writes data only if the stored version still equals version.
	compareAndSwap(ctx context.Context, key string, version int64, data []byte) (Doc, bool, error)
}

func runUpdate(ctx context.Context, b casBackend, key string, fn UpdateFunc, maxAttempts int) (Doc, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Doc{}, err
		}
		cur, err := b.load(ctx, key)
		if err != nil {
			return Doc{}, fmt.Errorf("load %s: %w", key, err)
		}
		next, err := fn(cloneBytes(cur.Data), cur.Exists)
		if errors.Is(err, ErrNoChange) {
			return cur, nil
		}
		if err != nil {
			return cur, err
		}
		doc, ok, err := b.compareAndSwap(ctx, key, cur.Version, next)
		if err != nil {
			return Doc{}, fmt.Errorf("write %s: %w", key, err)
		}
		if ok {
			return doc, nil
		}
		// lost the race, reload and retry
	}
	return Doc{}, fmt.Errorf("%s: %w", key, ErrContention)
}

func overwrite(data []byte) UpdateFunc {
	return func([]byte, bool) ([]byte, error) { return data, nil }
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Subscription is a latest-wins feed of one document.
type Subscription struct {
	C <-chan Doc

	once   sync.Once
	mu     sync.Mutex
	stop   func() bool
	cancel func()
}

// newSubscription ties the feed to ctx: cancelling ctx closes it.
func newSubscription(ctx context.Context, ch <-chan Doc, cancel func()) *Subscription {
	s := &Subscription{C: ch, cancel: cancel}
	s.mu.Lock()
	s.stop = context.AfterFunc(ctx, s.Close)
	s.mu.Unlock()
	return s
}

// Close stops the feed. The channel is closed once the backend lets go of it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		s.cancel()
	})
}

// deliver replaces whatever is buffered with doc. Only safe with a single
// sender per channel and a buffer of one.
func deliver(ch chan Doc, doc Doc) {
	select {
	case ch <- doc:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- doc
}
