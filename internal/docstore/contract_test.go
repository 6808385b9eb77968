package docstore

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// helper: receive one doc with a timeout so tests never hang
func recvDoc(t *testing.T, ch <-chan Doc, within time.Duration) Doc {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return d
	case <-time.After(within):
		t.Fatalf("timed out waiting for doc")
		return Doc{}
	}
}

// waitVersion drains the feed until it reports at least version.
func waitVersion(t *testing.T, ch <-chan Doc, version int64, within time.Duration) Doc {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed while waiting for version %d", version)
			}
			if d.Version >= version {
				return d
			}
		case <-deadline:
			t.Fatalf("timed out waiting for version %d", version)
			return Doc{}
		}
	}
}

func increment(data []byte, exists bool) ([]byte, error) {
	n := 0
	if exists {
		var err error
		if n, err = strconv.Atoi(string(data)); err != nil {
			return nil, err
		}
	}
	return []byte(strconv.Itoa(n + 1)), nil
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("absent doc has version 0", func(t *testing.T) {
		s := newStore(t)
		d, err := s.Get(ctx, "rooms/NOPE00")
		require.NoError(t, err)
		assert.False(t, d.Exists)
		assert.Equal(t, int64(0), d.Version)
	})

	t.Run("set then get", func(t *testing.T) {
		s := newStore(t)
		d, err := s.Set(ctx, "k", []byte(`{"a":1}`))
		require.NoError(t, err)
		assert.Equal(t, int64(1), d.Version)

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, got.Exists)
		assert.Equal(t, int64(1), got.Version)
		assert.JSONEq(t, `{"a":1}`, string(got.Data))
	})

	t.Run("concurrent updates never lose a write", func(t *testing.T) {
		s := newStore(t)
		const workers, each = 8, 10
		var g errgroup.Group
		for w := 0; w < workers; w++ {
			g.Go(func() error {
				for i := 0; i < each; i++ {
					if _, err := s.Update(ctx, "counter", increment); err != nil {
						return err
					}
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		d, err := s.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(workers*each), string(d.Data))
		assert.Equal(t, int64(workers*each), d.Version)
	})

	t.Run("no change keeps version", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Set(ctx, "k", []byte("1"))
		require.NoError(t, err)

		d, err := s.Update(ctx, "k", func([]byte, bool) ([]byte, error) { return nil, ErrNoChange })
		require.NoError(t, err)
		assert.Equal(t, int64(1), d.Version)
		assert.Equal(t, "1", string(d.Data))
	})

	t.Run("fn error aborts the update", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("boom")
		_, err := s.Update(ctx, "k", func([]byte, bool) ([]byte, error) { return nil, boom })
		require.ErrorIs(t, err, boom)

		d, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, d.Exists)
	})

	t.Run("subscribe sees current then later commits", func(t *testing.T) {
		s := newStore(t)
		sub, err := s.Subscribe(ctx, "watched")
		require.NoError(t, err)
		defer sub.Close()

		first := recvDoc(t, sub.C, time.Second)
		assert.False(t, first.Exists)

		_, err = s.Set(ctx, "watched", []byte("hello"))
		require.NoError(t, err)
		d := waitVersion(t, sub.C, 1, 2*time.Second)
		assert.Equal(t, "hello", string(d.Data))
	})

	t.Run("slow subscriber gets the latest version", func(t *testing.T) {
		s := newStore(t)
		sub, err := s.Subscribe(ctx, "burst")
		require.NoError(t, err)
		defer sub.Close()

		for i := 0; i < 5; i++ {
			_, err := s.Update(ctx, "burst", increment)
			require.NoError(t, err)
		}
		d := waitVersion(t, sub.C, 5, 2*time.Second)
		assert.Equal(t, "5", string(d.Data))
	})

	t.Run("close ends the feed", func(t *testing.T) {
		s := newStore(t)
		sub, err := s.Subscribe(ctx, "closing")
		require.NoError(t, err)
		_ = recvDoc(t, sub.C, time.Second)

		sub.Close()
		sub.Close() // idempotent
		select {
		case _, ok := <-sub.C:
			for ok {
				_, ok = <-sub.C
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("feed not closed")
		}
	})

	t.Run("cancelled context ends the feed", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		sub, err := s.Subscribe(cctx, "ctx")
		require.NoError(t, err)
		_ = recvDoc(t, sub.C, time.Second)

		cancel()
		require.Eventually(t, func() bool {
			select {
			case _, ok := <-sub.C:
				return !ok
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
	})
}
