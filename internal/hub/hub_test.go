package hub

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClient struct {
	id     string
	closed atomic.Int64
}

func (f *fakeClient) ID() string { return f.id }
func (f *fakeClient) Close()     { f.closed.Add(1) }

func recvCounts(t *testing.T, ch <-chan map[string]int, within time.Duration) map[string]int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for room counts")
		return nil
	}
}

func TestHub_RegisterCountUnregister(t *testing.T) {
	h := NewHub(context.Background())
	defer h.Shutdown()

	a, b := &fakeClient{id: "a"}, &fakeClient{id: "b"}
	assert.True(t, h.Register("ROOM01", a))
	assert.True(t, h.Register("ROOM01", b))
	assert.True(t, h.Register("ROOM02", &fakeClient{id: "c"}))
	assert.Equal(t, 2, h.Count("ROOM01"))

	reply := make(chan map[string]int, 1)
	h.Inbox() <- Rooms{Reply: reply}
	assert.Equal(t, map[string]int{"ROOM01": 2, "ROOM02": 1}, recvCounts(t, reply, 100*time.Millisecond))

	h.Unregister("ROOM01", "a")
	assert.Equal(t, 1, h.Count("ROOM01"))
	h.Unregister("ROOM01", "b")
	assert.Equal(t, 0, h.Count("ROOM01"))
	assert.Equal(t, int64(0), a.closed.Load())
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h := NewHub(context.Background())
	a := &fakeClient{id: "a"}
	h.Register("ROOM01", a)
	h.Shutdown()

	assert.Equal(t, int64(1), a.closed.Load())
	assert.False(t, h.Register("ROOM01", &fakeClient{id: "late"}))
	assert.Equal(t, 0, h.Count("ROOM01"))
}

func TestHub_ParentCancelClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(ctx)
	a := &fakeClient{id: "a"}
	h.Register("ROOM01", a)
	assert.Equal(t, 1, h.Count("ROOM01"))

	cancel()
	assert.Eventually(t, func() bool { return a.closed.Load() == 1 }, time.Second, 5*time.Millisecond)
}
