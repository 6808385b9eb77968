package docstore

import (
	"context"
)

type memMsg interface{ isMemMsg() }

type memLoad struct {
	Key   string
	Reply chan Doc
}

type memCAS struct {
	Key     string
	Version int64
	Data    []byte
	Reply   chan memCASResult
}

type memCASResult struct {
	Doc Doc
	OK  bool
}

type memSubscribe struct {
	Key string
	Out chan Doc
}

type memUnsubscribe struct {
	Key string
	Out chan Doc
}

func (memLoad) isMemMsg()        {}
func (memCAS) isMemMsg()         {}
func (memSubscribe) isMemMsg()   {}
func (memUnsubscribe) isMemMsg() {}

// MemoryStore keeps every document inside one goroutine; all access goes
// through its inbox so there is nothing to lock.
type MemoryStore struct {
	inbox       chan memMsg
	docs        map[string]Doc
	subs        map[string]map[chan Doc]struct{}
	maxAttempts int
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewMemoryStore(parent context.Context) *MemoryStore {
	ctx, cancel := context.WithCancel(parent)
	m := &MemoryStore{
		inbox:       make(chan memMsg, 64),
		docs:        make(map[string]Doc),
		subs:        make(map[string]map[chan Doc]struct{}),
		maxAttempts: DefaultMaxAttempts,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *MemoryStore) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			m.shutdown()
			return

		case in := <-m.inbox:
			switch msg := in.(type) {
			case memLoad:
				msg.Reply <- m.snapshot(msg.Key)

			case memCAS:
				cur := m.docs[msg.Key]
				if cur.Version != msg.Version {
					msg.Reply <- memCASResult{Doc: m.snapshot(msg.Key)}
					break
				}
				next := Doc{Key: msg.Key, Version: cur.Version + 1, Data: cloneBytes(msg.Data), Exists: true}
				m.docs[msg.Key] = next
				msg.Reply <- memCASResult{Doc: m.snapshot(msg.Key), OK: true}
				m.broadcast(msg.Key)

			case memSubscribe:
				if m.subs[msg.Key] == nil {
					m.subs[msg.Key] = make(map[chan Doc]struct{})
				}
				m.subs[msg.Key][msg.Out] = struct{}{}
				deliver(msg.Out, m.snapshot(msg.Key))

			case memUnsubscribe:
				if _, ok := m.subs[msg.Key][msg.Out]; ok {
					delete(m.subs[msg.Key], msg.Out)
					close(msg.Out)
				}
				if len(m.subs[msg.Key]) == 0 {
					delete(m.subs, msg.Key)
				}
			}
		}
	}
}

func (m *MemoryStore) snapshot(key string) Doc {
	d, ok := m.docs[key]
	if !ok {
		return Doc{Key: key}
	}
	d.Data = cloneBytes(d.Data)
	return d
}

func (m *MemoryStore) broadcast(key string) {
	for ch := range m.subs[key] {
		deliver(ch, m.snapshot(key))
	}
}

func (m *MemoryStore) shutdown() {
	for key, set := range m.subs {
		for ch := range set {
			close(ch)
		}
		delete(m.subs, key)
	}
}

func (m *MemoryStore) send(ctx context.Context, msg memMsg) error {
	select {
	case m.inbox <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, m *MemoryStore, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-m.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (m *MemoryStore) load(ctx context.Context, key string) (Doc, error) {
	reply := make(chan Doc, 1)
	if err := m.send(ctx, memLoad{Key: key, Reply: reply}); err != nil {
		return Doc{}, err
	}
	return await(ctx, m, reply)
}

func (m *MemoryStore) compareAndSwap(ctx context.Context, key string, version int64, data []byte) (Doc, bool, error) {
	reply := make(chan memCASResult, 1)
	if err := m.send(ctx, memCAS{Key: key, Version: version, Data: data, Reply: reply}); err != nil {
		return Doc{}, false, err
	}
	res, err := await(ctx, m, reply)
	if err != nil {
		return Doc{}, false, err
	}
	return res.Doc, res.OK, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Doc, error) {
	return m.load(ctx, key)
}

func (m *MemoryStore) Set(ctx context.Context, key string, data []byte) (Doc, error) {
	return runUpdate(ctx, m, key, overwrite(data), m.maxAttempts)
}

func (m *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) (Doc, error) {
	return runUpdate(ctx, m, key, fn, m.maxAttempts)
}

func (m *MemoryStore) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	out := make(chan Doc, 1)
	if err := m.send(ctx, memSubscribe{Key: key, Out: out}); err != nil {
		return nil, err
	}
	sub := newSubscription(ctx, out, func() {
		select {
		case m.inbox <- memUnsubscribe{Key: key, Out: out}:
		case <-m.done:
		}
	})
	return sub, nil
}

// Close stops the actor and closes every open subscription.
func (m *MemoryStore) Close() error {
	m.cancel()
	<-m.done
	return nil
}
