package docstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collection is a typed JSON view over a Store under one key prefix.
type Collection[T any] struct {
	store  Store
	prefix string
}

func NewCollection[T any](store Store, prefix string) *Collection[T] {
	return &Collection[T]{store: store, prefix: prefix}
}

func (c *Collection[T]) key(id string) string { return c.prefix + "/" + id }

func decode[T any](doc Doc) (*T, error) {
	if !doc.Exists {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(doc.Data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", doc.Key, err)
	}
	return &v, nil
}

// Get returns nil when the document does not exist.
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	doc, err := c.store.Get(ctx, c.key(id))
	if err != nil {
		return nil, err
	}
	return decode[T](doc)
}

func (c *Collection[T]) Set(ctx context.Context, id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.key(id), err)
	}
	_, err = c.store.Set(ctx, c.key(id), data)
	return err
}

// Update runs fn inside the store's atomic conditional update. fn sees nil
// when the document is absent and may return ErrNoChange. The committed
// (or unchanged) value is returned.
func (c *Collection[T]) Update(ctx context.Context, id string, fn func(cur *T) (*T, error)) (*T, error) {
	doc, err := c.store.Update(ctx, c.key(id), func(data []byte, exists bool) ([]byte, error) {
		var cur *T
		if exists {
			cur = new(T)
			if err := json.Unmarshal(data, cur); err != nil {
				return nil, fmt.Errorf("decode %s: %w", c.key(id), err)
			}
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	})
	if err != nil {
		return nil, err
	}
	return decode[T](doc)
}

// Watch is a typed Subscription. A nil value means the document is absent.
type Watch[T any] struct {
	C <-chan *T

	sub *Subscription
}

func (w *Watch[T]) Close() { w.sub.Close() }

func (c *Collection[T]) Subscribe(ctx context.Context, id string) (*Watch[T], error) {
	sub, err := c.store.Subscribe(ctx, c.key(id))
	if err != nil {
		return nil, err
	}
	out := make(chan *T, 1)
	go func() {
		defer close(out)
		for doc := range sub.C {
			v, err := decode[T](doc)
			if err != nil {
				continue
			}
			select {
			case out <- v:
			default:
				select {
				case <-out:
				default:
				}
				out <- v
			}
		}
	}()
	return &Watch[T]{C: out, sub: sub}, nil
}
