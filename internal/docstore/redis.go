package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var errVersionMoved = errors.New("version moved")

// RedisStore keeps each document in a hash {v: version, d: data} and
// announces every commit on a per-key channel.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	maxAttempts int
	log         *zap.Logger
}

type hmgetter interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

// OpenRedis accepts either a redis:// URL or a host:port address.
func OpenRedis(ctx context.Context, addr string, log *zap.Logger) (*RedisStore, error) {
	var client *redis.Client
	if opt, err := redis.ParseURL(addr); err == nil {
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, "trivia:", log), nil
}

func NewRedisStore(client *redis.Client, prefix string, log *zap.Logger) *RedisStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: prefix, maxAttempts: DefaultMaxAttempts, log: log}
}

func (r *RedisStore) docKey(key string) string  { return r.prefix + "doc:" + key }
func (r *RedisStore) feedName(key string) string { return r.prefix + "changed:" + key }

func (r *RedisStore) read(ctx context.Context, c hmgetter, key string) (Doc, error) {
	vals, err := c.HMGet(ctx, r.docKey(key), "v", "d").Result()
	if err != nil {
		return Doc{}, err
	}
	if len(vals) != 2 || vals[0] == nil {
		return Doc{Key: key}, nil
	}
	vs, ok := vals[0].(string)
	if !ok {
		return Doc{}, fmt.Errorf("unexpected version type %T", vals[0])
	}
	version, err := strconv.ParseInt(vs, 10, 64)
	if err != nil {
		return Doc{}, fmt.Errorf("bad version %q: %w", vs, err)
	}
	ds, _ := vals[1].(string)
	return Doc{Key: key, Version: version, Data: []byte(ds), Exists: true}, nil
}

func (r *RedisStore) load(ctx context.Context, key string) (Doc, error) {
	return r.read(ctx, r.client, key)
}

func (r *RedisStore) compareAndSwap(ctx context.Context, key string, version int64, data []byte) (Doc, bool, error) {
	dk := r.docKey(key)
	next := version + 1
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur.Version != version {
			return errVersionMoved
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, dk, "v", next, "d", data)
			pipe.Publish(ctx, r.feedName(key), next)
			return nil
		})
		return err
	}, dk)
	if errors.Is(err, errVersionMoved) || errors.Is(err, redis.TxFailedErr) {
		return Doc{}, false, nil
	}
	if err != nil {
		return Doc{}, false, err
	}
	return Doc{Key: key, Version: next, Data: cloneBytes(data), Exists: true}, true, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (Doc, error) {
	return r.load(ctx, key)
}

func (r *RedisStore) Set(ctx context.Context, key string, data []byte) (Doc, error) {
	return runUpdate(ctx, r, key, overwrite(data), r.maxAttempts)
}

func (r *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) (Doc, error) {
	return runUpdate(ctx, r, key, fn, r.maxAttempts)
}

// Subscribe listens on the key's channel and re-reads the document on each
// announcement. Versions only move forward on the output.
func (r *RedisStore) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	ps := r.client.Subscribe(ctx, r.feedName(key))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}

	out := make(chan Doc, 1)
	feed := ps.Channel()
	go func() {
		defer close(out)
		last := int64(-1)
		push := func() {
			lctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			doc, err := r.load(lctx, key)
			if err != nil {
				r.log.Warn("redis feed reload failed", zap.String("key", key), zap.Error(err))
				return
			}
			if doc.Version <= last {
				return
			}
			last = doc.Version
			deliver(out, doc)
		}
		push()
		for range feed {
			push()
		}
	}()

	return newSubscription(ctx, out, func() { _ = ps.Close() }), nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
