package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
    doc_key    TEXT PRIMARY KEY,
    version    BIGINT NOT NULL,
    data       TEXT NOT NULL,
    updated_at BIGINT NOT NULL
);
`

// SQLStore keeps documents as versioned rows. Commits made through this
// process wake local subscribers at once; commits from other processes are
// picked up by polling.
type SQLStore struct {
	db           *sql.DB
	dialect      Dialect
	pollInterval time.Duration
	maxAttempts  int
	log          *zap.Logger

	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
	closed  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// OpenSQLite opens (and migrates) a file backed store.
func OpenSQLite(path string, poll time.Duration, log *zap.Logger) (*SQLStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer at a time keeps SQLITE_BUSY away
	db.SetMaxOpenConns(1)
	return NewSQLStore(db, DialectSQLite, poll, log)
}

// OpenPostgres opens (and migrates) a store through the pgx driver.
func OpenPostgres(dsn string, poll time.Duration, log *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return NewSQLStore(db, DialectPostgres, poll, log)
}

func NewSQLStore(db *sql.DB, dialect Dialect, poll time.Duration, log *zap.Logger) (*SQLStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(documentsSchema); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLStore{
		db:           db,
		dialect:      dialect,
		pollInterval: poll,
		maxAttempts:  DefaultMaxAttempts,
		log:          log,
		waiters:      make(map[string]map[chan struct{}]struct{}),
		closed:       make(chan struct{}),
	}, nil
}

// rebind turns ? placeholders into $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) load(ctx context.Context, key string) (Doc, error) {
	var version int64
	var data string
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT version, data FROM documents WHERE doc_key = ?"), key,
	).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Doc{Key: key}, nil
	}
	if err != nil {
		return Doc{}, fmt.Errorf("failed to get document: %w", err)
	}
	return Doc{Key: key, Version: version, Data: []byte(data), Exists: true}, nil
}

func (s *SQLStore) compareAndSwap(ctx context.Context, key string, version int64, data []byte) (Doc, bool, error) {
	now := time.Now().UnixMilli()
	next := version + 1

	var res sql.Result
	var err error
	if version == 0 {
		res, err = s.db.ExecContext(ctx,
			s.rebind("INSERT INTO documents (doc_key, version, data, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (doc_key) DO NOTHING"),
			key, next, string(data), now,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			s.rebind("UPDATE documents SET version = ?, data = ?, updated_at = ? WHERE doc_key = ? AND version = ?"),
			next, string(data), now, key, version,
		)
	}
	if err != nil {
		return Doc{}, false, fmt.Errorf("failed to write document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Doc{}, false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return Doc{}, false, nil
	}
	s.notify(key)
	return Doc{Key: key, Version: next, Data: cloneBytes(data), Exists: true}, true, nil
}

func (s *SQLStore) notify(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.waiters[key] {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (s *SQLStore) Get(ctx context.Context, key string) (Doc, error) {
	return s.load(ctx, key)
}

func (s *SQLStore) Set(ctx context.Context, key string, data []byte) (Doc, error) {
	return runUpdate(ctx, s, key, overwrite(data), s.maxAttempts)
}

func (s *SQLStore) Update(ctx context.Context, key string, fn UpdateFunc) (Doc, error) {
	return runUpdate(ctx, s, key, fn, s.maxAttempts)
}

func (s *SQLStore) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}

	wake := make(chan struct{}, 1)
	stop := make(chan struct{})
	s.mu.Lock()
	if s.waiters[key] == nil {
		s.waiters[key] = make(map[chan struct{}]struct{})
	}
	s.waiters[key][wake] = struct{}{}
	s.mu.Unlock()

	out := make(chan Doc, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.waiters[key], wake)
			if len(s.waiters[key]) == 0 {
				delete(s.waiters, key)
			}
			s.mu.Unlock()
		}()

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		last := int64(-1)
		for {
			lctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			doc, err := s.load(lctx, key)
			cancel()
			if err != nil {
				s.log.Warn("sql feed reload failed", zap.String("key", key), zap.Error(err))
			} else if doc.Version > last {
				last = doc.Version
				deliver(out, doc)
			}

			select {
			case <-stop:
				return
			case <-s.closed:
				return
			case <-wake:
			case <-ticker.C:
			}
		}
	}()

	var stopOnce sync.Once
	return newSubscription(ctx, out, func() { stopOnce.Do(func() { close(stop) }) }), nil
}

// Close ends every feed, then closes the database.
func (s *SQLStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.wg.Wait()
		err = multierr.Append(err, s.db.Close())
	})
	return err
}
