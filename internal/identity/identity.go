package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrNoIdentity = errors.New("no identity on context")

type User struct {
	UID string
}

// Provider yields a stable anonymous identity. EnsureSignedIn is idempotent.
type Provider interface {
	EnsureSignedIn(ctx context.Context) (User, error)
}

func NewUID() string { return uuid.NewString() }

// Valid reports whether s looks like an id we issued.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// FileProvider keeps the uid in a file so a restarted standalone client signs
// back in as the same user. The HTTP server uses ContextProvider instead.
type FileProvider struct {
	path string

	mu   sync.Mutex
	user *User
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) EnsureSignedIn(ctx context.Context) (User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.user != nil {
		return *p.user, nil
	}

	data, err := os.ReadFile(p.path)
	switch {
	case err == nil:
		uid := strings.TrimSpace(string(data))
		if Valid(uid) {
			p.user = &User{UID: uid}
			return *p.user, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return User{}, fmt.Errorf("failed to read identity: %w", err)
	}

	uid := NewUID()
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return User{}, fmt.Errorf("failed to create identity dir: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(uid+"\n"), 0o600); err != nil {
		return User{}, fmt.Errorf("failed to write identity: %w", err)
	}
	p.user = &User{UID: uid}
	return *p.user, nil
}

type ctxKey struct{}

func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

func FromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(ctxKey{}).(User)
	return u, ok && u.UID != ""
}

// ContextProvider reads the identity the HTTP middleware put on the request.
type ContextProvider struct{}

func (ContextProvider) EnsureSignedIn(ctx context.Context) (User, error) {
	u, ok := FromContext(ctx)
	if !ok {
		return User{}, ErrNoIdentity
	}
	return u, nil
}

// Static always answers with the same uid.
type Static string

func (s Static) EnsureSignedIn(context.Context) (User, error) {
	return User{UID: string(s)}, nil
}
