package cbrain

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// TokenSource supplies the bearer credential. Refresh is called at most once
// per operation, after a 401. See WithOperation.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential. Refresh returns the same value, so a
// rejected token surfaces as an AuthError on the retried call.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error)   { return string(s), nil }
func (s StaticToken) Refresh(context.Context) (string, error) { return string(s), nil }

// EnvToken reads the credential from an environment variable on every call,
// so an external session helper can rotate it between attempts.
type EnvToken struct {
	Var string
}

func (e EnvToken) Token(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(e.Var))
	if v == "" {
		return "", fmt.Errorf("environment variable %s is empty", e.Var)
	}
	return v, nil
}

func (e EnvToken) Refresh(ctx context.Context) (string, error) {
	return e.Token(ctx)
}

type refreshKey struct{}

// refreshBudget is the single credential refresh an operation may spend.
type refreshBudget struct {
	mu      sync.Mutex
	spent   bool
	renewed string
}

// WithOperation scopes ctx to one logical operation: however many calls run
// under it, concurrently or not, the credential is refreshed at most once.
// A context that is already scoped is returned unchanged.
func WithOperation(ctx context.Context) context.Context {
	if _, ok := ctx.Value(refreshKey{}).(*refreshBudget); ok {
		return ctx
	}
	return context.WithValue(ctx, refreshKey{}, &refreshBudget{})
}

// renew returns the credential to retry with after stale was rejected. The
// first rejection refreshes; a later one that used a stale credential gets
// the renewed value. ok is false once the renewed credential itself was
// rejected.
func (b *refreshBudget) renew(ctx context.Context, tokens TokenSource, stale string) (token string, ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spent {
		return b.renewed, b.renewed != stale, nil
	}
	b.spent = true
	token, err = tokens.Refresh(ctx)
	if err != nil {
		return "", false, err
	}
	b.renewed = token
	return token, true, nil
}

func budgetFrom(ctx context.Context) *refreshBudget {
	b, _ := ctx.Value(refreshKey{}).(*refreshBudget)
	return b
}
