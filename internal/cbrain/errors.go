package cbrain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is matched by APIErrors carrying a 404.
	ErrNotFound = errors.New("not found")
	// ErrAuth is matched by AuthError.
	ErrAuth = errors.New("authentication rejected")
)

// APIError is a non-2xx response from the platform.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// AuthError is returned when the platform still rejects the credential after
// one refresh.
type AuthError struct {
	Method string
	Path   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s %s: %v (after credential refresh)", e.Method, e.Path, ErrAuth)
}

func (e *AuthError) Unwrap() error { return ErrAuth }
