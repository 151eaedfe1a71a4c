package upstream

import (
	"errors"
	"os"
	"strings"
	"sync"
)

var ErrEmptyToken = errors.New("upstream: empty token")

// NormalizeToken trims the token and strips an optional "Bearer " prefix
// so file contents pasted from either form work. Empty input stays empty.
func NormalizeToken(s string) string {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(trimmed, "Bearer ")
	return strings.TrimSpace(trimmed)
}

// TokenLoader reads a bearer token from disk and caches the last
// normalized value. It reports whether the value changed since the
// previous load.
type TokenLoader struct {
	path   string
	mu     sync.Mutex
	cached string
}

func NewTokenLoader(path string) *TokenLoader {
	return &TokenLoader{path: path}
}

func (l *TokenLoader) Load() (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", false, err
	}

	token := NormalizeToken(string(data))
	if token == "" {
		l.cached = ""
		return "", false, ErrEmptyToken
	}
	if token == l.cached {
		return l.cached, false, nil
	}
	l.cached = token
	return token, true, nil
}

// SetCached pre-populates the cached value, for starting from a static
// token while still watching the file for rotations.
func (l *TokenLoader) SetCached(token string) {
	l.mu.Lock()
	l.cached = NormalizeToken(token)
	l.mu.Unlock()
}
