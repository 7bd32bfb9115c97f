package session

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrNoToken is returned when no bearer token is available for the session.
// Callers treat it as an authentication failure and force logout.
var ErrNoToken = errors.New("session: no bearer token")

// TokenSource supplies the bearer token for REST calls and the realtime
// handshake. Token issuance itself happens outside this process.
type TokenSource interface {
	Token() (string, error)
}

// FileTokenSource reads the token from the session's token file on every
// call, so an external login/refresh flow can rotate it without a restart.
type FileTokenSource struct {
	path string
	mu   sync.Mutex
}

// NewFileTokenSource creates a token source for the given session name.
func NewFileTokenSource(sessionName string) *FileTokenSource {
	return &FileTokenSource{path: TokenPath(sessionName)}
}

// Token returns the current bearer token, or ErrNoToken when the file is
// missing or empty.
func (s *FileTokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", err
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// Clear removes the token file. Used on logout.
func (s *FileTokenSource) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// StaticTokenSource returns a TokenSource that always yields tok.
// Intended for tests.
func StaticTokenSource(tok string) TokenSource {
	return staticToken(tok)
}

type staticToken string

func (s staticToken) Token() (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}
