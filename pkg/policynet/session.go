package policynet

import (
	"context"
	"sync"
	"time"
)

// loginFunc acquires a fresh session token from the head-end.
type loginFunc func(ctx context.Context) (string, error)

// sessionManager holds the single shared head-end session. PolicyNet
// invalidates older sessions when a new login arrives for the same user,
// so refreshes are serialized and every caller shares one token.
type sessionManager struct {
	mu       sync.Mutex
	login    loginFunc
	lifetime time.Duration

	token     string
	expiresAt time.Time
}

func newSessionManager(login loginFunc, lifetime time.Duration) *sessionManager {
	return &sessionManager{login: login, lifetime: lifetime}
}

// get returns the current token, refreshing it when expired. Concurrent
// callers block behind one refresh rather than racing logins.
func (s *sessionManager) get(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiresAt) {
		return s.token, nil
	}

	token, err := s.login(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expiresAt = time.Now().Add(s.lifetime)
	return s.token, nil
}

// invalidate drops the cached token so the next call logs in again. Used
// when the head-end rejects a call with an auth fault.
func (s *sessionManager) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}
