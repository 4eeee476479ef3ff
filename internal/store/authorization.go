package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bluele/gcache"
)

var ErrUnknownState = errors.New("unknown or consumed authorization state")

const defaultSessionCapacity = 1024

// AuthorizationSessions maps an opaque state token to the key an issuance
// in progress is bound to. A state is consumed at most once. States expire
// after the TTL; once capacity is reached an older state is dropped.
type AuthorizationSessions struct {
	// mu makes the check-then-set in Save and the get-then-remove in
	// Consume atomic.
	mu       sync.Mutex
	sessions gcache.Cache
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

type AuthorizationOption func(*AuthorizationSessions)

func WithSessionTTL(ttl time.Duration) AuthorizationOption {
	return func(s *AuthorizationSessions) {
		s.ttl = ttl
	}
}

func WithSessionClock(now func() time.Time) AuthorizationOption {
	return func(s *AuthorizationSessions) {
		s.now = now
	}
}

func WithSessionCapacity(n int) AuthorizationOption {
	return func(s *AuthorizationSessions) {
		s.capacity = n
	}
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

func NewAuthorizationSessions(opts ...AuthorizationOption) *AuthorizationSessions {
	s := &AuthorizationSessions{
		ttl:      10 * time.Minute,
		capacity: defaultSessionCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessions = gcache.New(s.capacity).LRU().
		Expiration(s.ttl).
		Clock(clockFunc(s.now)).
		Build()
	return s
}

func (s *AuthorizationSessions) Save(ctx context.Context, state, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state == "" {
		return errors.New("empty authorization state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	if _, err := s.sessions.GetIFPresent(state); err == nil {
		return errors.New("authorization state already in use")
	}
	return s.sessions.Set(state, keyID)
}

func (s *AuthorizationSessions) Consume(ctx context.Context, state string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.sessions.GetIFPresent(state)
	if err != nil {
		return "", ErrUnknownState
	}
	s.sessions.Remove(state)
	return v.(string), nil
}

// Pending is the number of states held, expired ones included until the
// next Save sweeps them.
func (s *AuthorizationSessions) Pending() int {
	return s.sessions.Len(false)
}

// sweep drops expired states. gcache evicts an expired entry only when it
// is read through the configured clock. Callers hold s.mu.
func (s *AuthorizationSessions) sweep() {
	for _, key := range s.sessions.Keys(false) {
		s.sessions.GetIFPresent(key)
	}
}
