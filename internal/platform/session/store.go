package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Persistence keys.
const (
	TokenKey = "jwt_token"
	UserKey  = "user_info"
)

// ErrNoSession is returned by operations that need an active session.
var ErrNoSession = errors.New("no active session")

// Store owns the current session and notifies subscribers on every change.
//
// Subscribers are called synchronously and in change order. A subscriber
// must not call Save, Update or Clear from inside its callback.
type Store struct {
	kv     KV
	logger zerolog.Logger

	mu      sync.RWMutex
	current *Session
	subs    map[uint64]func(*Session)
	nextSub uint64

	// writeMu serializes Save, Update and Clear end to end.
	writeMu sync.Mutex
	// emitMu serializes deliveries so every subscriber sees changes in order.
	emitMu sync.Mutex
}

// NewStore creates a Store and restores any session persisted in kv.
func NewStore(ctx context.Context, kv KV, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		kv:     kv,
		logger: logger.With().Str("component", "session").Logger(),
		subs:   make(map[uint64]func(*Session)),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	raw, ok, err := s.kv.Get(ctx, UserKey)
	if errors.Is(err, ErrCorrupt) {
		// The next Save or Clear rewrites the record.
		s.logger.Warn().Err(err).Msg("discarding unreadable persisted session")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user info: %w", err)
	}
	if !ok {
		return nil
	}

	sess, err := decodeUserInfo(raw)
	if err != nil {
		// A corrupt record is dropped rather than blocking start-up.
		s.logger.Warn().Err(err).Msg("discarding unreadable persisted session")
		return nil
	}

	token, _, err := s.kv.Get(ctx, TokenKey)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	sess.Token = token
	if token != "" {
		if claims, err := ParseTokenClaims(token); err == nil {
			sess.ExpiresAt = claims.ExpiresAt
		}
	}

	s.current = sess
	s.logger.Debug().Int64("user_id", sess.UserID).Str("role", string(sess.Role)).Msg("session restored")
	return nil
}

// Snapshot returns a copy of the current session, or nil when signed out.
func (s *Store) Snapshot() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// Token returns the bearer token of the current session.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.Token
}

// IsAuthenticated reports whether a token is held.
func (s *Store) IsAuthenticated() bool {
	return s.Token() != ""
}

// Save persists sess as the current session and notifies subscribers.
func (s *Store) Save(ctx context.Context, sess Session) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sess.Role = NormalizeRole(string(sess.Role))
	if sess.ExpiresAt == nil && sess.Token != "" {
		if claims, err := ParseTokenClaims(sess.Token); err == nil {
			sess.ExpiresAt = claims.ExpiresAt
		} else {
			s.logger.Debug().Err(err).Msg("token is not a readable JWT")
		}
	}

	if err := s.persist(ctx, &sess); err != nil {
		return err
	}
	s.set(&sess)
	s.logger.Info().Int64("user_id", sess.UserID).Str("role", string(sess.Role)).Msg("session saved")
	return nil
}

// Update applies fn to a copy of the current session, persists the result
// and notifies subscribers.
func (s *Store) Update(ctx context.Context, fn func(*Session)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.Snapshot()
	if cur == nil {
		return ErrNoSession
	}
	fn(cur)
	cur.Role = NormalizeRole(string(cur.Role))
	if err := s.persist(ctx, cur); err != nil {
		return err
	}
	s.set(cur)
	return nil
}

// Clear removes the session. The in-memory session is always dropped; a
// persistence failure is still reported to the caller.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	errTok := s.kv.Delete(ctx, TokenKey)
	errUser := s.kv.Delete(ctx, UserKey)
	s.set(nil)
	s.logger.Info().Msg("session cleared")

	if err := errors.Join(errTok, errUser); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *Store) persist(ctx context.Context, sess *Session) error {
	info, err := encodeUserInfo(sess)
	if err != nil {
		return fmt.Errorf("encode user info: %w", err)
	}
	if sess.Token != "" {
		if err := s.kv.Set(ctx, TokenKey, sess.Token); err != nil {
			return fmt.Errorf("persist token: %w", err)
		}
	} else if err := s.kv.Delete(ctx, TokenKey); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	if err := s.kv.Set(ctx, UserKey, info); err != nil {
		return fmt.Errorf("persist user info: %w", err)
	}
	return nil
}

func (s *Store) set(sess *Session) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	s.current = sess.clone()
	subs := make([]func(*Session), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(sess.clone())
	}
}

// Subscribe registers fn for session changes. fn is called immediately with
// the current value (nil when signed out). The returned function removes
// the subscription and is safe to call more than once.
func (s *Store) Subscribe(fn func(*Session)) (unsubscribe func()) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	cur := s.current.clone()
	s.mu.Unlock()

	fn(cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}
