package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// failingKV wraps MemoryKV and fails selected operations.
type failingKV struct {
	*MemoryKV
	failSet    bool
	failDelete bool
}

func (f *failingKV) Set(ctx context.Context, key, value string) error {
	if f.failSet {
		return errors.New("disk full")
	}
	return f.MemoryKV.Set(ctx, key, value)
}

func (f *failingKV) Delete(ctx context.Context, key string) error {
	if f.failDelete {
		return errors.New("io error")
	}
	return f.MemoryKV.Delete(ctx, key)
}

func newTestStore(t *testing.T, kv KV) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), kv, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_EmptyOnStart(t *testing.T) {
	s := newTestStore(t, NewMemoryKV())
	if s.Snapshot() != nil {
		t.Error("expected nil snapshot for empty store")
	}
	if s.IsAuthenticated() {
		t.Error("expected unauthenticated store")
	}
}

func TestStore_SavePersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := newTestStore(t, kv)

	err := s.Save(ctx, Session{Token: "opaque-token", UserID: 5, Email: "p@example.com", Role: "paciente", DisplayName: "Pat"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if tok, ok, _ := kv.Get(ctx, TokenKey); !ok || tok != "opaque-token" {
		t.Errorf("expected token persisted, got %q (%v)", tok, ok)
	}

	restored := newTestStore(t, kv)
	snap := restored.Snapshot()
	if snap == nil {
		t.Fatal("expected restored session")
	}
	if snap.UserID != 5 || snap.Role != RolePatient || snap.Token != "opaque-token" || snap.DisplayName != "Pat" {
		t.Errorf("unexpected restored session: %+v", snap)
	}
}

func TestStore_SaveReadsExpiryFromToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	s := newTestStore(t, NewMemoryKV())
	if err := s.Save(context.Background(), Session{Token: tok, UserID: 1, Role: RoleDoctor}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snap := s.Snapshot()
	if snap.ExpiresAt == nil || !snap.ExpiresAt.Equal(exp) {
		t.Errorf("expected expiry %v, got %v", exp, snap.ExpiresAt)
	}
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := newTestStore(t, NewMemoryKV())
	_ = s.Save(context.Background(), Session{Token: "t", UserID: 1, Role: RolePatient})

	snap := s.Snapshot()
	snap.Role = RoleAdministrator
	if s.Snapshot().Role != RolePatient {
		t.Error("mutating a snapshot changed the store")
	}
}

func TestStore_SubscribeReplaysCurrentValue(t *testing.T) {
	s := newTestStore(t, NewMemoryKV())
	_ = s.Save(context.Background(), Session{Token: "t", UserID: 9, Role: RoleDoctor})

	var got []*Session
	unsub := s.Subscribe(func(sess *Session) { got = append(got, sess) })
	defer unsub()

	if len(got) != 1 || got[0] == nil || got[0].UserID != 9 {
		t.Fatalf("expected immediate replay of current session, got %+v", got)
	}
}

func TestStore_SubscribeReplaysNilWhenSignedOut(t *testing.T) {
	s := newTestStore(t, NewMemoryKV())

	calls := 0
	var last *Session = &Session{}
	s.Subscribe(func(sess *Session) {
		calls++
		last = sess
	})
	if calls != 1 || last != nil {
		t.Errorf("expected one nil replay, got calls=%d last=%+v", calls, last)
	}
}

func TestStore_NotifiesOnChangesAndUnsubscribe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryKV())

	var events []*Session
	unsub := s.Subscribe(func(sess *Session) { events = append(events, sess) })

	_ = s.Save(ctx, Session{Token: "t", UserID: 1, Role: RolePatient})
	_ = s.Update(ctx, func(sess *Session) { sess.DisplayName = "Renamed" })
	_ = s.Clear(ctx)

	if len(events) != 4 {
		t.Fatalf("expected 4 events (replay, save, update, clear), got %d", len(events))
	}
	if events[2] == nil || events[2].DisplayName != "Renamed" {
		t.Errorf("expected update event, got %+v", events[2])
	}
	if events[3] != nil {
		t.Errorf("expected nil on clear, got %+v", events[3])
	}

	unsub()
	unsub()
	_ = s.Save(ctx, Session{Token: "t2", UserID: 2, Role: RolePatient})
	if len(events) != 4 {
		t.Errorf("expected no events after unsubscribe, got %d", len(events))
	}
}

func TestStore_UpdateWithoutSession(t *testing.T) {
	s := newTestStore(t, NewMemoryKV())
	err := s.Update(context.Background(), func(*Session) {})
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestStore_SaveFailureKeepsPreviousSession(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{MemoryKV: NewMemoryKV()}
	s := newTestStore(t, kv)
	_ = s.Save(ctx, Session{Token: "t", UserID: 1, Role: RolePatient})

	kv.failSet = true
	if err := s.Save(ctx, Session{Token: "t2", UserID: 2, Role: RoleDoctor}); err == nil {
		t.Fatal("expected persistence error")
	}
	if s.Snapshot().UserID != 1 {
		t.Error("failed save replaced the in-memory session")
	}
}

func TestStore_ClearAlwaysDropsMemorySession(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{MemoryKV: NewMemoryKV()}
	s := newTestStore(t, kv)
	_ = s.Save(ctx, Session{Token: "t", UserID: 1, Role: RolePatient})

	kv.failDelete = true
	if err := s.Clear(ctx); err == nil {
		t.Error("expected persistence error from Clear")
	}
	if s.Snapshot() != nil {
		t.Error("expected in-memory session to be cleared")
	}
}

func TestStore_IgnoresCorruptPersistedRecord(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	_ = kv.Set(ctx, UserKey, "{not json")
	_ = kv.Set(ctx, TokenKey, "t")

	s := newTestStore(t, kv)
	if s.Snapshot() != nil {
		t.Error("expected corrupt record to be ignored")
	}
}

func TestStore_CorruptFileDoesNotBlockStart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(ctx, NewFileKV(path), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if s.Snapshot() != nil {
		t.Error("expected no session from an unreadable file")
	}

	if err := s.Save(ctx, Session{Token: "tok", UserID: 9, Role: RolePatient, Email: "p@example.com"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	restored, err := NewStore(ctx, NewFileKV(path), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore after Save: %v", err)
	}
	if snap := restored.Snapshot(); snap == nil || snap.UserID != 9 || snap.Token != "tok" {
		t.Errorf("restored = %+v", snap)
	}
}

func TestStore_ClearRepairsCorruptFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := newTestStore(t, NewFileKV(path))
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, _, err := NewFileKV(path).Get(ctx, UserKey); err != nil {
		t.Errorf("file still unreadable after Clear: %v", err)
	}
}

func TestStore_ConcurrentUpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryKV())
	if err := s.Save(ctx, Session{Token: "tok", UserID: 1, Role: RolePatient}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Update(ctx, func(sess *Session) { sess.DisplayName += "x" }); err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := s.Snapshot().DisplayName; got != strings.Repeat("x", n) {
		t.Errorf("DisplayName has %d updates, want %d", len(got), n)
	}
}

func TestStore_UpdateAfterClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryKV())
	if err := s.Save(ctx, Session{Token: "tok", UserID: 1, Role: RolePatient}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := s.Update(ctx, func(sess *Session) { sess.DisplayName = "late" }); !errors.Is(err, ErrNoSession) {
		t.Errorf("Update after Clear = %v, want ErrNoSession", err)
	}
	if s.Snapshot() != nil {
		t.Error("Update must not resurrect a cleared session")
	}
}
