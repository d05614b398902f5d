package token

import (
	"testing"
	"time"
)

func TestNewSessionHasUniqueID(t *testing.T) {
	store := NewSessionStore(time.Hour)
	defer store.Close()

	a, err := store.NewSession("state-a", "verifier-a")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	b, err := store.NewSession("state-b", "verifier-b")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("expected distinct session ids")
	}
	if len(a.ID) < 20 {
		t.Fatalf("session id looks too short for 128 bits of entropy: %q", a.ID)
	}
}

func TestSessionGetRoundTrip(t *testing.T) {
	store := NewSessionStore(time.Hour)
	defer store.Close()

	sess, err := store.NewSession("state-1", "verifier-1")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	got, ok := store.Get(sess.ID)
	if !ok {
		t.Fatal("expected session to be found")
	}
	if got.OAuthState != "state-1" || got.PKCEVerifier != "verifier-1" {
		t.Fatalf("session mismatch: %+v", got)
	}
}

func TestSessionGetMissingReturnsFalse(t *testing.T) {
	store := NewSessionStore(time.Hour)
	defer store.Close()

	_, ok := store.Get("does-not-exist")
	if ok {
		t.Fatal("expected missing session lookup to fail")
	}
}

func TestSessionExpiresOnInactivity(t *testing.T) {
	store := NewSessionStore(20 * time.Millisecond)
	defer store.Close()

	sess, err := store.NewSession("state", "verifier")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, ok := store.Get(sess.ID); ok {
		t.Fatal("expected session to have expired on inactivity")
	}
}

func TestSessionAccessRefreshesTTL(t *testing.T) {
	store := NewSessionStore(60 * time.Millisecond)
	defer store.Close()

	sess, err := store.NewSession("state", "verifier")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := store.Get(sess.ID); !ok {
		t.Fatal("expected session still alive before TTL elapses")
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := store.Get(sess.ID); !ok {
		t.Fatal("expected access to have refreshed last_accessed_at, keeping session alive")
	}
}

func TestSessionSetBearerCopy(t *testing.T) {
	store := NewSessionStore(time.Hour)
	defer store.Close()

	sess, err := store.NewSession("state", "verifier")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if ok := store.SetBearerCopy(sess.ID, "bearer-xyz"); !ok {
		t.Fatal("expected SetBearerCopy to find the session")
	}

	got, _ := store.Get(sess.ID)
	if got.BearerCopy != "bearer-xyz" {
		t.Fatalf("bearer copy = %q, want bearer-xyz", got.BearerCopy)
	}
}

func TestSessionDelete(t *testing.T) {
	store := NewSessionStore(time.Hour)
	defer store.Close()

	sess, err := store.NewSession("state", "verifier")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	store.Delete(sess.ID)
	if _, ok := store.Get(sess.ID); ok {
		t.Fatal("expected session to be gone after Delete")
	}
}

func TestSessionLenTracksLiveSessions(t *testing.T) {
	store := NewSessionStore(time.Hour)
	defer store.Close()

	if store.Len() != 0 {
		t.Fatalf("Len = %d, want 0", store.Len())
	}
	if _, err := store.NewSession("s1", "v1"); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := store.NewSession("s2", "v2"); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("Len = %d, want 2", store.Len())
	}
}
