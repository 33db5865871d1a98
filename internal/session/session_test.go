package session

import (
	"testing"
	"time"
)

func TestExpired(t *testing.T) {
	now := time.Now()
	s := Session{Expires: now.Add(time.Minute)}
	if s.Expired(now) {
		t.Error("session with future expiry should not be expired")
	}
	s.Expires = now.Add(-time.Minute)
	if !s.Expired(now) {
		t.Error("session with past expiry should be expired")
	}
}

func TestCapability(t *testing.T) {
	s := Session{Capabilities: map[string]string{"Search": "/search"}}
	url, ok := s.Capability("Search")
	if !ok || url != "/search" {
		t.Errorf("Capability(Search) = %q, %v", url, ok)
	}
	if _, ok := s.Capability("Missing"); ok {
		t.Error("expected Missing capability to be absent")
	}
}

func TestCacheStoreLoadClearRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir)

	if _, ok, err := c.Load(time.Now()); err != nil || ok {
		t.Fatalf("Load on empty cache: ok=%v err=%v", ok, err)
	}

	s := Session{Cookie: "abc", Expires: time.Now().Add(time.Hour), Capabilities: map[string]string{"Login": "/login"}}
	if err := c.Store(s); err != nil {
		t.Fatalf("Store: %v", err)
	}

	loaded, ok, err := c.Load(time.Now())
	if err != nil || !ok {
		t.Fatalf("Load after Store: ok=%v err=%v", ok, err)
	}
	if loaded.Cookie != "abc" {
		t.Errorf("Cookie = %q, want abc", loaded.Cookie)
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, err := c.Load(time.Now()); err != nil || ok {
		t.Fatalf("Load after Clear: ok=%v err=%v", ok, err)
	}
}

func TestCacheLoadExpiredSessionIsAbsent(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir)
	if err := c.Store(Session{Cookie: "abc", Expires: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, ok, err := c.Load(time.Now()); err != nil || ok {
		t.Fatalf("Load of expired session: ok=%v err=%v", ok, err)
	}
}
