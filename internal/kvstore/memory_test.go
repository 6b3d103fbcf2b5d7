package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/heliosfn/helios/internal/fault"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	if _, err := s.Get(ctx, "p1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := s.Set(ctx, "p1", "greeting", []byte("hello"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, err := s.Get(ctx, "p1", "greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != "hello" {
		t.Fatalf("got %q", val)
	}

	// projects are isolated
	if _, err := s.Get(ctx, "p2", "greeting"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected isolation between projects, got %v", err)
	}

	if err := s.Delete(ctx, "p1", "greeting"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "p1", "greeting"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestMemoryStoreQuota(t *testing.T) {
	s := NewMemoryStore(func(string) int64 { return 10 })
	ctx := context.Background()

	if err := s.Set(ctx, "p1", "a", []byte("12345"), 0); err != nil {
		t.Fatalf("Set within quota: %v", err)
	}
	err := s.Set(ctx, "p1", "b", []byte("1234567"), 0)
	if err == nil || fault.KindOf(err) != fault.KindForbidden {
		t.Fatalf("expected quota rejection, got %v", err)
	}

	// overwriting shrinks usage and frees room
	if err := s.Set(ctx, "p1", "a", []byte("1"), 0); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if err := s.Set(ctx, "p1", "b", []byte("1234567"), 0); err != nil {
		t.Fatalf("Set after shrink: %v", err)
	}

	used, _ := s.Usage(ctx, "p1")
	if used != 8 {
		t.Fatalf("expected 8 bytes used, got %d", used)
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	if err := s.Set(ctx, "p1", "ephemeral", []byte("x"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := s.Get(ctx, "p1", "ephemeral"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
	used, _ := s.Usage(ctx, "p1")
	if used != 0 {
		t.Fatalf("expired entry still counted: %d", used)
	}
}
