package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/portlink-go/storage"
	"github.com/ggoodman/portlink-go/storage/storagetest"
)

func TestStoreConformance(t *testing.T) {
	storagetest.RunStoreTests(t, func(t *testing.T) storage.Store {
		s, err := New(1000)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Set(ctx, map[string][]byte{"a": []byte("1")})
	_ = s.Set(ctx, map[string][]byte{"b": []byte("2")})
	_, _ = s.Get(ctx, "a")
	_ = s.Set(ctx, map[string][]byte{"c": []byte("3")})

	got, _ := s.Get(ctx, "a", "b", "c")
	if _, ok := got["b"]; ok {
		t.Fatalf("b should have been evicted: %q", got)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 keys, got %q", got)
	}
}

func TestQuotaExceeded(t *testing.T) {
	s, err := New(100, WithMaxBytes(8))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, map[string][]byte{"a": []byte("12345")}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	err = s.Set(ctx, map[string][]byte{"b": []byte("67890")})
	if !errors.Is(err, storage.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	// Overwriting within quota is allowed.
	if err := s.Set(ctx, map[string][]byte{"a": []byte("1234567")}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	// Space is released on removal.
	_ = s.Remove(ctx, "a")
	if err := s.Set(ctx, map[string][]byte{"b": []byte("67890")}); err != nil {
		t.Fatalf("Set after remove: %v", err)
	}
}

func TestClosedStore(t *testing.T) {
	s, _ := New(10)
	_ = s.Close()
	if _, err := s.Get(context.Background(), "x"); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPinnedKeysSurviveEviction(t *testing.T) {
	s, err := New(2, WithPinned("config:"), WithMaxBytes(64))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, map[string][]byte{"config:limits": []byte("keep")}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	for _, k := range []string{"telemetry:a", "telemetry:b", "telemetry:c"} {
		if err := s.Set(ctx, map[string][]byte{k: []byte("x")}); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	got, _ := s.Get(ctx, "config:limits", "telemetry:a")
	if string(got["config:limits"]) != "keep" {
		t.Fatalf("pinned key evicted: %q", got)
	}
	if _, ok := got["telemetry:a"]; ok {
		t.Fatalf("telemetry:a should have been evicted: %q", got)
	}
	keys := s.Keys()
	if len(keys) != 3 || keys[2] != "config:limits" {
		t.Fatalf("Keys() = %q", keys)
	}

	// Pinned values still count against the byte quota.
	err = s.Set(ctx, map[string][]byte{"config:big": make([]byte, 64)})
	if !errors.Is(err, storage.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	_ = s.Remove(ctx, "config:limits")
	if got, _ := s.Get(ctx, "config:limits"); len(got) != 0 {
		t.Fatalf("Remove left %q", got)
	}
}
