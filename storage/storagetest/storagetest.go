// Package storagetest is a conformance suite for storage.Store
// implementations.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/portlink-go/storage"
)

// StoreFactory creates a new, empty Store for testing.
type StoreFactory func(t *testing.T) storage.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("GetMissingKeysOmitted", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, factory) })
	t.Run("RemoveAbsentIsNoop", func(t *testing.T) { testRemoveAbsent(t, factory) })
	t.Run("JSONHelpers", func(t *testing.T) { testJSONHelpers(t, factory) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, factory) })
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func testSetAndGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	c := ctx(t)
	if err := s.Set(c, map[string][]byte{"a": []byte("1"), "b": []byte("2")}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(c, "a", "b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got["a"]) != "1" || string(got["b"]) != "2" {
		t.Fatalf("unexpected values: %q", got)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	c := ctx(t)
	if err := s.Set(c, map[string][]byte{"present": []byte("x")}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(c, "present", "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := got["absent"]; ok {
		t.Fatalf("absent key should be omitted: %q", got)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 value, got %d", len(got))
	}
}

func testOverwrite(t *testing.T, factory StoreFactory) {
	s := factory(t)
	c := ctx(t)
	_ = s.Set(c, map[string][]byte{"k": []byte("old")})
	if err := s.Set(c, map[string][]byte{"k": []byte("new")}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, _ := s.Get(c, "k")
	if string(got["k"]) != "new" {
		t.Fatalf("expected overwrite, got %q", got["k"])
	}
}

func testRemove(t *testing.T, factory StoreFactory) {
	s := factory(t)
	c := ctx(t)
	_ = s.Set(c, map[string][]byte{"x": []byte("1"), "y": []byte("2")})
	if err := s.Remove(c, "x"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, _ := s.Get(c, "x", "y")
	if _, ok := got["x"]; ok {
		t.Fatalf("x should be removed")
	}
	if string(got["y"]) != "2" {
		t.Fatalf("y should survive, got %q", got["y"])
	}
}

func testRemoveAbsent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if err := s.Remove(ctx(t), "never-set"); err != nil {
		t.Fatalf("Remove absent: %v", err)
	}
}

func testJSONHelpers(t *testing.T, factory StoreFactory) {
	s := factory(t)
	c := ctx(t)
	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := storage.SetJSON(c, s, "doc", doc{Name: "n", Count: 3}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var d doc
	ok, err := storage.GetJSON(c, s, "doc", &d)
	if err != nil || !ok {
		t.Fatalf("GetJSON: ok=%v err=%v", ok, err)
	}
	if d.Name != "n" || d.Count != 3 {
		t.Fatalf("unexpected doc %+v", d)
	}
	ok, err = storage.GetJSON(c, s, "missing", &d)
	if err != nil || ok {
		t.Fatalf("GetJSON missing: ok=%v err=%v", ok, err)
	}
}

func testConcurrentWriters(t *testing.T, factory StoreFactory) {
	s := factory(t)
	c := ctx(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("w%d", i)
			if err := s.Set(c, map[string][]byte{key: []byte(key)}); err != nil {
				t.Errorf("Set %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < 16; i++ {
		key := fmt.Sprintf("w%d", i)
		got, err := s.Get(c, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got[key]) != key {
			t.Fatalf("missing %s", key)
		}
	}
}
