// Package config holds the layer's runtime tunables. Values are validated
// against a per-key schema, persisted to the durable key-value store on every
// successful update and pushed to subscribers so components pick them up
// without a restart.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/portlink-go/internal/notify"
	"github.com/ggoodman/portlink-go/storage"
)

// KeyPrefix namespaces persisted entries in the key-value store.
const KeyPrefix = "config:"

// Entry is a key with its effective value and schema.
type Entry struct {
	Key    string `json:"key"`
	Value  any    `json:"value"`
	Schema Schema `json:"-"`

	// Overridden is false while the compiled default is in effect.
	Overridden bool `json:"overridden"`
}

// Change is published to subscribers after a value is accepted.
type Change struct {
	Key   string
	Value any
}

// AlertFunc receives resource degradations such as failed persistence.
type AlertFunc func(ctx context.Context, event string, err error)

type entry struct {
	schema Schema
	value  any
	set    bool
	dirty  bool
}

// Store is the dynamic config store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	kv       storage.Store
	log      *slog.Logger
	alert    AlertFunc
	notifier *notify.Notifier[Change]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithAlert installs the hook called when persistence degrades.
func WithAlert(fn AlertFunc) Option {
	return func(s *Store) { s.alert = fn }
}

// WithSchema registers an additional key, or replaces a compiled-in one.
func WithSchema(key string, schema Schema) Option {
	return func(s *Store) { s.entries[key] = &entry{schema: schema} }
}

// New returns a store seeded with Defaults. kv may be nil for a memory-only
// store.
func New(kv storage.Store, opts ...Option) *Store {
	s := &Store{
		entries:  make(map[string]*entry),
		kv:       kv,
		log:      slog.Default(),
		notifier: notify.New[Change](16),
	}
	for k, sc := range Defaults() {
		s.entries[k] = &entry{schema: sc}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (e *entry) effective() any {
	if e.set {
		return e.value
	}
	return e.schema.Default
}

// Get returns the validated value for key or its compiled default. Unknown
// keys yield nil.
func (s *Store) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	return e.effective()
}

// Duration returns a duration tunable, or 0 if key is not a duration.
func (s *Store) Duration(key string) time.Duration {
	d, _ := s.Get(key).(time.Duration)
	return d
}

// Int returns an integer tunable, or 0.
func (s *Store) Int(key string) int {
	switch v := s.Get(key).(type) {
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Float returns a float tunable, or 0.
func (s *Store) Float(key string) float64 {
	f, _ := s.Get(key).(float64)
	return f
}

// Bool returns a boolean tunable.
func (s *Store) Bool(key string) bool {
	b, _ := s.Get(key).(bool)
	return b
}

// String returns a string tunable.
func (s *Store) String(key string) string {
	str, _ := s.Get(key).(string)
	return str
}

// Entries lists every key sorted by name.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for k, e := range s.entries {
		out = append(out, Entry{Key: k, Value: e.effective(), Schema: e.schema, Overridden: e.set})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Subscribe returns a channel of accepted changes. Slow subscribers miss
// changes rather than block writers; re-read with Get when in doubt.
func (s *Store) Subscribe() (<-chan Change, func()) {
	return s.notifier.Subscribe()
}

// Set validates value against the key's schema and, on success, swaps it in,
// persists it and notifies subscribers. A persistence failure does not fail
// Set: the value stays in memory and is written on the next opportunity.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	if err := s.apply(key, value); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "config.set.ok", slog.String("key", key))
	if err := s.Flush(ctx); err != nil {
		s.degrade(ctx, err)
	}
	return nil
}

// apply validates and swaps a value in memory, marks it dirty and notifies.
func (s *Store) apply(key string, value any) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return &SchemaViolation{Key: key, Reason: "unknown key"}
	}
	nv, err := e.schema.validate(key, value)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	e.value = nv
	e.set = true
	e.dirty = true
	s.mu.Unlock()

	s.notifier.Notify(Change{Key: key, Value: nv})
	return nil
}

// Flush writes every value not yet persisted.
func (s *Store) Flush(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	s.mu.RLock()
	items := make(map[string][]byte)
	for k, e := range s.entries {
		if !e.dirty {
			continue
		}
		raw, err := encode(e.value)
		if err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("encode %s: %w", k, err)
		}
		items[KeyPrefix+k] = raw
	}
	s.mu.RUnlock()
	if len(items) == 0 {
		return nil
	}
	if err := s.kv.Set(ctx, items); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}

	s.mu.Lock()
	for k := range items {
		key := k[len(KeyPrefix):]
		if e, ok := s.entries[key]; ok {
			// A concurrent Set may have replaced the value we wrote.
			if raw, err := encode(e.value); err == nil && string(raw) == string(items[k]) {
				e.dirty = false
			}
		}
	}
	s.mu.Unlock()
	return nil
}

// Dirty reports how many values are waiting to be persisted.
func (s *Store) Dirty() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.dirty {
			n++
		}
	}
	return n
}

func (s *Store) degrade(ctx context.Context, err error) {
	s.log.WarnContext(ctx, "config.persist.degraded", slog.String("err", err.Error()), slog.Bool("quota", errors.Is(err, storage.ErrQuotaExceeded)))
	if s.alert != nil {
		s.alert(ctx, "config.persist.failed", err)
	}
}

// Load reads persisted values. Absent or invalid entries keep their compiled
// defaults. A storage failure leaves every key at its default and is
// returned.
func (s *Store) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, KeyPrefix+k)
	}
	s.mu.RUnlock()

	vals, err := s.kv.Get(ctx, keys...)
	if err != nil {
		s.degrade(ctx, err)
		return fmt.Errorf("load config: %w", err)
	}
	loaded := 0
	for k, raw := range vals {
		key := k[len(KeyPrefix):]
		if s.load(ctx, key, raw) {
			loaded++
		}
	}
	s.log.InfoContext(ctx, "config.load.ok", slog.Int("loaded", loaded), slog.Int("keys", len(keys)))
	return nil
}

// load accepts one persisted value without marking it dirty.
func (s *Store) load(ctx context.Context, key string, raw []byte) bool {
	v, err := decode(raw)
	if err != nil {
		s.log.WarnContext(ctx, "config.load.invalid", slog.String("key", key), slog.String("err", err.Error()))
		return false
	}
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	nv, err := e.schema.validate(key, v)
	if err != nil {
		s.mu.Unlock()
		s.log.WarnContext(ctx, "config.load.invalid", slog.String("key", key), slog.String("err", err.Error()))
		return false
	}
	e.value = nv
	e.set = true
	s.mu.Unlock()
	s.notifier.Notify(Change{Key: key, Value: nv})
	return true
}

// Export returns the explicitly set values in persisted form.
func (s *Store) Export() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for k, e := range s.entries {
		if !e.set {
			continue
		}
		if raw, err := encode(e.value); err == nil {
			out[k] = raw
		}
	}
	return out
}

// Seed applies exported values, skipping invalid ones. Seeded values are
// marked dirty so the next Flush persists them.
func (s *Store) Seed(ctx context.Context, values map[string]json.RawMessage) int {
	n := 0
	for k, raw := range values {
		v, err := decode(raw)
		if err == nil {
			err = s.apply(k, v)
		}
		if err != nil {
			s.log.WarnContext(ctx, "config.seed.skip", slog.String("key", k), slog.String("err", err.Error()))
			continue
		}
		n++
	}
	return n
}

// Close ends all subscriptions.
func (s *Store) Close() {
	s.notifier.Close()
}
