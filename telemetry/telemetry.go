// Package telemetry rolls up measurements from every component into
// per-(category, event) buckets and hands them to a Sink when a bucket fills
// up or a timer elapses, whichever comes first.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/portlink-go/config"
)

// Bucket accumulates measurements for one category and event.
type Bucket struct {
	Category string    `json:"category"`
	Event    string    `json:"event"`
	Count    int64     `json:"count"`
	Sum      float64   `json:"sum"`
	Min      float64   `json:"min"`
	Max      float64   `json:"max"`
	Samples  []float64 `json:"samples,omitempty"`

	alerted bool
}

// Avg is Sum / Count, or 0 for an empty bucket.
func (b Bucket) Avg() float64 {
	if b.Count == 0 {
		return 0
	}
	return b.Sum / float64(b.Count)
}

func (b *Bucket) add(v float64, sampleSize int, rnd func(int64) int64) {
	if b.Count == 0 || v < b.Min {
		b.Min = v
	}
	if b.Count == 0 || v > b.Max {
		b.Max = v
	}
	b.Count++
	b.Sum += v
	if sampleSize <= 0 {
		return
	}
	if len(b.Samples) < sampleSize {
		b.Samples = append(b.Samples, v)
		return
	}
	// Reservoir sampling: keep v with probability sampleSize/Count.
	if j := rnd(b.Count); j < int64(sampleSize) {
		b.Samples[j] = v
	}
}

// merge folds o into b. Samples are concatenated and trimmed.
func (b *Bucket) merge(o Bucket, sampleSize int) {
	if o.Count == 0 {
		return
	}
	if b.Count == 0 || o.Min < b.Min {
		b.Min = o.Min
	}
	if b.Count == 0 || o.Max > b.Max {
		b.Max = o.Max
	}
	b.Count += o.Count
	b.Sum += o.Sum
	b.Samples = append(b.Samples, o.Samples...)
	if sampleSize >= 0 && len(b.Samples) > sampleSize {
		b.Samples = b.Samples[len(b.Samples)-sampleSize:]
	}
}

func (b Bucket) clone() Bucket {
	c := b
	c.Samples = append([]float64(nil), b.Samples...)
	return c
}

// Alert reports a threshold breach or an escalated resource error.
type Alert struct {
	Category  string    `json:"category"`
	Event     string    `json:"event"`
	Reason    string    `json:"reason"`
	Value     float64   `json:"value,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives flushed buckets and alerts.
type Sink interface {
	Flush(ctx context.Context, buckets []Bucket) error
	Alert(ctx context.Context, a Alert) error
}

// Tunables is the read side of the config store the aggregator needs.
type Tunables interface {
	Int(key string) int
	Float(key string) float64
	Duration(key string) time.Duration
}

var _ Tunables = (*config.Store)(nil)

type bucketKey struct{ category, event string }

// Aggregator owns the buckets.
type Aggregator struct {
	mu      sync.Mutex
	buckets map[bucketKey]*Bucket

	sink Sink
	cfg  Tunables
	log  *slog.Logger
	now  func() time.Time
	rnd  func(int64) int64

	// sinks are the flush targets; a MultiSink is flattened so each member
	// keeps its own backlog of buckets it has not accepted yet.
	sinks   []Sink
	backlog []map[bucketKey]Bucket
	failing []bool
	emitMu  sync.Mutex

	flushErrs int64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New returns an aggregator that flushes to sink with thresholds from cfg.
func New(sink Sink, cfg Tunables, opts ...Option) *Aggregator {
	a := &Aggregator{
		buckets: make(map[bucketKey]*Bucket),
		sink:    sink,
		cfg:     cfg,
		log:     slog.Default(),
		now:     time.Now,
		rnd:     rand.Int64N,
	}
	for _, opt := range opts {
		opt(a)
	}
	switch s := sink.(type) {
	case nil:
	case MultiSink:
		a.sinks = s
	default:
		a.sinks = []Sink{s}
	}
	a.backlog = make([]map[bucketKey]Bucket, len(a.sinks))
	a.failing = make([]bool, len(a.sinks))
	return a
}

// Record adds one measurement. Durations are conventionally milliseconds.
func (a *Aggregator) Record(category, event string, value float64) {
	flushSize := a.cfg.Int(config.KeyTelemetryFlushSize)
	sampleSize := a.cfg.Int(config.KeyTelemetrySampleSize)
	ceiling := a.cfg.Float(config.KeyTelemetryAlertAvgMs)

	k := bucketKey{category, event}
	a.mu.Lock()
	b, ok := a.buckets[k]
	if !ok {
		b = &Bucket{Category: category, Event: event}
		a.buckets[k] = b
	}
	b.add(value, sampleSize, a.rnd)

	var alert *Alert
	if ceiling > 0 && !b.alerted && b.Avg() > ceiling {
		b.alerted = true
		alert = &Alert{Category: category, Event: event, Reason: "average above ceiling", Value: b.Avg(), Threshold: ceiling, At: a.now()}
	}
	var full *Bucket
	if flushSize > 0 && b.Count >= int64(flushSize) {
		delete(a.buckets, k)
		full = b
	}
	a.mu.Unlock()

	ctx := context.Background()
	if alert != nil {
		a.emitAlert(ctx, *alert)
	}
	if full != nil {
		a.emit(ctx, []Bucket{*full})
	}
}

// RecordDuration records d in milliseconds.
func (a *Aggregator) RecordDuration(category, event string, d time.Duration) {
	a.Record(category, event, float64(d)/float64(time.Millisecond))
}

// Escalate raises an alert for an error a component chose not to fail on.
// Its signature matches config.AlertFunc.
func (a *Aggregator) Escalate(ctx context.Context, event string, err error) {
	reason := "escalated"
	if err != nil {
		reason = err.Error()
	}
	a.Record("errors", event, 1)
	a.emitAlert(ctx, Alert{Category: "errors", Event: event, Reason: reason, At: a.now()})
}

func (a *Aggregator) emitAlert(ctx context.Context, al Alert) {
	if a.sink == nil {
		return
	}
	if err := a.sink.Alert(ctx, al); err != nil {
		a.log.WarnContext(ctx, "telemetry.alert.failed", slog.String("event", al.Event), slog.String("err", err.Error()))
	}
}

// emit hands buckets to every sink together with whatever that sink failed
// to accept earlier. A sink that fails keeps the combined batch for the next
// emit; the first failure of a streak raises an alert.
func (a *Aggregator) emit(ctx context.Context, buckets []Bucket) error {
	if len(a.sinks) == 0 {
		return nil
	}
	sampleSize := a.cfg.Int(config.KeyTelemetrySampleSize)

	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	var errs []error
	for i, s := range a.sinks {
		a.mu.Lock()
		batch := withBacklog(a.backlog[i], buckets, sampleSize)
		a.mu.Unlock()
		if len(batch) == 0 {
			continue
		}
		err := s.Flush(ctx, batch)

		a.mu.Lock()
		first := err != nil && !a.failing[i]
		a.failing[i] = err != nil
		if err != nil {
			a.flushErrs++
			kept := make(map[bucketKey]Bucket, len(batch))
			for _, b := range batch {
				kept[bucketKey{b.Category, b.Event}] = b
			}
			a.backlog[i] = kept
		} else {
			a.backlog[i] = nil
		}
		a.mu.Unlock()

		if err == nil {
			continue
		}
		errs = append(errs, err)
		a.log.WarnContext(ctx, "telemetry.flush.failed", slog.Int("buckets", len(batch)), slog.String("err", err.Error()))
		if first {
			a.emitAlert(ctx, Alert{Category: "telemetry", Event: "flush_failed", Reason: err.Error(), Value: float64(len(batch)), At: a.now()})
		}
	}
	return errors.Join(errs...)
}

func withBacklog(backlog map[bucketKey]Bucket, buckets []Bucket, sampleSize int) []Bucket {
	if len(backlog) == 0 {
		return buckets
	}
	merged := make(map[bucketKey]Bucket, len(backlog)+len(buckets))
	for k, b := range backlog {
		merged[k] = b.clone()
	}
	for _, b := range buckets {
		k := bucketKey{b.Category, b.Event}
		m, ok := merged[k]
		if !ok {
			m = Bucket{Category: b.Category, Event: b.Event}
		}
		m.merge(b.clone(), sampleSize)
		merged[k] = m
	}
	out := make([]Bucket, 0, len(merged))
	for _, b := range merged {
		out = append(out, b)
	}
	sortBuckets(out)
	return out
}

// Flush emits and clears every bucket. Buckets a sink rejects stay queued
// for that sink and are retried on the next flush.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	out := make([]Bucket, 0, len(a.buckets))
	for k, b := range a.buckets {
		out = append(out, *b)
		delete(a.buckets, k)
	}
	a.mu.Unlock()
	sortBuckets(out)
	return a.emit(ctx, out)
}

// Export copies the buckets not yet accepted by every sink, without clearing
// them. Per key it takes the largest sink backlog plus the current bucket.
func (a *Aggregator) Export() []Bucket {
	sampleSize := a.cfg.Int(config.KeyTelemetrySampleSize)
	a.mu.Lock()
	defer a.mu.Unlock()
	merged := make(map[bucketKey]Bucket, len(a.buckets))
	for _, bl := range a.backlog {
		for k, b := range bl {
			if cur, ok := merged[k]; !ok || b.Count > cur.Count {
				merged[k] = b.clone()
			}
		}
	}
	for k, b := range a.buckets {
		m, ok := merged[k]
		if !ok {
			merged[k] = b.clone()
			continue
		}
		m.merge(b.clone(), sampleSize)
		merged[k] = m
	}
	out := make([]Bucket, 0, len(merged))
	for _, b := range merged {
		out = append(out, b)
	}
	sortBuckets(out)
	return out
}

// Seed merges buckets into the aggregator, as after a restart.
func (a *Aggregator) Seed(buckets []Bucket) {
	sampleSize := a.cfg.Int(config.KeyTelemetrySampleSize)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, in := range buckets {
		k := bucketKey{in.Category, in.Event}
		b, ok := a.buckets[k]
		if !ok {
			b = &Bucket{Category: in.Category, Event: in.Event}
			a.buckets[k] = b
		}
		b.merge(in.clone(), sampleSize)
	}
}

// FlushErrors counts sink flushes that failed, per sink.
func (a *Aggregator) FlushErrors() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushErrs
}

// Run flushes on the configured interval until ctx ends, then flushes once
// more with a detached context.
func (a *Aggregator) Run(ctx context.Context) error {
	for {
		interval := a.cfg.Duration(config.KeyTelemetryFlushInterval)
		if interval <= 0 {
			interval = 30 * time.Second
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			if err := a.Flush(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case <-t.C:
			_ = a.Flush(ctx)
		}
	}
}

func sortBuckets(bs []Bucket) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Category != bs[j].Category {
			return bs[i].Category < bs[j].Category
		}
		return bs[i].Event < bs[j].Event
	})
}
