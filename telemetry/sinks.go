package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/portlink-go/storage"
)

// LogSink writes flushes at info and alerts at warning. Alerts are never
// logged as critical; escalation is the consumer's decision.
type LogSink struct {
	Logger *slog.Logger
}

var _ Sink = LogSink{}

func (s LogSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s LogSink) Flush(ctx context.Context, buckets []Bucket) error {
	for _, b := range buckets {
		s.logger().InfoContext(ctx, "telemetry.flush",
			slog.String("category", b.Category),
			slog.String("event", b.Event),
			slog.Int64("count", b.Count),
			slog.Float64("avg", b.Avg()),
			slog.Float64("min", b.Min),
			slog.Float64("max", b.Max),
		)
	}
	return nil
}

func (s LogSink) Alert(ctx context.Context, a Alert) error {
	s.logger().WarnContext(ctx, "telemetry.alert",
		slog.String("category", a.Category),
		slog.String("event", a.Event),
		slog.String("reason", a.Reason),
		slog.Float64("value", a.Value),
		slog.Float64("threshold", a.Threshold),
	)
	return nil
}

// StorageSink persists rolled-up totals per bucket key and the most recent
// alerts to the durable key-value store.
type StorageSink struct {
	KV storage.Store

	// MaxAlerts bounds the persisted alert history. Zero keeps 50.
	MaxAlerts int
}

var _ Sink = (*StorageSink)(nil)

const (
	storagePrefix = "telemetry:"
	alertsKey     = "telemetry:alerts"
)

// StorageKey is where the totals for a category and event live.
func StorageKey(category, event string) string {
	return storagePrefix + category + ":" + event
}

func (s *StorageSink) Flush(ctx context.Context, buckets []Bucket) error {
	if len(buckets) == 0 {
		return nil
	}
	keys := make([]string, len(buckets))
	for i, b := range buckets {
		keys[i] = StorageKey(b.Category, b.Event)
	}
	existing, err := s.KV.Get(ctx, keys...)
	if err != nil {
		return fmt.Errorf("load telemetry totals: %w", err)
	}
	items := make(map[string][]byte, len(buckets))
	for i, b := range buckets {
		var total Bucket
		if raw, ok := existing[keys[i]]; ok {
			if err := json.Unmarshal(raw, &total); err != nil {
				total = Bucket{}
			}
		}
		total.Category, total.Event = b.Category, b.Event
		total.merge(b, 0)
		raw, err := json.Marshal(total)
		if err != nil {
			return fmt.Errorf("encode telemetry totals: %w", err)
		}
		items[keys[i]] = raw
	}
	if err := s.KV.Set(ctx, items); err != nil {
		return fmt.Errorf("persist telemetry totals: %w", err)
	}
	return nil
}

func (s *StorageSink) Alert(ctx context.Context, a Alert) error {
	limit := s.MaxAlerts
	if limit <= 0 {
		limit = 50
	}
	var history []Alert
	if _, err := storage.GetJSON(ctx, s.KV, alertsKey, &history); err != nil {
		history = nil
	}
	history = append(history, a)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return storage.SetJSON(ctx, s.KV, alertsKey, history)
}

// Totals reads the persisted totals for a category and event.
func (s *StorageSink) Totals(ctx context.Context, category, event string) (Bucket, bool, error) {
	var b Bucket
	ok, err := storage.GetJSON(ctx, s.KV, StorageKey(category, event), &b)
	return b, ok, err
}

// Alerts reads the persisted alert history, oldest first.
func (s *StorageSink) Alerts(ctx context.Context) ([]Alert, error) {
	var history []Alert
	_, err := storage.GetJSON(ctx, s.KV, alertsKey, &history)
	return history, err
}

// MultiSink fans out to every sink and joins their errors. An Aggregator
// retries each member on its own, so a healthy member never sees a batch
// twice.
type MultiSink []Sink

var _ Sink = MultiSink(nil)

func (m MultiSink) Flush(ctx context.Context, buckets []Bucket) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Flush(ctx, buckets))
	}
	return errors.Join(errs...)
}

func (m MultiSink) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Alert(ctx, a))
	}
	return errors.Join(errs...)
}
