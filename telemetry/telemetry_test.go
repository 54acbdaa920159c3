package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/storage"
	"github.com/ggoodman/portlink-go/storage/memory"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	flushes [][]Bucket
	alerts  []Alert
	fail    error
}

func (c *captureSink) Flush(_ context.Context, bs []Bucket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.flushes = append(c.flushes, bs)
	return nil
}

func (c *captureSink) Alert(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *captureSink) setFail(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

func (c *captureSink) snapshot() ([][]Bucket, []Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]Bucket(nil), c.flushes...), append([]Alert(nil), c.alerts...)
}

func newConfig(t *testing.T, kv ...any) *config.Store {
	t.Helper()
	s := config.New(nil)
	for i := 0; i+1 < len(kv); i += 2 {
		require.NoError(t, s.Set(context.Background(), kv[i].(string), kv[i+1]))
	}
	return s
}

func TestBucketStats(t *testing.T) {
	sink := &captureSink{}
	a := New(sink, newConfig(t))
	for _, v := range []float64{4, 2, 9, 5} {
		a.Record("rpc", "call", v)
	}
	bs := a.Export()
	require.Len(t, bs, 1)
	b := bs[0]
	require.Equal(t, int64(4), b.Count)
	require.Equal(t, float64(20), b.Sum)
	require.Equal(t, float64(2), b.Min)
	require.Equal(t, float64(9), b.Max)
	require.Equal(t, float64(5), b.Avg())
	require.Len(t, b.Samples, 4)
}

func TestReservoirIsBounded(t *testing.T) {
	a := New(&captureSink{}, newConfig(t, config.KeyTelemetrySampleSize, 5, config.KeyTelemetryFlushSize, 10000))
	for i := 0; i < 1000; i++ {
		a.Record("sync", "delta", float64(i))
	}
	b := a.Export()[0]
	require.Equal(t, int64(1000), b.Count)
	require.Len(t, b.Samples, 5)
	for _, s := range b.Samples {
		require.GreaterOrEqual(t, s, float64(0))
		require.Less(t, s, float64(1000))
	}
}

func TestSizeTriggeredFlush(t *testing.T) {
	sink := &captureSink{}
	a := New(sink, newConfig(t, config.KeyTelemetryFlushSize, 3))
	a.Record("rpc", "call", 1)
	a.Record("rpc", "call", 2)
	flushes, _ := sink.snapshot()
	require.Empty(t, flushes)

	a.Record("rpc", "call", 3)
	flushes, _ = sink.snapshot()
	require.Len(t, flushes, 1)
	require.Equal(t, int64(3), flushes[0][0].Count)
	require.Empty(t, a.Export(), "flushed bucket must be removed")
}

func TestTimerFlush(t *testing.T) {
	sink := &captureSink{}
	a := New(sink, newConfig(t, config.KeyTelemetryFlushInterval, "20ms"))
	a.Record("session", "connect", 12)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		flushes, _ := sink.snapshot()
		return len(flushes) > 0
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRunFlushesOnExit(t *testing.T) {
	sink := &captureSink{}
	a := New(sink, newConfig(t, config.KeyTelemetryFlushInterval, "1h"))
	a.Record("x", "y", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))
	flushes, _ := sink.snapshot()
	require.Len(t, flushes, 1)
}

func TestThresholdAlertFiresOnce(t *testing.T) {
	sink := &captureSink{}
	a := New(sink, newConfig(t, config.KeyTelemetryAlertAvgMs, 100.0))
	a.Record("rpc", "call", 50)
	_, alerts := sink.snapshot()
	require.Empty(t, alerts)

	a.Record("rpc", "call", 500)
	a.Record("rpc", "call", 600)
	_, alerts = sink.snapshot()
	require.Len(t, alerts, 1)
	require.Equal(t, "rpc", alerts[0].Category)
	require.Equal(t, float64(100), alerts[0].Threshold)
	require.Equal(t, float64(275), alerts[0].Value)
}

func TestEscalate(t *testing.T) {
	sink := &captureSink{}
	a := New(sink, newConfig(t))
	a.Escalate(context.Background(), "config.persist.failed", storage.ErrQuotaExceeded)
	_, alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	require.Equal(t, "errors", alerts[0].Category)
	require.Contains(t, alerts[0].Reason, "quota")
}

func TestFailedFlushIsRetried(t *testing.T) {
	ctx := context.Background()
	sink := &captureSink{fail: storage.ErrQuotaExceeded}
	a := New(sink, newConfig(t))

	a.Record("rpc", "call", 1)
	require.ErrorIs(t, a.Flush(ctx), storage.ErrQuotaExceeded)
	require.Equal(t, int64(1), a.FlushErrors())
	_, alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	require.Equal(t, "flush_failed", alerts[0].Event)

	kept := a.Export()
	require.Len(t, kept, 1)
	require.Equal(t, int64(1), kept[0].Count)

	// Still failing: no second alert for the same streak.
	require.Error(t, a.Flush(ctx))
	_, alerts = sink.snapshot()
	require.Len(t, alerts, 1)

	sink.setFail(nil)
	a.Record("rpc", "call", 2)
	require.NoError(t, a.Flush(ctx))
	flushes, _ := sink.snapshot()
	require.Len(t, flushes, 1)
	require.Len(t, flushes[0], 1)
	require.Equal(t, int64(2), flushes[0][0].Count)
	require.Equal(t, float64(3), flushes[0][0].Sum)
	require.Empty(t, a.Export())
}

func TestMultiSinkMembersRetryIndependently(t *testing.T) {
	ctx := context.Background()
	healthy := &captureSink{}
	flaky := &captureSink{fail: errors.New("store down")}
	a := New(MultiSink{healthy, flaky}, newConfig(t))

	a.Record("sync", "delta", 1)
	require.Error(t, a.Flush(ctx))
	sink := func(c *captureSink) [][]Bucket { f, _ := c.snapshot(); return f }
	require.Len(t, sink(healthy), 1)
	require.Empty(t, sink(flaky))

	flaky.setFail(nil)
	a.Record("sync", "delta", 1)
	require.NoError(t, a.Flush(ctx))

	got := sink(healthy)
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[1][0].Count, "the healthy sink never sees a batch twice")
	got = sink(flaky)
	require.Len(t, got, 1)
	require.Equal(t, int64(2), got[0][0].Count)
}

func TestSizeFlushFailureKeepsBucket(t *testing.T) {
	sink := &captureSink{fail: errors.New("down")}
	a := New(sink, newConfig(t, config.KeyTelemetryFlushSize, 2))
	a.Record("rpc", "call", 1)
	a.Record("rpc", "call", 1)
	bs := a.Export()
	require.Len(t, bs, 1)
	require.Equal(t, int64(2), bs[0].Count)
}

func TestSeedMerges(t *testing.T) {
	a := New(&captureSink{}, newConfig(t))
	a.Record("rpc", "call", 10)
	a.Seed([]Bucket{
		{Category: "rpc", Event: "call", Count: 2, Sum: 6, Min: 1, Max: 5, Samples: []float64{1, 5}},
		{Category: "sync", Event: "delta", Count: 1, Sum: 3, Min: 3, Max: 3},
	})
	bs := a.Export()
	require.Len(t, bs, 2)
	require.Equal(t, "rpc", bs[0].Category)
	require.Equal(t, int64(3), bs[0].Count)
	require.Equal(t, float64(16), bs[0].Sum)
	require.Equal(t, float64(1), bs[0].Min)
	require.Equal(t, float64(10), bs[0].Max)
	require.Equal(t, int64(1), bs[1].Count)
}

func TestStorageSinkAccumulates(t *testing.T) {
	kv, err := memory.New(100)
	require.NoError(t, err)
	defer kv.Close()
	sink := &StorageSink{KV: kv, MaxAlerts: 2}
	ctx := context.Background()

	require.NoError(t, sink.Flush(ctx, []Bucket{{Category: "rpc", Event: "call", Count: 2, Sum: 10, Min: 4, Max: 6}}))
	require.NoError(t, sink.Flush(ctx, []Bucket{{Category: "rpc", Event: "call", Count: 1, Sum: 1, Min: 1, Max: 1}}))
	total, ok, err := sink.Totals(ctx, "rpc", "call")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), total.Count)
	require.Equal(t, float64(11), total.Sum)
	require.Equal(t, float64(1), total.Min)
	require.Equal(t, float64(6), total.Max)

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Alert(ctx, Alert{Category: "c", Event: "e", Value: float64(i)}))
	}
	alerts, err := sink.Alerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	require.Equal(t, float64(2), alerts[1].Value)
}

func TestStorageSinkQuota(t *testing.T) {
	kv, err := memory.New(100, memory.WithMaxBytes(16))
	require.NoError(t, err)
	defer kv.Close()
	sink := &StorageSink{KV: kv}
	err = sink.Flush(context.Background(), []Bucket{{Category: "rpc", Event: "call", Count: 1, Sum: 1, Min: 1, Max: 1}})
	require.ErrorIs(t, err, storage.ErrQuotaExceeded)
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	good := &captureSink{}
	bad := &captureSink{fail: errors.New("nope")}
	m := MultiSink{good, bad}
	require.Error(t, m.Flush(context.Background(), []Bucket{{Category: "a", Event: "b", Count: 1}}))
	flushes, _ := good.snapshot()
	require.Len(t, flushes, 1)
}
