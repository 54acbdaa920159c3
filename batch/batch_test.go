package batch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/envelope"
	"github.com/ggoodman/portlink-go/ratelimit"
	"github.com/ggoodman/portlink-go/reconnect"
	"github.com/ggoodman/portlink-go/rpc"
	"github.com/stretchr/testify/require"
)

var errForced = errors.New("forced failure")

func TestProgressAndIsolation(t *testing.T) {
	items := make([]int, 101)
	for i := range items {
		items[i] = i
	}
	var fractions []float64
	res, err := Process(context.Background(), items, func(_ context.Context, _ int, v int) (int, error) {
		if v == 42 {
			return 0, errForced
		}
		return v * 2, nil
	}, WithBatchSize(10), WithProgress(func(f float64) { fractions = append(fractions, f) }))
	require.NoError(t, err)

	require.Len(t, fractions, 11)
	for i := 1; i < len(fractions); i++ {
		require.Greater(t, fractions[i], fractions[i-1])
	}
	require.Equal(t, 1.0, fractions[len(fractions)-1])

	require.Len(t, res.Errors, 1)
	require.Equal(t, 42, res.Errors[0].Index)
	require.ErrorIs(t, res.Errors[0], errForced)
	require.True(t, res.Failed(42))
	require.False(t, res.Failed(41))
	require.Equal(t, 100, res.Succeeded())
	for i, v := range res.Results {
		if i == 42 {
			require.Zero(t, v)
			continue
		}
		require.Equal(t, i*2, v)
	}
}

func TestChunkConcurrencyIsBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 40)
	_, err := Process(context.Background(), items, func(context.Context, int, int) (struct{}, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return struct{}{}, nil
	}, WithBatchSize(4))
	require.NoError(t, err)
	require.LessOrEqual(t, peak.Load(), int32(4))
}

func TestRetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	calls := map[int]int{}
	res, err := Process(context.Background(), []string{"a", "b", "c"}, func(_ context.Context, i int, s string) (string, error) {
		mu.Lock()
		calls[i]++
		n := calls[i]
		mu.Unlock()
		if i == 1 && n < 3 {
			return "", rpc.ErrTimeout
		}
		return s, nil
	}, WithRetries(2, reconnect.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, []string{"a", "b", "c"}, res.Results)
	require.Equal(t, 3, calls[1])
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	res, err := Process(context.Background(), []int{1}, func(context.Context, int, int) (int, error) {
		calls.Add(1)
		return 0, rpc.ErrTimeout
	}, WithRetries(2, reconnect.Backoff{Base: time.Millisecond}))
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	require.Len(t, res.Errors, 1)
	require.Equal(t, 3, res.Errors[0].Attempts)
}

func TestPermanentErrorsNotRetried(t *testing.T) {
	cases := map[string]error{
		"permanent":        Permanent(errForced),
		"schema violation": &envelope.SchemaViolation{Type: envelope.TypeRequest, Reason: "bad"},
		"not found":        &rpc.RemoteError{Code: envelope.CodeMethodNotFound, Message: "nope"},
	}
	for name, failure := range cases {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			res, err := Process(context.Background(), []int{1}, func(context.Context, int, int) (int, error) {
				calls.Add(1)
				return 0, failure
			}, WithRetries(5, reconnect.Backoff{Base: time.Millisecond}))
			require.NoError(t, err)
			require.Equal(t, int32(1), calls.Load())
			require.Equal(t, 1, res.Errors[0].Attempts)
		})
	}
	require.False(t, IsPermanent(&rpc.RemoteError{Code: envelope.CodeRateLimited}))
	require.False(t, IsPermanent(&rpc.RemoteError{Code: envelope.CodeInternal}))
}

func TestFailFast(t *testing.T) {
	items := make([]int, 25)
	var calls atomic.Int32
	res, err := Process(context.Background(), items, func(_ context.Context, i int, _ int) (int, error) {
		calls.Add(1)
		if i == 12 {
			return 0, errForced
		}
		return 1, nil
	}, WithBatchSize(10), WithFailFast())
	require.ErrorIs(t, err, ErrAborted)
	require.Equal(t, int32(20), calls.Load(), "third chunk must not start")
	require.Len(t, res.Errors, 6)
	require.Equal(t, 12, res.Errors[0].Index)
	for _, ie := range res.Errors[1:] {
		require.ErrorIs(t, ie, ErrAborted)
		require.GreaterOrEqual(t, ie.Index, 20)
	}
}

func TestAbortedRunReportsCompletion(t *testing.T) {
	items := make([]int, 25)
	var fractions []float64
	_, err := Process(context.Background(), items, func(_ context.Context, i int, _ int) (int, error) {
		if i == 3 {
			return 0, errForced
		}
		return 1, nil
	}, WithBatchSize(10), WithFailFast(), WithProgress(func(f float64) { fractions = append(fractions, f) }))
	require.ErrorIs(t, err, ErrAborted)
	require.Equal(t, []float64{0.4, 0.8, 1.0}, fractions)
}

func TestRateLimitedAttemptsRetry(t *testing.T) {
	lim := ratelimit.New(ratelimit.WithLimit(RateCategory, ratelimit.Limit{Max: 2, Window: 20 * time.Millisecond}))
	items := make([]int, 4)
	res, err := Process(context.Background(), items, func(context.Context, int, int) (int, error) {
		return 1, nil
	}, WithBatchSize(4), WithLimiter(lim), WithRetries(10, reconnect.Backoff{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond}))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, []int{1, 1, 1, 1}, res.Results)
}

func TestCancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := Process(ctx, []int{1, 2, 3}, func(context.Context, int, int) (int, error) {
		t.Fatal("handler must not run")
		return 0, nil
	})
	require.ErrorIs(t, err, ErrAborted)
	require.Len(t, res.Errors, 3)
}

func TestFromConfig(t *testing.T) {
	cfg := config.New(nil)
	require.NoError(t, cfg.Set(context.Background(), config.KeyBatchSize, 3))
	var fractions []float64
	_, err := Process(context.Background(), make([]int, 7), func(context.Context, int, int) (int, error) {
		return 0, nil
	}, FromConfig(cfg), WithProgress(func(f float64) { fractions = append(fractions, f) }))
	require.NoError(t, err)
	require.Len(t, fractions, 3)
}

type fakeCaller struct {
	mu     sync.Mutex
	method string
}

func (f *fakeCaller) Call(_ context.Context, _ string, msg envelope.Message, _ time.Duration) (json.RawMessage, error) {
	req := msg.(envelope.Request)
	f.mu.Lock()
	f.method = req.Method
	f.mu.Unlock()
	return req.Params, nil
}

func TestRequestsHandler(t *testing.T) {
	c := &fakeCaller{}
	items := []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`"two"`)}
	res, err := Process(context.Background(), items, Requests(c, "sess", "store.put", time.Second))
	require.NoError(t, err)
	require.Equal(t, "store.put", c.method)
	require.JSONEq(t, `"two"`, string(res.Results[1]))
}
