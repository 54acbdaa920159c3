// Package batch runs bulk operations in fixed-size chunks. Items of one chunk
// run concurrently and chunks run one after another, so fan-out is bounded
// by the chunk size.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/portlink-go/capability"
	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/envelope"
	"github.com/ggoodman/portlink-go/reconnect"
	"github.com/ggoodman/portlink-go/rpc"
)

// RateCategory is the limiter category charged per item attempt.
const RateCategory = "batch"

// ErrAborted marks items skipped after a fail-fast abort.
var ErrAborted = errors.New("batch: aborted")

// Handler processes one item. index is the item's position in the input.
type Handler[I, R any] func(ctx context.Context, index int, item I) (R, error)

// ItemError records the final failure of one item.
type ItemError struct {
	Index    int
	Attempts int
	Err      error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("item %d failed after %d attempt(s): %v", e.Index, e.Attempts, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// Result holds one slot per input item. Results of failed items are zero.
type Result[R any] struct {
	Results []R
	Errors  []ItemError
}

// Failed reports whether the item at index failed.
func (r Result[R]) Failed(index int) bool {
	i := sort.Search(len(r.Errors), func(i int) bool { return r.Errors[i].Index >= index })
	return i < len(r.Errors) && r.Errors[i].Index == index
}

// Succeeded counts items without an error.
func (r Result[R]) Succeeded() int { return len(r.Results) - len(r.Errors) }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// IsPermanent reports whether err should not be retried: explicit Permanent
// errors and structural or permission failures.
func IsPermanent(err error) bool {
	var pe permanentError
	var sv *envelope.SchemaViolation
	var re *rpc.RemoteError
	switch {
	case errors.As(err, &pe), errors.As(err, &sv):
		return true
	case errors.Is(err, capability.ErrPermissionDenied), errors.Is(err, rpc.ErrNotCallable):
		return true
	case errors.As(err, &re):
		return re.Code >= 400 && re.Code < 500 && re.Code != envelope.CodeRateLimited
	}
	return false
}

// Limiter admits item attempts. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Admit(category string) error
}

// Recorder receives per-item measurements.
type Recorder interface {
	Record(category, event string, value float64)
	RecordDuration(category, event string, d time.Duration)
}

type options struct {
	size     int
	progress func(float64)
	failFast bool
	retries  int
	backoff  reconnect.Backoff
	limiter  Limiter
	rec      Recorder
	log      *slog.Logger
}

// Option configures Process.
type Option func(*options)

// WithBatchSize sets the chunk size. Values below 1 mean 1.
func WithBatchSize(n int) Option {
	return func(o *options) { o.size = n }
}

// WithProgress is called after each chunk with the fraction of items done.
// Chunks skipped after an abort count as done, so the last call always
// reports 1.
func WithProgress(fn func(fraction float64)) Option {
	return func(o *options) { o.progress = fn }
}

// WithFailFast stops after the first chunk containing a failed item. Items
// of later chunks are recorded with ErrAborted.
func WithFailFast() Option {
	return func(o *options) { o.failFast = true }
}

// WithRetries retries a failed item up to n more times, waiting b.Delay
// between attempts.
func WithRetries(n int, b reconnect.Backoff) Option {
	return func(o *options) { o.retries, o.backoff = n, b }
}

// WithLimiter charges every attempt to RateCategory. A rejected attempt is a
// transient failure.
func WithLimiter(l Limiter) Option {
	return func(o *options) { o.limiter = l }
}

func WithRecorder(r Recorder) Option {
	return func(o *options) { o.rec = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Tunables is the read side of the config store FromConfig needs.
type Tunables interface {
	Int(key string) int
	Duration(key string) time.Duration
}

// FromConfig applies the configured chunk size, retry count and backoff
// curve.
func FromConfig(cfg Tunables) Option {
	return func(o *options) {
		o.size = cfg.Int(config.KeyBatchSize)
		o.retries = cfg.Int(config.KeyBatchMaxRetries)
		o.backoff = reconnect.Backoff{
			Base: cfg.Duration(config.KeyReconnectBase),
			Max:  cfg.Duration(config.KeyReconnectMax),
		}
	}
}

// Process runs h over items. It returns a non-nil error only when the run
// stopped early, either by fail-fast or because ctx ended; the Result is
// complete in every case.
func Process[I, R any](ctx context.Context, items []I, h Handler[I, R], opts ...Option) (Result[R], error) {
	o := options{size: 10, backoff: reconnect.DefaultBackoff, log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.size < 1 {
		o.size = 1
	}

	res := Result[R]{Results: make([]R, len(items))}
	var (
		mu      sync.Mutex
		stopErr error
	)
	fail := func(ie ItemError) {
		mu.Lock()
		res.Errors = append(res.Errors, ie)
		mu.Unlock()
	}

	for start := 0; start < len(items); start += o.size {
		end := min(start+o.size, len(items))
		if stopErr == nil {
			stopErr = ctx.Err()
		}
		if stopErr != nil {
			for i := start; i < end; i++ {
				fail(ItemError{Index: i, Err: fmt.Errorf("%w: %v", ErrAborted, stopErr)})
			}
			o.report(end, len(items))
			continue
		}

		var wg sync.WaitGroup
		var chunkFailed error
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r, attempts, err := runItem(ctx, &o, i, items[i], h)
				if err != nil {
					fail(ItemError{Index: i, Attempts: attempts, Err: err})
					mu.Lock()
					if chunkFailed == nil {
						chunkFailed = err
					}
					mu.Unlock()
					return
				}
				res.Results[i] = r
			}(i)
		}
		wg.Wait()

		o.report(end, len(items))
		if o.failFast && chunkFailed != nil {
			stopErr = chunkFailed
			o.log.WarnContext(ctx, "batch.abort", slog.Int("done", end), slog.Int("total", len(items)), slog.String("err", chunkFailed.Error()))
		}
	}

	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].Index < res.Errors[j].Index })
	if stopErr != nil {
		return res, fmt.Errorf("%w: %v", ErrAborted, stopErr)
	}
	return res, nil
}

func (o *options) report(done, total int) {
	if o.progress != nil {
		o.progress(float64(done) / float64(total))
	}
}

func runItem[I, R any](ctx context.Context, o *options, index int, item I, h Handler[I, R]) (R, int, error) {
	var (
		zero     R
		err      error
		attempts int
	)
	for attempt := 0; attempt <= o.retries; attempt++ {
		if attempt > 0 {
			if werr := sleep(ctx, o.backoff.Delay(attempt-1)); werr != nil {
				break
			}
		}
		attempts++
		if o.limiter != nil {
			if err = o.limiter.Admit(RateCategory); err != nil {
				continue
			}
		}
		start := time.Now()
		var r R
		r, err = h(ctx, index, item)
		if o.rec != nil {
			o.rec.RecordDuration("batch", "item", time.Since(start))
		}
		if err == nil {
			return r, attempts, nil
		}
		if IsPermanent(err) {
			break
		}
	}
	if o.rec != nil {
		o.rec.Record("batch", "failed", 1)
	}
	return zero, attempts, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Caller issues correlated calls. *rpc.Correlator satisfies it.
type Caller interface {
	Call(ctx context.Context, sessionID string, msg envelope.Message, timeout time.Duration) (json.RawMessage, error)
}

// Requests returns a handler that sends each item as a REQUEST for method
// on the session and yields the raw result.
func Requests(c Caller, sessionID, method string, timeout time.Duration) Handler[json.RawMessage, json.RawMessage] {
	return func(ctx context.Context, _ int, params json.RawMessage) (json.RawMessage, error) {
		return c.Call(ctx, sessionID, envelope.Request{Method: method, Params: params}, timeout)
	}
}
