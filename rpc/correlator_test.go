package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/portlink-go/capability"
	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/envelope"
	"github.com/ggoodman/portlink-go/ratelimit"
	"github.com/ggoodman/portlink-go/session/sessiontest"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) Record(category, event string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[category+"."+event]++
}

func (r *countingRecorder) RecordDuration(category, event string, _ time.Duration) {
	r.Record(category, event, 0)
}

func (r *countingRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

type pair struct {
	link   *sessiontest.Link
	client *Correlator
	server *Correlator
}

func newPair(t *testing.T, clientOpts ...Option) *pair {
	t.Helper()
	cfg := config.New(nil)
	link := sessiontest.Connect(t, cfg, nil, nil)
	client := New(link.Dialer, cfg, clientOpts...)
	server := New(link.Server, cfg)
	t.Cleanup(client.Attach(link.Dialer))
	t.Cleanup(server.Attach(link.Server))
	return &pair{link: link, client: client, server: server}
}

func echo(_ context.Context, _ string, params json.RawMessage) (any, error) {
	return params, nil
}

func TestPingBuiltin(t *testing.T) {
	p := newPair(t)
	rtt, err := p.client.Ping(context.Background(), p.link.DialerID, time.Second)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rtt, time.Duration(0))
	require.Equal(t, 0, p.client.Pending())
}

func TestInvokeRoundTrip(t *testing.T) {
	p := newPair(t)
	p.server.HandleMethod("echo", echo)

	var out map[string]int
	require.NoError(t, p.client.Invoke(context.Background(), p.link.DialerID, "echo", map[string]int{"x": 7}, &out))
	require.Equal(t, 7, out["x"])
}

func TestConcurrentCallsResolveToTheirOwnReplies(t *testing.T) {
	p := newPair(t)
	p.server.HandleMethod("echo", echo)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out int
			if err := p.client.Invoke(context.Background(), p.link.DialerID, "echo", i, &out); err != nil {
				errs <- err
				return
			}
			if out != i {
				errs <- fmt.Errorf("call %d got reply %d", i, out)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	require.Equal(t, 0, p.client.Pending())
}

func TestRemoteErrors(t *testing.T) {
	p := newPair(t)
	p.server.HandleMethod("boom", func(context.Context, string, json.RawMessage) (any, error) {
		return nil, errors.New("kaboom")
	})
	p.server.HandleMethod("forbidden", func(context.Context, string, json.RawMessage) (any, error) {
		return nil, capability.ErrPermissionDenied
	})
	ctx := context.Background()

	var re *RemoteError
	err := p.client.Invoke(ctx, p.link.DialerID, "nope", nil, nil)
	require.ErrorAs(t, err, &re)
	require.Equal(t, envelope.CodeMethodNotFound, re.Code)

	err = p.client.Invoke(ctx, p.link.DialerID, "boom", nil, nil)
	require.ErrorAs(t, err, &re)
	require.Equal(t, envelope.CodeInternal, re.Code)
	require.Equal(t, "kaboom", re.Message)

	err = p.client.Invoke(ctx, p.link.DialerID, "forbidden", nil, nil)
	require.ErrorAs(t, err, &re)
	require.Equal(t, envelope.CodePermissionDenied, re.Code)
}

func TestTimeoutThenLateReplyDropped(t *testing.T) {
	rec := &countingRecorder{}
	p := newPair(t, WithRecorder(rec))
	release := make(chan struct{})
	p.server.HandleMethod("slow", func(context.Context, string, json.RawMessage) (any, error) {
		<-release
		return "late", nil
	})

	start := time.Now()
	_, err := p.client.Call(context.Background(), p.link.DialerID, envelope.Request{Method: "slow"}, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 0, p.client.Pending())
	require.Equal(t, 1, rec.count("rpc.timeout"))

	close(release)
	require.Eventually(t, func() bool { return rec.count("rpc.late_reply") == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestContextCancelResolvesCall(t *testing.T) {
	p := newPair(t)
	p.server.HandleMethod("hang", func(context.Context, string, json.RawMessage) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.client.Call(ctx, p.link.DialerID, envelope.Request{Method: "hang"}, time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, p.client.Pending())
}

func TestSessionLossRejectsPending(t *testing.T) {
	p := newPair(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	p.server.HandleMethod("hang", func(context.Context, string, json.RawMessage) (any, error) {
		close(entered)
		<-release
		return nil, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := p.client.Call(context.Background(), p.link.DialerID, envelope.Request{Method: "hang"}, time.Minute)
		done <- err
	}()
	<-entered
	p.link.Server.Disconnect(p.link.ServerID)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSessionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call survived session loss")
	}
	require.Equal(t, 0, p.client.Pending())

	_, err := p.client.Call(context.Background(), p.link.DialerID, envelope.Ping{}, time.Second)
	require.ErrorIs(t, err, ErrSessionLost)
}

func TestCloseRejectsPendingAndNewCalls(t *testing.T) {
	p := newPair(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	p.server.HandleMethod("hang", func(context.Context, string, json.RawMessage) (any, error) {
		close(entered)
		<-release
		return nil, nil
	})
	shutdown := errors.New("shutting down")

	done := make(chan error, 1)
	go func() {
		_, err := p.client.Call(context.Background(), p.link.DialerID, envelope.Request{Method: "hang"}, time.Minute)
		done <- err
	}()
	<-entered
	p.client.Close(shutdown)
	require.ErrorIs(t, <-done, shutdown)

	_, err := p.client.Call(context.Background(), p.link.DialerID, envelope.Ping{}, time.Second)
	require.ErrorIs(t, err, shutdown)
	require.ErrorIs(t, p.client.Notify(context.Background(), p.link.DialerID, envelope.Event{Name: "x"}), shutdown)
}

func TestRateLimitedBeforeSend(t *testing.T) {
	lim := ratelimit.New(ratelimit.WithLimit(RateCategory, ratelimit.Limit{Max: 2, Window: time.Minute}))
	p := newPair(t, WithLimiter(lim))
	ctx := context.Background()

	_, err := p.client.Ping(ctx, p.link.DialerID, time.Second)
	require.NoError(t, err)
	_, err = p.client.Ping(ctx, p.link.DialerID, time.Second)
	require.NoError(t, err)

	before, _ := p.link.Dialer.Get(p.link.DialerID)
	_, err = p.client.Ping(ctx, p.link.DialerID, time.Second)
	require.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
	after, _ := p.link.Dialer.Get(p.link.DialerID)
	require.Equal(t, before.MessageCount, after.MessageCount, "rejected call must not reach the transport")
}

func TestCapabilityCheck(t *testing.T) {
	p := newPair(t, WithCapabilities(capability.NewStaticSet("msg.ping", "rpc.echo")))
	p.server.HandleMethod("echo", echo)
	p.server.HandleMethod("admin", echo)
	ctx := context.Background()

	_, err := p.client.Ping(ctx, p.link.DialerID, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.client.Invoke(ctx, p.link.DialerID, "echo", 1, nil))
	require.ErrorIs(t, p.client.Invoke(ctx, p.link.DialerID, "admin", 1, nil), capability.ErrPermissionDenied)
	require.ErrorIs(t, p.client.Notify(ctx, p.link.DialerID, envelope.Event{Name: "x"}), capability.ErrPermissionDenied)
}

func TestRepliesAreNotCallable(t *testing.T) {
	p := newPair(t)
	_, err := p.client.Call(context.Background(), p.link.DialerID, envelope.Pong{OK: true}, time.Second)
	require.ErrorIs(t, err, ErrNotCallable)
	_, err = p.client.Call(context.Background(), p.link.DialerID, envelope.Handshake{Endpoint: "x"}, time.Second)
	require.ErrorIs(t, err, ErrNotCallable)
}

func TestInboundRequestsHandledInOrder(t *testing.T) {
	p := newPair(t)
	var mu sync.Mutex
	var seen []int
	p.server.HandleMethod("seq", func(_ context.Context, _ string, params json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(params, &n); err != nil {
			return nil, err
		}
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil, nil
	})

	ctx := context.Background()
	for i := 0; i < 30; i++ {
		raw, _ := json.Marshal(i)
		require.NoError(t, p.client.Notify(ctx, p.link.DialerID, envelope.Request{Method: "seq", Params: raw}))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 30
	}, 2*time.Second, 5*time.Millisecond)
	for i, n := range seen {
		require.Equal(t, i, n)
	}
}

func TestEventHandler(t *testing.T) {
	p := newPair(t)
	got := make(chan string, 1)
	p.server.Handle(envelope.TypeEvent, func(_ context.Context, _ string, env envelope.Envelope) (envelope.Message, error) {
		m, err := env.Message()
		if err != nil {
			return nil, err
		}
		got <- m.(envelope.Event).Name
		return nil, nil
	})
	require.NoError(t, p.client.Notify(context.Background(), p.link.DialerID, envelope.Event{Name: "hello"}))
	select {
	case name := <-got:
		require.Equal(t, "hello", name)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	require.Panics(t, func() { p.server.Handle(envelope.TypeResponse, nil) })
}
