package adminhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/recovery"
	"github.com/ggoodman/portlink-go/session/sessiontest"
	"github.com/ggoodman/portlink-go/storage/memory"
	"github.com/ggoodman/portlink-go/telemetry"
)

type fixture struct {
	cfg  *config.Store
	tel  *telemetry.Aggregator
	link *sessiontest.Link
	srv  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := memory.New(100)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	cfg := config.New(kv)
	tel := telemetry.New(nil, cfg)
	link := sessiontest.Connect(t, cfg, nil, nil)
	rec := recovery.New(kv, cfg, recovery.WithSessions(link.Dialer), recovery.WithConfig(cfg), recovery.WithTelemetry(tel))

	h := New(Deps{Config: cfg, Telemetry: tel, Sessions: link.Dialer, Recovery: rec})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{cfg: cfg, tel: tel, link: link, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, ctype, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp, out
}

func TestGetConfigListsEveryTunable(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/config", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	entries, _ := body["entries"].([]any)
	if len(entries) != len(config.Defaults()) {
		t.Fatalf("got %d entries, want %d", len(entries), len(config.Defaults()))
	}
}

func TestGetConfigDescribesSchema(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodGet, "/config", "", "")
	schema, _ := body["schema"].(map[string]any)
	if schema["type"] != "object" || schema["additionalProperties"] != false {
		t.Fatalf("schema = %v", schema)
	}
	props, _ := schema["properties"].(map[string]any)
	if len(props) != len(config.Defaults()) {
		t.Fatalf("got %d properties, want %d", len(props), len(config.Defaults()))
	}
	size, _ := props[config.KeyBatchSize].(map[string]any)
	if size["type"] != "integer" || size["minimum"] != 1.0 || size["maximum"] != 10000.0 || size["default"] != 10.0 {
		t.Fatalf("batch.size schema = %v", size)
	}
	interval, _ := props[config.KeySyncInterval].(map[string]any)
	if interval["default"] != "5s" {
		t.Fatalf("sync.interval default = %v", interval["default"])
	}
	if alts, _ := interval["anyOf"].([]any); len(alts) != 2 {
		t.Fatalf("sync.interval anyOf = %v", interval["anyOf"])
	}
}

func TestPutConfig(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPut, "/config/"+config.KeyBatchSize, "application/json", "25")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["overridden"] != true {
		t.Fatalf("entry not marked overridden: %v", body)
	}
	if got := f.cfg.Int(config.KeyBatchSize); got != 25 {
		t.Fatalf("batch.size = %d, want 25", got)
	}

	resp, _ = f.do(t, http.MethodPut, "/config/"+config.KeySyncInterval, "application/json", `"250ms"`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duration status = %d", resp.StatusCode)
	}
	if got := f.cfg.Duration(config.KeySyncInterval); got != 250*time.Millisecond {
		t.Fatalf("sync.interval = %s", got)
	}
}

func TestPutConfigRejections(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		path   string
		ctype  string
		body   string
		status int
	}{
		{"wrong content type", "/config/" + config.KeyBatchSize, "text/plain", "25", http.StatusUnsupportedMediaType},
		{"bad json", "/config/" + config.KeyBatchSize, "application/json", "{", http.StatusBadRequest},
		{"out of range", "/config/" + config.KeyBatchSize, "application/json", "0", http.StatusBadRequest},
		{"wrong kind", "/config/" + config.KeyBatchSize, "application/json", "true", http.StatusBadRequest},
		{"unknown key", "/config/nope", "application/json", "1", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodPut, tc.path, tc.ctype, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
	if got := f.cfg.Int(config.KeyBatchSize); got != 10 {
		t.Fatalf("rejected writes changed batch.size to %d", got)
	}
}

func TestTelemetry(t *testing.T) {
	f := newFixture(t)
	f.tel.Record("rpc", "call", 12)
	f.tel.Record("rpc", "call", 8)
	resp, body := f.do(t, http.MethodGet, "/telemetry", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	buckets, _ := body["buckets"].([]any)
	found := false
	for _, b := range buckets {
		m := b.(map[string]any)
		if m["category"] == "rpc" && m["event"] == "call" {
			found = true
			if m["count"] != float64(2) || m["sum"] != float64(20) {
				t.Fatalf("bucket = %v", m)
			}
		}
	}
	if !found {
		t.Fatalf("rpc/call bucket missing from %v", buckets)
	}
}

func TestSessions(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/sessions", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	sessions, _ := body["sessions"].([]any)
	if len(sessions) != 1 || sessions[0].(map[string]any)["id"] != f.link.DialerID {
		t.Fatalf("sessions = %v", sessions)
	}

	resp, _ = f.do(t, http.MethodDelete, "/sessions/"+f.link.DialerID, "", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if f.link.Dialer.Len() != 0 {
		t.Fatalf("session still registered")
	}
	resp, _ = f.do(t, http.MethodDelete, "/sessions/"+f.link.DialerID, "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
}

func TestRecovery(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/recovery", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["state"] != "running" {
		t.Fatalf("state = %v", body["state"])
	}
	snap, _ := body["snapshot"].(map[string]any)
	if sessions, _ := snap["sessions"].([]any); len(sessions) != 1 {
		t.Fatalf("snapshot sessions = %v", snap["sessions"])
	}
}

func TestNotAcceptable(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/config", nil)
	req.Header.Set("Accept", "text/html")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMissingComponentIs404(t *testing.T) {
	srv := httptest.NewServer(New(Deps{}))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
