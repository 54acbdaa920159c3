// Package adminhttp exposes the layer's tunables, telemetry, sessions and
// recovery state over HTTP for operators.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/recovery"
	"github.com/ggoodman/portlink-go/session"
	"github.com/ggoodman/portlink-go/telemetry"
	"github.com/google/uuid"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

// maxBody bounds PUT bodies; tunable values are scalars.
const maxBody = 64 << 10

// Config is the config store surface the handler needs.
type Config interface {
	Entries() []config.Entry
	Set(ctx context.Context, key string, value any) error
}

// Telemetry is the aggregator surface the handler needs.
type Telemetry interface {
	Export() []telemetry.Bucket
	FlushErrors() int64
}

// Sessions is the registry surface the handler needs.
type Sessions interface {
	Descriptors() []session.Descriptor
	Get(id string) (session.Descriptor, bool)
	Disconnect(id string)
}

// Recovery is the recovery manager surface the handler needs.
type Recovery interface {
	State() recovery.State
	Snapshot(ctx context.Context) (*recovery.Snapshot, error)
}

// Deps are the components served. Nil components answer 404.
type Deps struct {
	Config    Config
	Telemetry Telemetry
	Sessions  Sessions
	Recovery  Recovery
}

type Handler struct {
	deps Deps
	log  *slog.Logger
	mux  *http.ServeMux
}

var _ http.Handler = (*Handler)(nil)

// Option configures the Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// New returns a handler serving:
//
//	GET    /config          every tunable with its effective value and JSON Schema
//	PUT    /config/{key}    set one tunable; the body is its JSON value
//	GET    /telemetry       current unflushed buckets
//	GET    /sessions        live session descriptors
//	DELETE /sessions/{id}   disconnect a session
//	GET    /recovery        shutdown state and a preview snapshot
func New(deps Deps, opts ...Option) *Handler {
	h := &Handler{deps: deps, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /config", h.handleGetConfig)
	mux.HandleFunc("PUT /config/{key}", h.handlePutConfig)
	mux.HandleFunc("GET /telemetry", h.handleGetTelemetry)
	mux.HandleFunc("GET /sessions", h.handleGetSessions)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleDeleteSession)
	mux.HandleFunc("GET /recovery", h.handleGetRecovery)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "only application/json is served")
		return
	}
	w.Header().Set("X-Request-Id", uuid.NewString())
	h.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError emits {"error":{"code":<status>,"message":"<reason>"}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if h.deps.Config == nil {
		http.NotFound(w, r)
		return
	}
	entries := h.deps.Config.Entries()
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"schema":  config.JSONSchema(entries),
	})
}

func (h *Handler) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deps.Config == nil {
		http.NotFound(w, r)
		return
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "admin.content_type.unsupported")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "admin.json.decode.fail", slog.String("err", err.Error()))
		return
	}
	key := r.PathValue("key")
	if err := h.deps.Config.Set(ctx, key, value); err != nil {
		var sv *config.SchemaViolation
		if errors.As(err, &sv) {
			status := http.StatusBadRequest
			if sv.Reason == "unknown key" {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, sv.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to set value")
		h.log.ErrorContext(ctx, "admin.config.set.fail", slog.String("key", key), slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "admin.config.set.ok", slog.String("key", key))
	for _, e := range h.deps.Config.Entries() {
		if e.Key == key {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetTelemetry(w http.ResponseWriter, r *http.Request) {
	if h.deps.Telemetry == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"buckets":     h.deps.Telemetry.Export(),
		"flushErrors": h.deps.Telemetry.FlushErrors(),
	})
}

func (h *Handler) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sessions == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.deps.Sessions.Descriptors()})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sessions == nil {
		http.NotFound(w, r)
		return
	}
	id := r.PathValue("id")
	if _, ok := h.deps.Sessions.Get(id); !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	h.deps.Sessions.Disconnect(id)
	h.log.InfoContext(r.Context(), "admin.session.disconnect", slog.String("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetRecovery(w http.ResponseWriter, r *http.Request) {
	if h.deps.Recovery == nil {
		http.NotFound(w, r)
		return
	}
	snap, err := h.deps.Recovery.Snapshot(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    h.deps.Recovery.State().String(),
		"snapshot": snap,
	})
}
