// Package httpapi exposes loader state to operators: resource snapshots, an
// acquire trigger, recent events and prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/sdkloader/internal/engine/events"
	"github.com/R3E-Network/sdkloader/internal/httputil"
	"github.com/R3E-Network/sdkloader/internal/loader"
	"github.com/R3E-Network/sdkloader/internal/middleware"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
	// maxWait bounds how long an acquire request waits for a load.
	maxWait = 60 * time.Second
	// maxMillis is the largest millisecond count a time.Duration holds.
	maxMillis = math.MaxInt64 / int64(time.Millisecond)
)

// Registry is the part of the loader registry the API needs.
type Registry interface {
	Names() []string
	Resource(name string) (loader.Resource, bool)
	Snapshot(name string) (loader.Snapshot, error)
	Snapshots() []loader.Snapshot
	Acquire(ctx context.Context, name string, args loader.ConstructorArgs, opts loader.AcquireOptions) (*loader.Handle, error)
}

// Config wires the router.
type Config struct {
	Registry Registry
	Events   events.EventLogger
	// Metrics serves GET /metrics and instruments every route when set.
	Metrics interface {
		Handler() http.Handler
		InstrumentHandler(http.Handler) http.Handler
	}
	Logger *logrus.Entry
	// AcquireLimiter throttles POST /resources/{name}/acquire per client.
	AcquireLimiter *middleware.RateLimiter
	CORS           *middleware.CORSMiddleware
}

// handler bundles the status endpoints.
type handler struct {
	reg    Registry
	events events.EventLogger
	log    *logrus.Entry
}

// NewRouter returns the status API.
func NewRouter(cfg Config) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "api")

	evs := cfg.Events
	if evs == nil {
		evs = events.NoOpLogger{}
	}

	h := &handler{reg: cfg.Registry, events: evs, log: log}

	r := mux.NewRouter()
	r.Use(middleware.Tracing(log))

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/resources", h.listResources).Methods(http.MethodGet)
	r.HandleFunc("/resources/{name}", h.getResource).Methods(http.MethodGet)

	var acquire http.Handler = http.HandlerFunc(h.acquire)
	if cfg.AcquireLimiter != nil {
		acquire = cfg.AcquireLimiter.Handler(acquire)
	}
	r.Handle("/resources/{name}/acquire", acquire).Methods(http.MethodPost)

	r.HandleFunc("/events", h.recentEvents).Methods(http.MethodGet)

	var out http.Handler = r
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}
	// Preflight requests never match a route, so CORS wraps the router.
	if cfg.CORS != nil {
		out = cfg.CORS.Handler(out)
	}
	if cfg.Metrics != nil {
		out = cfg.Metrics.InstrumentHandler(out)
	}
	return out
}

// resourceView is a resource with its current state.
type resourceView struct {
	loader.Snapshot
	Src    string `json:"src"`
	Global string `json:"global"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"resources": len(h.reg.Names()),
	})
}

func (h *handler) listResources(w http.ResponseWriter, r *http.Request) {
	snaps := h.reg.Snapshots()
	out := make([]resourceView, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, h.view(snap))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *handler) getResource(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	snap, err := h.reg.Snapshot(name)
	if err != nil {
		h.writeLoadError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.view(snap))
}

func (h *handler) view(snap loader.Snapshot) resourceView {
	v := resourceView{Snapshot: snap}
	if res, ok := h.reg.Resource(snap.Resource); ok {
		v.Src = res.Src
		v.Global = res.Global
	}
	return v
}

// AcquireRequest is the body of POST /resources/{name}/acquire.
type AcquireRequest struct {
	PublicKey string                 `json:"public_key"`
	Locale    string                 `json:"locale,omitempty"`
	TimeoutMS int64                  `json:"timeout_ms,omitempty"`
	WaitMS    int64                  `json:"wait_ms,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

// AcquireResponse describes the handle an acquire produced. Value holds the
// result of the ?path= query over the client, null when the path is absent.
type AcquireResponse struct {
	Resource  string          `json:"resource"`
	Locale    string          `json:"locale"`
	CreatedAt time.Time       `json:"created_at"`
	Client    json.RawMessage `json:"client,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

func (h *handler) acquire(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req AcquireRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.TimeoutMS < 0 || req.WaitMS < 0 {
		httputil.WriteError(w, http.StatusBadRequest, "timeout_ms and wait_ms must not be negative", "invalid_options")
		return
	}
	if req.TimeoutMS > maxMillis || req.WaitMS > maxMillis {
		httputil.WriteError(w, http.StatusBadRequest, "timeout_ms and wait_ms are out of range", "invalid_options")
		return
	}

	wait := maxWait
	if req.WaitMS > 0 && time.Duration(req.WaitMS)*time.Millisecond < wait {
		wait = time.Duration(req.WaitMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	handle, err := h.reg.Acquire(ctx, name,
		loader.ConstructorArgs{PublicKey: req.PublicKey, Options: req.Options},
		loader.AcquireOptions{Locale: req.Locale, Timeout: time.Duration(req.TimeoutMS) * time.Millisecond},
	)
	if err != nil {
		h.writeLoadError(w, err)
		return
	}

	resp := AcquireResponse{
		Resource:  handle.Resource,
		Locale:    handle.Locale,
		CreatedAt: handle.CreatedAt,
	}
	if raw, err := handle.JSON(); err == nil && json.Valid(raw) {
		resp.Client = raw
	} else if err != nil {
		h.log.WithError(err).WithField("resource", name).Debug("client is not serializable")
	}
	if path := r.URL.Query().Get("path"); path != "" {
		resp.Value = json.RawMessage("null")
		if v := handle.Lookup(path); v.Exists() {
			resp.Value = json.RawMessage(v.Raw)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	q := r.URL.Query()
	var out []events.Event
	switch {
	case q.Get("resource") != "":
		out = h.events.RecentByResource(q.Get("resource"), limit)
	case q.Get("type") != "":
		out = h.events.RecentByType(events.EventType(q.Get("type")), limit)
	default:
		out = h.events.Recent(limit)
	}
	if out == nil {
		out = []events.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// writeLoadError maps loader errors to status codes.
func (h *handler) writeLoadError(w http.ResponseWriter, err error) {
	kind := loader.KindName(err)
	switch {
	case errors.Is(err, loader.ErrUnknownResource):
		httputil.WriteError(w, http.StatusNotFound, err.Error(), kind)
	case errors.Is(err, loader.ErrInvalidOptions):
		httputil.WriteError(w, http.StatusBadRequest, err.Error(), kind)
	case kind != "":
		httputil.WriteError(w, http.StatusBadGateway, err.Error(), kind)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		httputil.WriteError(w, http.StatusGatewayTimeout, "load still in progress", "wait_exceeded")
	default:
		h.log.WithError(err).Error("unexpected loader error")
		httputil.InternalError(w, "internal error")
	}
}
