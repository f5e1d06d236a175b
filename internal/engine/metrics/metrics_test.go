package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector("test")
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}
	if c.Registry() == nil {
		t.Error("registry should not be nil")
	}
}

func TestNewCollector_DefaultNamespace(t *testing.T) {
	c := NewCollector("")
	c.RecordConstruction("mercadopago")

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "sdkloader_loader_constructions_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected metrics under the default sdkloader namespace")
	}
}

func TestCollector_LoaderMetrics(t *testing.T) {
	c := NewCollector("test")

	c.RecordAcquire("mercadopago", "started")
	c.RecordAcquire("mercadopago", "joined")
	c.RecordAcquire("mercadopago", "joined")
	c.RecordLoad("mercadopago", "inject", 120*time.Millisecond, nil)
	c.RecordLoad("mercadopago", "await_foreign", 10*time.Second, errors.New("timeout"))
	c.RecordFailure("mercadopago", "load_timeout")
	c.RecordConstruction("mercadopago")
	c.RecordPhase("mercadopago", 2)
	c.RecordWaiters("mercadopago", 3)
	c.RecordWaiters("mercadopago", -1)

	if got := testutil.ToFloat64(c.acquireTotal.WithLabelValues("mercadopago", "joined")); got != 2 {
		t.Errorf("joined acquires = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.loadTotal.WithLabelValues("mercadopago", "await_foreign", "error")); got != 1 {
		t.Errorf("failed foreign loads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.constructions.WithLabelValues("mercadopago")); got != 1 {
		t.Errorf("constructions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.phase.WithLabelValues("mercadopago")); got != 2 {
		t.Errorf("phase = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.waiters.WithLabelValues("mercadopago")); got != 2 {
		t.Errorf("waiters = %v, want 2", got)
	}
}

func TestCollector_FetchAndWarmMetrics(t *testing.T) {
	c := NewCollector("test")

	c.RecordFetch("sdk.mercadopago.com", 80*time.Millisecond, nil)
	c.RecordFetch("", 5*time.Millisecond, errors.New("dial"))
	c.RecordWarm("mercadopago", nil)
	c.RecordWarm("mercadopago", errors.New("boom"))

	if got := testutil.ToFloat64(c.fetchTotal.WithLabelValues("unknown", "error")); got != 1 {
		t.Errorf("unknown host fetch errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.warmTotal.WithLabelValues("mercadopago", "success")); got != 1 {
		t.Errorf("warm successes = %v, want 1", got)
	}
}

func TestCollector_InstrumentHandler(t *testing.T) {
	c := NewCollector("test")

	h := c.InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/resources/mercadopago", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/resources/:name", "404")); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
}

func TestCollector_InstrumentHandler_UnknownPathsShareOneSeries(t *testing.T) {
	c := NewCollector("test")

	h := c.InstrumentHandler(http.NotFoundHandler())
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest(http.MethodGet, "/junk"+strconv.Itoa(i), nil)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got := testutil.CollectAndCount(c.httpRequests); got != 1 {
		t.Errorf("request series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "other", "404")); got != 100 {
		t.Errorf("requests = %v, want 100", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("test")
	c.RecordAcquire("mercadopago", "cached")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_loader_acquire_total{outcome="cached",resource="mercadopago"} 1`) {
		t.Errorf("metrics output missing acquire counter:\n%s", body)
	}
}

func TestCanonicalPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/resources", "/resources"},
		{"/resources/mercadopago", "/resources/:name"},
		{"/resources/mercadopago/acquire", "/resources/:name/acquire"},
		{"/events/", "/events"},
		{"/junk", "other"},
		{"/healthz/extra", "other"},
		{"/resources//acquire", "other"},
		{"/resources/mercadopago/delete", "other"},
		{"/resources/mercadopago/acquire/now", "other"},
	}
	for _, tc := range tests {
		if got := canonicalPath(tc.in); got != tc.want {
			t.Errorf("canonicalPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNoOpCollector(t *testing.T) {
	c := NewNoOpCollector()

	c.RecordAcquire("r", "cached")
	c.RecordLoad("r", "inject", time.Millisecond, nil)
	c.RecordFailure("r", "script_load")
	c.RecordConstruction("r")
	c.RecordPhase("r", 1)
	c.RecordWaiters("r", 1)
	c.RecordFetch("h", time.Millisecond, nil)
	c.RecordWarm("r", nil)
}

func TestRecorderInterface(t *testing.T) {
	var _ Recorder = (*Collector)(nil)
	var _ Recorder = (*NoOpCollector)(nil)
}

func BenchmarkCollector_RecordAcquire(b *testing.B) {
	c := NewCollector("bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.RecordAcquire("mercadopago", "cached")
	}
}
