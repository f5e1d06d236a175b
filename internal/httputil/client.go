// Package httputil provides the HTTP plumbing used to fetch external scripts
// and to answer status API requests.
package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/sdkloader/internal/engine/metrics"
)

// =============================================================================
// Script Fetcher
// =============================================================================

// DefaultMaxScriptSize bounds the size of a fetched script body.
const DefaultMaxScriptSize = 8 << 20

// ErrBodyTooLarge is returned when a response body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// ScriptFetcher downloads script bodies over HTTP.
type ScriptFetcher struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	maxSize    int64
	userAgent  string
	metrics    metrics.Recorder
	log        *logrus.Entry
}

// ScriptFetcherConfig configures the fetcher.
type ScriptFetcherConfig struct {
	Timeout time.Duration
	// RatePerSecond limits fetches across all resources; 0 disables limiting.
	RatePerSecond float64
	Burst         int
	MaxSize       int64
	UserAgent     string
	Transport     http.RoundTripper
	Metrics       metrics.Recorder
	Logger        *logrus.Entry
}

// NewScriptFetcher creates a new fetcher.
func NewScriptFetcher(cfg ScriptFetcherConfig) *ScriptFetcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxScriptSize
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "sdkloader/1"
	}

	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.NewNoOpCollector()
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &ScriptFetcher{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: cfg.Transport,
		},
		limiter:   limiter,
		maxSize:   maxSize,
		userAgent: userAgent,
		metrics:   recorder,
		log:       log,
	}
}

// Fetch downloads the script at src. It waits for the rate limiter, so a
// cancelled context aborts both the wait and the request.
func (f *ScriptFetcher) Fetch(ctx context.Context, src string) ([]byte, error) {
	host := hostOf(src)
	start := time.Now()

	body, err := f.fetch(ctx, src)
	f.metrics.RecordFetch(host, time.Since(start), err)
	if err != nil {
		f.log.WithFields(logrus.Fields{"src": src, "error": err}).Warn("script fetch failed")
		return nil, err
	}
	f.log.WithFields(logrus.Fields{"src": src, "bytes": len(body)}).Debug("script fetched")
	return body, nil
}

func (f *ScriptFetcher) fetch(ctx context.Context, src string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/javascript, text/javascript, */*;q=0.1")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, truncated, _ := ReadAllWithLimit(resp.Body, 1<<10)
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return nil, &StatusError{URL: src, StatusCode: resp.StatusCode, Body: msg}
	}

	body, err := ReadAllStrict(resp.Body, f.maxSize)
	if err != nil {
		return nil, fmt.Errorf("read script body: %w", err)
	}
	return body, nil
}

// ReadAllWithLimit reads at most limit bytes and reports whether the body was
// longer than that.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// ReadAllStrict reads the whole body and fails with ErrBodyTooLarge if it is
// longer than limit.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return data, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
