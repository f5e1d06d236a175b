// Package warmer keeps configured resources loaded. On a cron schedule it
// acquires every resource that is not ready, backing off exponentially after
// failed attempts. It is an ordinary loader caller: the loader itself never
// retries.
package warmer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/sdkloader/internal/engine/events"
	"github.com/R3E-Network/sdkloader/internal/engine/metrics"
	"github.com/R3E-Network/sdkloader/internal/engine/state"
	"github.com/R3E-Network/sdkloader/internal/loader"
)

const component = "warmer"

// Common errors
var (
	ErrNoSchedule     = errors.New("no schedule configured")
	ErrAlreadyStarted = errors.New("warmer already started")
)

// Acquirer is the part of the loader registry the warmer uses.
type Acquirer interface {
	Acquire(ctx context.Context, name string, args loader.ConstructorArgs, opts loader.AcquireOptions) (*loader.Handle, error)
	Snapshot(name string) (loader.Snapshot, error)
}

// Target is one resource to keep warm.
type Target struct {
	Resource string
	Args     loader.ConstructorArgs
	Options  loader.AcquireOptions
}

// Config holds warmer configuration.
type Config struct {
	// Schedule is a cron spec, e.g. "@every 30s" or "*/5 * * * *".
	Schedule string

	// InitialDelay is the wait after the first failure.
	InitialDelay time.Duration

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration

	// Multiplier grows the wait after each consecutive failure.
	Multiplier float64

	// AttemptTimeout bounds how long one tick waits for one resource.
	AttemptTimeout time.Duration
}

// DefaultConfig returns the default warmer configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:       "@every 30s",
		InitialDelay:   time.Second,
		MaxDelay:       time.Minute,
		Multiplier:     2.0,
		AttemptTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	return c
}

// BackoffState tracks consecutive failures of one resource.
type BackoffState struct {
	Failures    int           `json:"failures"`
	LastAttempt time.Time     `json:"last_attempt"`
	LastError   string        `json:"last_error,omitempty"`
	NextRetry   time.Time     `json:"next_retry"`
	Delay       time.Duration `json:"delay"`
}

// Warmer acquires resources in the background.
type Warmer struct {
	reg     Acquirer
	targets []Target
	cfg     Config

	log     *logrus.Entry
	metrics metrics.Recorder
	events  events.EventLogger
	now     func() time.Time

	mu      sync.Mutex
	backoff map[string]*BackoffState
	cron    *cron.Cron
}

// Option configures a Warmer.
type Option func(*Warmer)

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(w *Warmer) {
		if log != nil {
			w.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(w *Warmer) {
		if m != nil {
			w.metrics = m
		}
	}
}

// WithEvents sets the event sink.
func WithEvents(e events.EventLogger) Option {
	return func(w *Warmer) {
		if e != nil {
			w.events = e
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Warmer) {
		if now != nil {
			w.now = now
		}
	}
}

// New creates a warmer for targets.
func New(reg Acquirer, targets []Target, cfg Config, opts ...Option) *Warmer {
	w := &Warmer{
		reg:     reg,
		targets: targets,
		cfg:     cfg.withDefaults(),
		log:     logrus.NewEntry(logrus.StandardLogger()),
		metrics: metrics.NewNoOpCollector(),
		events:  events.NoOpLogger{},
		now:     time.Now,
		backoff: make(map[string]*BackoffState),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.WithField("component", component)
	return w
}

// Start schedules ticks. The first tick happens on the first schedule
// activation; call Tick for an immediate pass.
func (w *Warmer) Start() error {
	if w.cfg.Schedule == "" {
		return ErrNoSchedule
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return ErrAlreadyStarted
	}

	c := cron.New(
		cron.WithLogger(cronLogger{w.log}),
		cron.WithChain(cron.Recover(cronLogger{w.log}), cron.SkipIfStillRunning(cronLogger{w.log})),
	)
	if _, err := c.AddFunc(w.cfg.Schedule, func() { w.Tick(context.Background()) }); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", w.cfg.Schedule, err)
	}
	c.Start()
	w.cron = c

	w.log.WithFields(logrus.Fields{
		"schedule": w.cfg.Schedule,
		"targets":  len(w.targets),
	}).Info("warmer started")
	return nil
}

// Stop halts scheduling and waits for a running tick, bounded by ctx.
func (w *Warmer) Stop(ctx context.Context) error {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one pass over the targets.
func (w *Warmer) Tick(ctx context.Context) {
	for _, t := range w.targets {
		if ctx.Err() != nil {
			return
		}
		w.warm(ctx, t)
	}
}

func (w *Warmer) warm(ctx context.Context, t Target) {
	snap, err := w.reg.Snapshot(t.Resource)
	if err != nil {
		w.log.WithError(err).WithField("resource", t.Resource).Warn("cannot warm resource")
		return
	}
	if snap.Phase == state.PhaseReady || snap.Phase == state.PhaseLoading {
		w.skip(t.Resource, snap.Phase.String())
		return
	}

	now := w.now()
	w.mu.Lock()
	st := w.backoff[t.Resource]
	if st != nil && now.Before(st.NextRetry) {
		w.mu.Unlock()
		w.skip(t.Resource, "backoff")
		return
	}
	w.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	_, err = w.reg.Acquire(attemptCtx, t.Resource, t.Args, t.Options)
	elapsed := time.Since(start)
	w.metrics.RecordWarm(t.Resource, err)

	w.mu.Lock()
	if err == nil {
		delete(w.backoff, t.Resource)
		w.mu.Unlock()
		w.log.WithField("resource", t.Resource).Info("resource warmed")
		events.NewEvent(events.EventWarmAttempt).
			Resource(t.Resource).
			Component(component).
			Phase(state.PhaseReady).
			Duration(elapsed).
			LogToWithContext(ctx, w.events)
		return
	}

	// Another tick may have recorded or cleared state while this one waited.
	st = w.backoff[t.Resource]
	if st == nil {
		st = &BackoffState{}
		w.backoff[t.Resource] = st
	}
	st.Failures++
	st.LastAttempt = now
	st.LastError = err.Error()
	st.Delay = calculateDelay(w.cfg, st.Failures)
	st.NextRetry = now.Add(st.Delay)
	failures, next := st.Failures, st.NextRetry
	w.mu.Unlock()

	w.log.WithError(err).WithFields(logrus.Fields{
		"resource":   t.Resource,
		"failures":   failures,
		"next_retry": next.Format(time.RFC3339),
	}).Warn("warm attempt failed")
	events.NewEvent(events.EventWarmAttempt).
		Resource(t.Resource).
		Component(component).
		Severity(events.SeverityWarning).
		Duration(elapsed).
		ErrorFrom(err).
		Metadata("failures", fmt.Sprintf("%d", failures)).
		Metadata("next_retry", next.Format(time.RFC3339)).
		LogToWithContext(ctx, w.events)
}

func (w *Warmer) skip(resource, reason string) {
	events.NewEvent(events.EventWarmSkipped).
		Resource(resource).
		Component(component).
		Severity(events.SeverityDebug).
		Message(reason).
		LogTo(w.events)
}

// Backoff returns the backoff state of a resource, if it has failed since its
// last success.
func (w *Warmer) Backoff(resource string) (BackoffState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.backoff[resource]
	if !ok {
		return BackoffState{}, false
	}
	return *st, true
}

// calculateDelay returns the wait after the given number of consecutive
// failures.
func calculateDelay(cfg Config, failures int) time.Duration {
	if failures <= 1 {
		return cfg.InitialDelay
	}
	delay := float64(cfg.InitialDelay)
	for i := 1; i < failures; i++ {
		delay *= cfg.Multiplier
		if delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
			break
		}
	}
	return time.Duration(delay)
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	out := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
