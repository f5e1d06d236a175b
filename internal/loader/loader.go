// Package loader loads external SDK scripts into a page exactly once and hands
// every caller the same constructed client.
//
// A Loader is a small state machine per resource:
//
//	unloaded -> loading -> ready
//	                    -> failed -> unloaded
//
// Callers arriving while a load is in flight join it through a singleflight
// call and observe its outcome. A failed cycle resets the loader so the next
// Acquire starts over; the loader itself never retries.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/R3E-Network/sdkloader/internal/engine/events"
	"github.com/R3E-Network/sdkloader/internal/engine/metrics"
	"github.com/R3E-Network/sdkloader/internal/engine/state"
	"github.com/R3E-Network/sdkloader/internal/page"
)

const component = "loader"

// Acquire outcomes reported to metrics.
const (
	outcomeCached    = "cached"
	outcomeStarted   = "started"
	outcomeJoined    = "joined"
	outcomeAbandoned = "abandoned"
	outcomeInvalid   = "invalid"
)

// Environment is the page a loader works in. *page.Page implements it.
type Environment interface {
	HasGlobal(name string) bool
	FindScript(match func(*page.Script) bool) (*page.Script, bool)
	InjectScript(src string, attrs map[string]string) (*page.Script, <-chan error)
	RemoveScript(s *page.Script) bool
	Construct(global string, args ...interface{}) (*page.Object, error)
}

// Snapshot is a point-in-time copy of a loader's state.
type Snapshot struct {
	Resource      string      `json:"resource"`
	Phase         state.Phase `json:"phase"`
	Attempts      int         `json:"attempts"`
	Constructions int         `json:"constructions"`
	Waiters       int         `json:"waiters"`
	Locale        string      `json:"locale,omitempty"`
	ReadyAt       *time.Time  `json:"ready_at,omitempty"`
	LastFailure   string      `json:"last_failure,omitempty"`
	LastFailureAt *time.Time  `json:"last_failure_at,omitempty"`
}

// Loader owns the load lifecycle of one resource.
type Loader struct {
	res     Resource
	env     Environment
	owner   string
	log     *logrus.Entry
	metrics metrics.Recorder
	events  events.EventLogger

	group singleflight.Group

	mu            sync.Mutex
	phase         state.Phase
	handle        *Handle
	attempts      int
	constructions int
	waiters       int
	lastFailure   string
	lastFailureAt time.Time
}

// Option configures a Loader or Registry.
type Option func(*options)

type options struct {
	log     *logrus.Entry
	metrics metrics.Recorder
	events  events.EventLogger
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithEvents sets the event sink.
func WithEvents(e events.EventLogger) Option {
	return func(o *options) { o.events = e }
}

func buildOptions(opts []Option) options {
	o := options{
		log:     logrus.NewEntry(logrus.StandardLogger()),
		metrics: metrics.NewNoOpCollector(),
		events:  events.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.metrics == nil {
		o.metrics = metrics.NewNoOpCollector()
	}
	if o.events == nil {
		o.events = events.NoOpLogger{}
	}
	return o
}

// New creates a loader for res in env. The resource is validated after
// defaults are applied.
func New(res Resource, env Environment, opts ...Option) (*Loader, error) {
	res = res.WithDefaults()
	if err := res.Validate(); err != nil {
		return nil, err
	}
	if env == nil {
		return nil, errors.New("loader: nil environment")
	}
	o := buildOptions(opts)
	l := &Loader{
		res:     res,
		env:     env,
		owner:   uuid.NewString(),
		metrics: o.metrics,
		events:  o.events,
		phase:   state.PhaseUnloaded,
	}
	l.log = o.log.WithFields(logrus.Fields{"component": component, "resource": res.Name})
	l.metrics.RecordPhase(res.Name, l.phase.Gauge())
	return l, nil
}

// Resource returns the loader's resource after defaults.
func (l *Loader) Resource() Resource {
	return l.res
}

// Phase returns the current phase.
func (l *Loader) Phase() state.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Snapshot returns a copy of the loader state.
func (l *Loader) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		Resource:      l.res.Name,
		Phase:         l.phase,
		Attempts:      l.attempts,
		Constructions: l.constructions,
		Waiters:       l.waiters,
		LastFailure:   l.lastFailure,
	}
	if l.handle != nil {
		created := l.handle.CreatedAt
		snap.ReadyAt = &created
		snap.Locale = l.handle.Locale
	}
	if !l.lastFailureAt.IsZero() {
		at := l.lastFailureAt
		snap.LastFailureAt = &at
	}
	return snap
}

// Acquire returns the resource's handle, loading the script and constructing
// the client if nobody has yet. Concurrent callers share one load cycle and
// receive the same handle or the same error.
//
// ctx only bounds this caller's wait. Cancelling it does not stop the load
// for other callers. args and opts are used only by the caller that starts a
// cycle; joiners and callers after readiness get the existing outcome. opts
// are validated unless the handle already exists, in which case they are
// ignored.
func (l *Loader) Acquire(ctx context.Context, args ConstructorArgs, opts AcquireOptions) (*Handle, error) {
	l.mu.Lock()
	if l.phase == state.PhaseReady {
		h := l.handle
		l.mu.Unlock()
		l.metrics.RecordAcquire(l.res.Name, outcomeCached)
		l.emitCtx(ctx, l.event(events.EventAcquireCached).Severity(events.SeverityDebug).Phase(state.PhaseReady))
		return h, nil
	}
	if err := opts.Validate(); err != nil {
		l.mu.Unlock()
		l.metrics.RecordAcquire(l.res.Name, outcomeInvalid)
		return nil, err
	}

	var started *events.EventBuilder
	outcome := outcomeJoined
	if l.phase.CanStart() {
		started = l.transition(state.PhaseLoading)
		l.attempts++
		outcome = outcomeStarted
	}
	ch := l.group.DoChan(l.res.Name, func() (interface{}, error) {
		return l.load(args, opts)
	})
	l.waiters++
	l.mu.Unlock()

	l.metrics.RecordAcquire(l.res.Name, outcome)
	l.metrics.RecordWaiters(l.res.Name, 1)
	defer l.leave()

	if started != nil {
		l.emitCtx(ctx, started)
	} else {
		l.log.Debug("joining load in progress")
		l.emitCtx(ctx, l.event(events.EventAcquireJoined).Severity(events.SeverityDebug).Phase(state.PhaseLoading))
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		l.metrics.RecordAcquire(l.res.Name, outcomeAbandoned)
		l.emitCtx(ctx, l.event(events.EventAcquireAbandoned).Severity(events.SeverityWarning).ErrorFrom(ctx.Err()))
		return nil, ctx.Err()
	}
}

func (l *Loader) leave() {
	l.mu.Lock()
	l.waiters--
	l.mu.Unlock()
	l.metrics.RecordWaiters(l.res.Name, -1)
}

// load runs one cycle. It executes inside the singleflight call, detached
// from any caller context.
func (l *Loader) load(args ConstructorArgs, opts AcquireOptions) (*Handle, error) {
	start := time.Now()
	s := l.pick()
	l.log.WithField("strategy", s.String()).Info("loading resource")

	h, err := l.run(s, args, opts)
	l.finish(s, start, h, err)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (l *Loader) pick() strategy {
	if l.env.HasGlobal(l.res.Global) {
		return strategyConstruct
	}
	if _, ok := l.env.FindScript(l.foreign); ok {
		return strategyAwaitForeign
	}
	return strategyInject
}

// foreign matches script elements for the resource this loader did not add.
func (l *Loader) foreign(s *page.Script) bool {
	return l.res.Matches(s) && s.Attr(AttrOwner) != l.owner
}

func (l *Loader) run(s strategy, args ConstructorArgs, opts AcquireOptions) (*Handle, error) {
	switch s {
	case strategyConstruct:
		return l.construct(args, opts)
	case strategyAwaitForeign:
		return l.awaitForeign(args, opts)
	case strategyInject:
		return l.inject(args, opts)
	default:
		return nil, fmt.Errorf("unknown strategy %d", s)
	}
}

func (l *Loader) awaitForeign(args ConstructorArgs, opts AcquireOptions) (*Handle, error) {
	timeout := l.res.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	l.emit(l.event(events.EventForeignScriptFound).
		Phase(state.PhaseLoading).
		Metadata("timeout", timeout.String()))

	err := pollUntil(context.Background(), l.res.PollInterval, timeout, func() bool {
		return l.env.HasGlobal(l.res.Global)
	})
	if err != nil {
		return nil, newLoadError(l.res.Name, ErrLoadTimeout,
			fmt.Errorf("%s not defined after %s", l.res.Global, timeout))
	}
	return l.construct(args, opts)
}

func (l *Loader) inject(args ConstructorArgs, opts AcquireOptions) (*Handle, error) {
	el, done := l.env.InjectScript(l.res.Src, map[string]string{
		AttrResource: l.res.Name,
		AttrOwner:    l.owner,
	})
	l.emit(l.event(events.EventScriptInjected).
		Phase(state.PhaseLoading).
		Metadata("src", el.Src).
		Metadata("script_id", el.ID))

	if err := <-done; err != nil {
		l.remove(el)
		return nil, newLoadError(l.res.Name, ErrScriptLoad, err)
	}
	if !l.env.HasGlobal(l.res.Global) {
		l.remove(el)
		return nil, newLoadError(l.res.Name, ErrUnavailableAfterLoad,
			fmt.Errorf("%s not defined by %s", l.res.Global, l.res.Src))
	}
	return l.construct(args, opts)
}

func (l *Loader) remove(el *page.Script) {
	if l.env.RemoveScript(el) {
		l.emit(l.event(events.EventScriptRemoved).
			Phase(state.PhaseLoading).
			Metadata("script_id", el.ID))
	}
}

func (l *Loader) construct(args ConstructorArgs, opts AcquireOptions) (*Handle, error) {
	locale := resolveLocale(l.res, args, opts)
	obj, err := l.env.Construct(l.res.Global, args.PublicKey, constructorOptions(locale, args))
	if err != nil {
		return nil, newLoadError(l.res.Name, ErrConstruction, err)
	}
	l.metrics.RecordConstruction(l.res.Name)
	l.emit(l.event(events.EventHandleConstructed).
		Phase(state.PhaseLoading).
		Metadata("locale", locale))
	return &Handle{
		Resource:  l.res.Name,
		Locale:    locale,
		CreatedAt: time.Now().UTC(),
		obj:       obj,
	}, nil
}

// finish records the outcome and leaves the loader ready or unloaded. The
// singleflight key is forgotten under the lock, so a caller that sees the
// reset phase always starts a new call.
func (l *Loader) finish(s strategy, start time.Time, h *Handle, err error) {
	elapsed := time.Since(start)

	l.mu.Lock()
	var changes []*events.EventBuilder
	if err == nil {
		l.handle = h
		l.constructions++
		changes = append(changes, l.transition(state.PhaseReady))
	} else {
		changes = append(changes, l.transition(state.PhaseFailed))
		l.lastFailure = err.Error()
		l.lastFailureAt = time.Now().UTC()
		changes = append(changes, l.transition(state.PhaseUnloaded))
	}
	l.group.Forget(l.res.Name)
	l.mu.Unlock()

	for _, c := range changes {
		l.emit(c)
	}

	l.metrics.RecordLoad(l.res.Name, s.String(), elapsed, err)
	done := l.event(events.EventLoadSucceeded).
		Phase(state.PhaseReady).
		Duration(elapsed).
		Metadata("strategy", s.String())
	if err != nil {
		kind := KindName(err)
		l.metrics.RecordFailure(l.res.Name, kind)
		l.log.WithError(err).WithField("kind", kind).Warn("resource load failed")
		done = l.event(events.EventLoadFailed).
			Phase(state.PhaseUnloaded).
			Duration(elapsed).
			Metadata("strategy", s.String()).
			Metadata("kind", kind).
			ErrorFrom(err)
	} else {
		l.log.WithFields(logrus.Fields{"locale": h.Locale, "elapsed": elapsed}).Info("resource ready")
	}
	l.emit(done)
}

// transition moves to the next phase. The caller holds l.mu and emits the
// returned event after unlocking.
func (l *Loader) transition(to state.Phase) *events.EventBuilder {
	from := l.phase
	if !state.CanTransition(from, to) {
		panic(state.NewTransitionError(from, to))
	}
	l.phase = to
	l.metrics.RecordPhase(l.res.Name, to.Gauge())
	return l.event(events.EventPhaseChanged).
		Severity(events.SeverityDebug).
		Phase(to).
		Metadata("from", from.String())
}

func (l *Loader) event(t events.EventType) *events.EventBuilder {
	return events.NewEvent(t).Resource(l.res.Name).Component(component)
}

func (l *Loader) emit(b *events.EventBuilder) {
	b.LogTo(l.events)
}

func (l *Loader) emitCtx(ctx context.Context, b *events.EventBuilder) {
	b.LogToWithContext(ctx, l.events)
}
