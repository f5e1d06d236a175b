// Package page models the document an external SDK is loaded into: a goja
// JavaScript runtime whose global object receives SDK entry points, plus the
// list of script elements and the asynchronous pipeline that fetches and
// executes them.
//
// A goja runtime is not safe for concurrent use, so every access to it goes
// through the page mutex. Fetching happens outside the lock.
package page

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultFetchTimeout bounds a single script download.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultExecTimeout bounds a single synchronous run inside the runtime.
	DefaultExecTimeout = 5 * time.Second
)

var (
	// ErrGlobalMissing is returned when a named global is not defined.
	ErrGlobalMissing = errors.New("global is not defined")
	// ErrNotFunction is returned when a called member is not a function.
	ErrNotFunction = errors.New("member is not a function")
)

// Fetcher downloads script bodies.
type Fetcher interface {
	Fetch(ctx context.Context, src string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, src string) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, src string) ([]byte, error) {
	return f(ctx, src)
}

// Page is a headless document backed by a goja runtime.
type Page struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	scripts []*Script

	fetcher      Fetcher
	fetchTimeout time.Duration
	execTimeout  time.Duration
	log          *logrus.Entry
}

// Option configures a Page.
type Option func(*Page)

// WithLogger sets the entry used for page and console output.
func WithLogger(log *logrus.Entry) Option {
	return func(p *Page) {
		if log != nil {
			p.log = log
		}
	}
}

// WithFetchTimeout bounds each script download.
func WithFetchTimeout(d time.Duration) Option {
	return func(p *Page) {
		if d > 0 {
			p.fetchTimeout = d
		}
	}
}

// WithExecTimeout bounds each synchronous run in the runtime.
func WithExecTimeout(d time.Duration) Option {
	return func(p *Page) {
		if d > 0 {
			p.execTimeout = d
		}
	}
}

// New creates an empty page that loads scripts through fetcher.
func New(fetcher Fetcher, opts ...Option) *Page {
	p := &Page{
		vm:           goja.New(),
		fetcher:      fetcher,
		fetchTimeout: DefaultFetchTimeout,
		execTimeout:  DefaultExecTimeout,
		log:          logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.installConsole()
	return p
}

// installConsole bridges console.* inside the runtime to the page logger.
func (p *Page) installConsole() {
	console := p.vm.NewObject()
	bind := func(name string, logf func(args ...interface{})) {
		_ = console.Set(name, func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			logf(args...)
			return goja.Undefined()
		})
	}
	entry := p.log.WithField("source", "console")
	bind("log", entry.Info)
	bind("info", entry.Info)
	bind("debug", entry.Debug)
	bind("warn", entry.Warn)
	bind("error", entry.Error)
	_ = p.vm.Set("console", console)
}

// HasGlobal reports whether name is defined on the global object and is
// neither undefined nor null.
func (p *Page) HasGlobal(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return defined(p.vm.Get(name))
}

// SetGlobal assigns a Go value to a global name.
func (p *Page) SetGlobal(name string, value interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vm.Set(name, value)
}

// Eval runs inline source in the page, as an inline script element would.
func (p *Page) Eval(source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.guard(func() error {
		_, err := p.vm.RunScript("inline", source)
		return err
	})
}

// Construct calls `new <global>(args...)` and wraps the result.
func (p *Page) Construct(global string, args ...interface{}) (*Object, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctor := p.vm.Get(global)
	if !defined(ctor) {
		return nil, fmt.Errorf("%s: %w", global, ErrGlobalMissing)
	}

	values := make([]goja.Value, len(args))
	for i, arg := range args {
		values[i] = p.vm.ToValue(arg)
	}

	var obj *goja.Object
	err := p.guard(func() error {
		var err error
		obj, err = p.vm.New(ctor, values...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("new %s: %w", global, err)
	}
	return &Object{page: p, obj: obj}, nil
}

// guard runs fn with the execution timeout armed. The caller holds p.mu.
func (p *Page) guard(fn func() error) error {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		timer := time.NewTimer(p.execTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.vm.Interrupt("execution timeout")
		case <-done:
		}
	}()

	err := fn()

	close(done)
	<-stopped
	p.vm.ClearInterrupt()
	return err
}

func defined(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

// =============================================================================
// Script elements
// =============================================================================

// Script is one script element of the page. Its fields never change after
// creation.
type Script struct {
	ID    string
	Src   string
	Async bool
	attrs map[string]string
}

// Attr returns the value of an attribute, or "" when absent.
func (s *Script) Attr(name string) string {
	return s.attrs[name]
}

// Attrs returns a copy of the element's attributes.
func (s *Script) Attrs() map[string]string {
	out := make(map[string]string, len(s.attrs))
	for k, v := range s.attrs {
		out[k] = v
	}
	return out
}

// Scripts returns the current script elements in document order.
func (p *Page) Scripts() []*Script {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Script, len(p.scripts))
	copy(out, p.scripts)
	return out
}

// FindScript returns the first script element accepted by match.
func (p *Page) FindScript(match func(*Script) bool) (*Script, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.scripts {
		if match(s) {
			return s, true
		}
	}
	return nil, false
}

// InjectScript appends a new async script element and starts loading it. The
// returned channel receives exactly one value: nil for the load event, or the
// fetch/execution error for the error event.
func (p *Page) InjectScript(src string, attrs map[string]string) (*Script, <-chan error) {
	s := &Script{
		ID:    uuid.NewString(),
		Src:   src,
		Async: true,
		attrs: make(map[string]string, len(attrs)),
	}
	for k, v := range attrs {
		s.attrs[k] = v
	}

	p.mu.Lock()
	p.scripts = append(p.scripts, s)
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{"src": src, "script_id": s.ID}).Debug("script element appended")

	done := make(chan error, 1)
	go func() {
		done <- p.load(s)
		close(done)
	}()
	return s, done
}

// RemoveScript detaches a script element. It reports whether the element was
// still part of the page.
func (p *Page) RemoveScript(s *Script) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.scripts {
		if existing == s {
			p.scripts = append(p.scripts[:i], p.scripts[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Page) load(s *Script) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.fetchTimeout)
	defer cancel()

	body, err := p.fetcher.Fetch(ctx, s.Src)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", s.Src, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.guard(func() error {
		_, err := p.vm.RunScript(s.Src, string(body))
		return err
	})
	if err != nil {
		return fmt.Errorf("execute %s: %w", s.Src, err)
	}
	return nil
}
