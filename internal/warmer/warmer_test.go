package warmer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/sdkloader/internal/engine/events"
	"github.com/R3E-Network/sdkloader/internal/engine/state"
	"github.com/R3E-Network/sdkloader/internal/loader"
	"github.com/R3E-Network/sdkloader/pkg/testutil"
)

type fakeRegistry struct {
	mu     sync.Mutex
	phase  map[string]state.Phase
	fail   map[string]error
	calls  map[string]int
	lastPK string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		phase: make(map[string]state.Phase),
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeRegistry) Acquire(ctx context.Context, name string, args loader.ConstructorArgs, opts loader.AcquireOptions) (*loader.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	f.lastPK = args.PublicKey
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	f.phase[name] = state.PhaseReady
	return &loader.Handle{Resource: name}, nil
}

func (f *fakeRegistry) Snapshot(name string) (loader.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "unknown" {
		return loader.Snapshot{}, loader.ErrUnknownResource
	}
	return loader.Snapshot{Resource: name, Phase: f.phase[name]}, nil
}

func (f *fakeRegistry) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRegistry) SetFail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var quietLogger = testutil.QuietLogger

func TestWarmer_TickAcquiresUnloaded(t *testing.T) {
	reg := newFakeRegistry()
	rb := events.NewRingBuffer(32)
	w := New(reg, []Target{{Resource: "mercadopago", Args: loader.ConstructorArgs{PublicKey: "pk"}}},
		DefaultConfig(), WithLogger(quietLogger()), WithEvents(rb))

	w.Tick(context.Background())
	assert.Equal(t, 1, reg.Calls("mercadopago"))
	assert.Equal(t, "pk", reg.lastPK)
	assert.Len(t, rb.RecentByType(events.EventWarmAttempt, 10), 1)

	// Ready resources are skipped.
	w.Tick(context.Background())
	assert.Equal(t, 1, reg.Calls("mercadopago"))
	skipped := rb.RecentByType(events.EventWarmSkipped, 10)
	require.Len(t, skipped, 1)
	assert.Equal(t, "ready", skipped[0].Message)
}

func TestWarmer_SkipsLoading(t *testing.T) {
	reg := newFakeRegistry()
	reg.phase["mercadopago"] = state.PhaseLoading
	w := New(reg, []Target{{Resource: "mercadopago"}}, DefaultConfig(), WithLogger(quietLogger()))

	w.Tick(context.Background())
	assert.Zero(t, reg.Calls("mercadopago"))
}

func TestWarmer_Backoff(t *testing.T) {
	reg := newFakeRegistry()
	reg.SetFail("mercadopago", errors.New("script failed to load"))
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	cfg := Config{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2}
	w := New(reg, []Target{{Resource: "mercadopago"}}, cfg, WithLogger(quietLogger()), WithClock(clk.Now))

	w.Tick(context.Background())
	st, ok := w.Backoff("mercadopago")
	require.True(t, ok)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, time.Second, st.Delay)
	assert.Equal(t, "script failed to load", st.LastError)

	// Inside the window: no attempt.
	clk.Advance(500 * time.Millisecond)
	w.Tick(context.Background())
	assert.Equal(t, 1, reg.Calls("mercadopago"))

	clk.Advance(time.Second)
	w.Tick(context.Background())
	assert.Equal(t, 2, reg.Calls("mercadopago"))
	st, _ = w.Backoff("mercadopago")
	assert.Equal(t, 2*time.Second, st.Delay)

	clk.Advance(2 * time.Second)
	w.Tick(context.Background())
	clk.Advance(4 * time.Second)
	w.Tick(context.Background())
	st, _ = w.Backoff("mercadopago")
	assert.Equal(t, 4, st.Failures)
	assert.Equal(t, 4*time.Second, st.Delay, "capped at MaxDelay")

	// Success clears the state.
	reg.SetFail("mercadopago", nil)
	clk.Advance(4 * time.Second)
	w.Tick(context.Background())
	_, ok = w.Backoff("mercadopago")
	assert.False(t, ok)
}

// gatedRegistry hands every Acquire's result to the test through calls.
type gatedRegistry struct {
	calls chan chan error
}

func (g *gatedRegistry) Acquire(ctx context.Context, name string, args loader.ConstructorArgs, opts loader.AcquireOptions) (*loader.Handle, error) {
	reply := make(chan error)
	g.calls <- reply
	if err := <-reply; err != nil {
		return nil, err
	}
	return &loader.Handle{Resource: name}, nil
}

func (g *gatedRegistry) Snapshot(name string) (loader.Snapshot, error) {
	return loader.Snapshot{Resource: name, Phase: state.PhaseUnloaded}, nil
}

func TestWarmer_OverlappingTicksCountEveryFailure(t *testing.T) {
	reg := &gatedRegistry{calls: make(chan chan error)}
	w := New(reg, []Target{{Resource: "mercadopago"}}, DefaultConfig(), WithLogger(quietLogger()))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Tick(context.Background())
		}()
	}
	first, second := <-reg.calls, <-reg.calls

	second <- errors.New("script failed to load")
	require.Eventually(t, func() bool {
		_, ok := w.Backoff("mercadopago")
		return ok
	}, time.Second, 5*time.Millisecond)

	first <- errors.New("script failed to load")
	wg.Wait()

	st, ok := w.Backoff("mercadopago")
	require.True(t, ok)
	assert.Equal(t, 2, st.Failures)
	assert.Equal(t, 2*time.Second, st.Delay)
}

func TestWarmer_UnknownResource(t *testing.T) {
	reg := newFakeRegistry()
	w := New(reg, []Target{{Resource: "unknown"}, {Resource: "mercadopago"}}, DefaultConfig(), WithLogger(quietLogger()))

	w.Tick(context.Background())
	assert.Zero(t, reg.Calls("unknown"))
	assert.Equal(t, 1, reg.Calls("mercadopago"))
}

func TestWarmer_StartStop(t *testing.T) {
	reg := newFakeRegistry()
	w := New(reg, []Target{{Resource: "mercadopago"}}, Config{Schedule: "@every 1s"}, WithLogger(quietLogger()))

	require.NoError(t, w.Start())
	assert.ErrorIs(t, w.Start(), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return reg.Calls("mercadopago") >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, w.Stop(ctx))
	assert.NoError(t, w.Stop(ctx))
}

func TestWarmer_StartInvalidSchedule(t *testing.T) {
	w := New(newFakeRegistry(), nil, Config{Schedule: "every now and then"}, WithLogger(quietLogger()))
	assert.Error(t, w.Start())

	w = New(newFakeRegistry(), nil, Config{}, WithLogger(quietLogger()))
	assert.ErrorIs(t, w.Start(), ErrNoSchedule)
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{20, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateDelay(cfg, tt.failures), "failures=%d", tt.failures)
	}
}
