package events

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/sdkloader/internal/engine/state"
)

func TestRingBuffer_Log(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Log(Event{
		Type:     EventLoadStarted,
		Resource: "mercadopago",
		Message:  "test message",
	})

	if rb.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rb.Count())
	}

	recent := rb.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("Recent(1) len = %d, want 1", len(recent))
	}
	if recent[0].Resource != "mercadopago" {
		t.Errorf("Resource = %q, want 'mercadopago'", recent[0].Resource)
	}
	if recent[0].ID == "" {
		t.Error("ID should be auto-generated")
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("Timestamp should be auto-set")
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)

	for i := 0; i < 10; i++ {
		rb.Log(Event{
			Type:    EventLoadStarted,
			Message: string(rune('A' + i)),
		})
	}

	if rb.Count() != 5 {
		t.Errorf("Count() = %d, want 5 (capped)", rb.Count())
	}

	recent := rb.Recent(5)
	if len(recent) != 5 {
		t.Fatalf("Recent(5) len = %d, want 5", len(recent))
	}
	if recent[0].Message != "J" {
		t.Errorf("Most recent message = %q, want 'J'", recent[0].Message)
	}
	if recent[4].Message != "F" {
		t.Errorf("Oldest message = %q, want 'F'", recent[4].Message)
	}
}

func TestRingBuffer_Recent(t *testing.T) {
	rb := NewRingBuffer(10)

	for i := 0; i < 5; i++ {
		rb.Log(Event{Type: EventLoadStarted, Message: string(rune('A' + i))})
	}

	t.Run("request more than available", func(t *testing.T) {
		if got := len(rb.Recent(100)); got != 5 {
			t.Errorf("len = %d, want 5", got)
		}
	})

	t.Run("request zero", func(t *testing.T) {
		if rb.Recent(0) != nil {
			t.Error("Recent(0) should return nil")
		}
	})

	t.Run("request negative", func(t *testing.T) {
		if rb.Recent(-1) != nil {
			t.Error("Recent(-1) should return nil")
		}
	})
}

func TestRingBuffer_RecentByResource(t *testing.T) {
	rb := NewRingBuffer(100)

	rb.Log(Event{Type: EventLoadStarted, Resource: "mercadopago"})
	rb.Log(Event{Type: EventLoadStarted, Resource: "maps"})
	rb.Log(Event{Type: EventScriptInjected, Resource: "mercadopago"})
	rb.Log(Event{Type: EventLoadSucceeded, Resource: "maps"})
	rb.Log(Event{Type: EventLoadSucceeded, Resource: "mercadopago"})

	recent := rb.RecentByResource("mercadopago", 10)
	if len(recent) != 3 {
		t.Errorf("len = %d, want 3", len(recent))
	}
	for _, e := range recent {
		if e.Resource != "mercadopago" {
			t.Errorf("Resource = %q, want 'mercadopago'", e.Resource)
		}
	}
	if recent[0].Type != EventLoadSucceeded {
		t.Errorf("newest Type = %v, want %v", recent[0].Type, EventLoadSucceeded)
	}
}

func TestRingBuffer_RecentByType(t *testing.T) {
	rb := NewRingBuffer(100)

	rb.Log(Event{Type: EventScriptInjected, Resource: "a"})
	rb.Log(Event{Type: EventScriptRemoved, Resource: "a"})
	rb.Log(Event{Type: EventScriptInjected, Resource: "b"})
	rb.Log(Event{Type: EventLoadFailed, Resource: "a"})

	recent := rb.RecentByType(EventScriptInjected, 10)
	if len(recent) != 2 {
		t.Errorf("len = %d, want 2", len(recent))
	}
	for _, e := range recent {
		if e.Type != EventScriptInjected {
			t.Errorf("Type = %v, want EventScriptInjected", e.Type)
		}
	}
}

func TestRingBuffer_Subscribe(t *testing.T) {
	rb := NewRingBuffer(10)

	var received []Event
	var mu sync.Mutex

	unsubscribe := rb.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	rb.Log(Event{Type: EventLoadStarted, Resource: "test"})
	rb.Log(Event{Type: EventLoadSucceeded, Resource: "test"})

	mu.Lock()
	if len(received) != 2 {
		t.Errorf("received %d events, want 2", len(received))
	}
	mu.Unlock()

	unsubscribe()
	rb.Log(Event{Type: EventAcquireCached, Resource: "test"})

	mu.Lock()
	if len(received) != 2 {
		t.Errorf("received %d events after unsubscribe, want 2", len(received))
	}
	mu.Unlock()
}

func TestRingBuffer_SubscribeFiltered(t *testing.T) {
	rb := NewRingBuffer(10)

	var received atomic.Int32
	rb.SubscribeFiltered(func(e Event) bool {
		return e.Type == EventLoadFailed
	}, func(Event) {
		received.Add(1)
	})

	rb.Log(Event{Type: EventLoadFailed, Resource: "a"})
	rb.Log(Event{Type: EventLoadSucceeded, Resource: "a"})
	rb.Log(Event{Type: EventLoadFailed, Resource: "b"})

	if received.Load() != 2 {
		t.Errorf("received %d events, want 2 (only EventLoadFailed)", received.Load())
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Log(Event{Type: EventLoadStarted})
	rb.Log(Event{Type: EventLoadSucceeded})
	rb.Clear()

	if rb.Count() != 0 {
		t.Errorf("Count() after clear = %d, want 0", rb.Count())
	}
	if rb.Recent(10) != nil {
		t.Error("Recent after clear should be nil")
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(1000)

	var wg sync.WaitGroup
	var receivedCount atomic.Int64

	rb.Subscribe(func(Event) {
		receivedCount.Add(1)
	})

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rb.Log(Event{
					Type:     EventAcquireJoined,
					Resource: string(rune('A' + id)),
				})
			}
		}(i)
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = rb.Recent(10)
				_ = rb.RecentByType(EventAcquireJoined, 5)
				time.Sleep(time.Microsecond)
			}
		}()
	}

	wg.Wait()

	if rb.Count() != 1000 {
		t.Errorf("Count() = %d, want 1000", rb.Count())
	}
	if receivedCount.Load() != 1000 {
		t.Errorf("receivedCount = %d, want 1000", receivedCount.Load())
	}
}

func TestLogWithContext(t *testing.T) {
	rb := NewRingBuffer(10)

	ctx := WithTraceID(context.Background(), "trace-123")
	ctx = WithRequestID(ctx, "req-456")

	rb.LogWithContext(ctx, Event{Type: EventLoadStarted})

	recent := rb.Recent(1)
	if len(recent) != 1 {
		t.Fatal("expected 1 event")
	}
	if recent[0].TraceID != "trace-123" {
		t.Errorf("TraceID = %q, want 'trace-123'", recent[0].TraceID)
	}
	if recent[0].RequestID != "req-456" {
		t.Errorf("RequestID = %q, want 'req-456'", recent[0].RequestID)
	}
}

func TestEventBuilder(t *testing.T) {
	event := NewEvent(EventScriptInjected).
		Resource("mercadopago").
		Component("loader").
		Phase(state.PhaseLoading).
		Severity(SeverityDebug).
		Message("script injected").
		Duration(100*time.Millisecond).
		Metadata("src", "https://sdk.mercadopago.com/js/v2").
		Build()

	if event.Type != EventScriptInjected {
		t.Errorf("Type = %v, want EventScriptInjected", event.Type)
	}
	if event.Resource != "mercadopago" {
		t.Errorf("Resource = %q, want 'mercadopago'", event.Resource)
	}
	if event.Component != "loader" {
		t.Errorf("Component = %q, want 'loader'", event.Component)
	}
	if event.Phase != state.PhaseLoading {
		t.Errorf("Phase = %v, want PhaseLoading", event.Phase)
	}
	if event.Severity != SeverityDebug {
		t.Errorf("Severity = %v, want SeverityDebug", event.Severity)
	}
	if event.Duration != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", event.Duration)
	}
	if event.Metadata["src"] != "https://sdk.mercadopago.com/js/v2" {
		t.Errorf("Metadata[src] = %q", event.Metadata["src"])
	}
	if event.ID == "" {
		t.Error("ID should be auto-generated")
	}
}

func TestEventBuilder_ErrorFrom(t *testing.T) {
	t.Run("with error", func(t *testing.T) {
		event := NewEvent(EventLoadFailed).
			ErrorFrom(context.DeadlineExceeded).
			Build()

		if event.Error != context.DeadlineExceeded.Error() {
			t.Errorf("Error = %q, want %q", event.Error, context.DeadlineExceeded.Error())
		}
		if event.Severity != SeverityError {
			t.Errorf("Severity = %v, want SeverityError", event.Severity)
		}
	})

	t.Run("with nil error", func(t *testing.T) {
		event := NewEvent(EventLoadSucceeded).ErrorFrom(nil).Build()
		if event.Error != "" {
			t.Errorf("Error = %q, want empty", event.Error)
		}
		if event.Severity != SeverityInfo {
			t.Errorf("Severity = %v, want SeverityInfo", event.Severity)
		}
	})
}

func TestEventBuilder_LogTo(t *testing.T) {
	rb := NewRingBuffer(10)

	NewEvent(EventLoadStarted).
		Resource("test").
		Message("hello").
		LogTo(rb)

	if rb.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rb.Count())
	}
}

func TestLogrusHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})

	handler := LogrusHandler(logrus.NewEntry(logger))
	handler(NewEvent(EventLoadFailed).
		Resource("mercadopago").
		Phase(state.PhaseFailed).
		Message("load failed").
		ErrorFrom(context.DeadlineExceeded).
		Build())

	out := buf.String()
	for _, want := range []string{"level=error", "resource=mercadopago", "phase=failed", "load failed", "event=load.failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestNoOpLogger(t *testing.T) {
	var logger NoOpLogger

	logger.Log(Event{})
	logger.LogWithContext(context.Background(), Event{})
	unsubscribe := logger.Subscribe(func(Event) {})
	unsubscribe()
	_ = logger.Recent(10)
	_ = logger.RecentByResource("test", 10)
	_ = logger.RecentByType(EventLoadStarted, 10)
}

func TestEvent_String(t *testing.T) {
	str := Event{Type: EventLoadStarted, Resource: "test", Phase: state.PhaseLoading}.String()
	if !strings.HasPrefix(str, "{") {
		t.Errorf("String() = %q, want JSON", str)
	}
	if !strings.Contains(str, `"phase":"loading"`) {
		t.Errorf("String() = %q, want phase rendered by name", str)
	}
}
