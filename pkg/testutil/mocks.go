// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// MockCDN is an in-memory script host implementing the page fetcher. Unknown
// sources are served with an empty body.
type MockCDN struct {
	mu      sync.Mutex
	scripts map[string]string
	hits    map[string]int
	gate    chan struct{}
	respond func(src string) (string, error)
}

// NewMockCDN creates a CDN serving the given src -> body map.
func NewMockCDN(scripts map[string]string) *MockCDN {
	m := &MockCDN{
		scripts: make(map[string]string, len(scripts)),
		hits:    make(map[string]int),
	}
	for src, body := range scripts {
		m.scripts[src] = body
	}
	return m
}

// Fetch returns the body for src, blocking while the CDN is held.
func (m *MockCDN) Fetch(ctx context.Context, src string) ([]byte, error) {
	m.mu.Lock()
	m.hits[src]++
	gate := m.gate
	respond := m.respond
	body := m.scripts[src]
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if respond != nil {
		var err error
		if body, err = respond(src); err != nil {
			return nil, err
		}
	}
	return []byte(body), nil
}

// SetScript adds or replaces a script body.
func (m *MockCDN) SetScript(src, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[src] = body
}

// Respond overrides the script map for every later fetch. A nil fn restores it.
func (m *MockCDN) Respond(fn func(src string) (string, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = fn
}

// Hold makes fetches block until the returned channel is closed.
func (m *MockCDN) Hold() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	return m.gate
}

// Hits returns how many times src was fetched.
func (m *MockCDN) Hits(src string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[src]
}

// QuietLogger returns a logrus entry that discards everything.
func QuietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
