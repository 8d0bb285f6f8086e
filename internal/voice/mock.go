package voice

import (
	"context"
	"sync"
)

// MockEngine is an in-process engine. It acknowledges starts immediately
// unless a failure has been queued or the start gate is held.
type MockEngine struct {
	mu        sync.Mutex
	listeners []func(Event)
	failures  []error
	gate      chan struct{}
	starts    []StartConfig
	stops     int
	active    bool
	closed    bool
}

func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// MockFactory returns a factory that hands out new mock engines and reports
// each one through created.
func MockFactory(created func(*MockEngine)) Factory {
	return func(context.Context) (Engine, error) {
		m := NewMockEngine()
		if created != nil {
			created(m)
		}
		return m, nil
	}
}

func (m *MockEngine) Start(ctx context.Context, cfg StartConfig) error {
	m.mu.Lock()
	m.starts = append(m.starts, cfg)
	gate := m.gate
	var err error
	if len(m.failures) > 0 {
		err = m.failures[0]
		m.failures = m.failures[1:]
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	m.active = true
	m.mu.Unlock()
	m.Emit(Event{Kind: EventStarted})
	return nil
}

func (m *MockEngine) Stop(context.Context) error {
	m.mu.Lock()
	m.stops++
	wasActive := m.active
	m.active = false
	m.mu.Unlock()
	if wasActive {
		m.Emit(Event{Kind: EventEnded})
	}
	return nil
}

func (m *MockEngine) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.active = false
	return nil
}

// Emit delivers ev to every listener synchronously.
func (m *MockEngine) Emit(ev Event) {
	m.mu.Lock()
	listeners := append([]func(Event){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// FailNextStart queues err as the result of the next Start call.
func (m *MockEngine) FailNextStart(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, err)
}

// HoldStarts makes Start block until the returned release func is called.
func (m *MockEngine) HoldStarts() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.gate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

func (m *MockEngine) Starts() []StartConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StartConfig(nil), m.starts...)
}

func (m *MockEngine) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

func (m *MockEngine) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *MockEngine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
