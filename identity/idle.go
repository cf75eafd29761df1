package identity

import (
	"context"
	"sync"
	"time"
)

// DefaultIdleTimeout logs the user out after 30 minutes without activity.
const DefaultIdleTimeout = 30 * time.Minute

// IdleManager fires callbacks after a period without Touch calls.
type IdleManager struct {
	mu        sync.Mutex
	timeout   time.Duration
	timer     *time.Timer
	gen       uint64
	callbacks []func(ctx context.Context)
	fallback  func(ctx context.Context)
	active    func() bool
}

// NewIdleManager returns a stopped manager. fallback runs after the
// registered callbacks and may be nil.
func NewIdleManager(timeout time.Duration, fallback func(ctx context.Context)) *IdleManager {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &IdleManager{timeout: timeout, fallback: fallback}
}

// Timeout returns the configured idle period.
func (m *IdleManager) Timeout() time.Duration {
	return m.timeout
}

// Register adds fn to the callbacks run on idle.
func (m *IdleManager) Register(fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// RearmWhile sets the predicate reporting whether the session the timer guards
// is still live. An expiry finding it false runs nothing; an expiry after which
// it still holds (for example a failed idle logout) arms the timer again.
func (m *IdleManager) RearmWhile(active func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = active
}

// Start arms the timer. Calling Start on a running manager restarts it.
func (m *IdleManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arm()
}

// Touch records activity. It has no effect while stopped.
func (m *IdleManager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer == nil {
		return
	}
	m.arm()
}

// Stop disarms the timer.
func (m *IdleManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Running reports whether the timer is armed.
func (m *IdleManager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

func (m *IdleManager) arm() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(m.timeout, func() { m.fire(gen) })
}

func (m *IdleManager) fire(gen uint64) {
	m.mu.Lock()
	if m.timer == nil || m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	callbacks := append([]func(context.Context){}, m.callbacks...)
	fallback := m.fallback
	active := m.active
	m.mu.Unlock()

	if active != nil && !active() {
		return
	}

	ctx := context.Background()
	for _, fn := range callbacks {
		fn(ctx)
	}
	if fallback != nil {
		fallback(ctx)
	}

	if active == nil || !active() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Start or Stop during the callbacks take precedence.
	if m.timer == nil && m.gen == gen {
		m.arm()
	}
}
