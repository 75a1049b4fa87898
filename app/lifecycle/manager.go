// Package lifecycle provides a life cycle manager abstracting the starting and stopping
// of processes by registered start or stop hooks.
//
// The following features are supported:
//   - Start hooks can be called synchronously or asynchronously.
//   - Start hooks can use the application context (hard shutdown) or a background context (graceful shutdown).
//   - Stop hooks are synchronous and use a shutdown context bounded by StopTimeout.
//   - Ordering of start and stop hooks.
//   - Any error from start hooks immediately triggers graceful shutdown.
//   - Closing the application context triggers graceful shutdown.
//   - Any error from stop hooks immediately triggers hard shutdown.
package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultStopTimeout matches the relay's default shutdown_grace.
const DefaultStopTimeout = 10 * time.Second

// Manager manages the router/supervisor's process life cycle via registered start and stop hooks.
type Manager struct {
	// StopTimeout bounds how long stop hooks get to run before a hard shutdown; defaults to DefaultStopTimeout.
	StopTimeout time.Duration

	mu         sync.Mutex
	started    bool
	startHooks []hook
	stopHooks  []hook
}

// RegisterStart registers a start hook. The type defines whether it is sync or async and which context is used.
// The order defines the order in which hooks are called.
func (m *Manager) RegisterStart(typ HookStartType, order OrderStart, fn IHookFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		panic(any("cycle already started"))
	}

	m.startHooks = append(m.startHooks, hook{
		Label:     order.String(),
		Order:     int(order),
		StartType: typ,
		Func:      fn,
	})
}

// RegisterStop registers a synchronous stop hook called with the shutdown context that may time out.
func (m *Manager) RegisterStop(order OrderStop, fn IHookFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		panic(any("cycle already started"))
	}

	m.stopHooks = append(m.stopHooks, hook{
		Label: order.String(),
		Order: int(order),
		Func:  fn,
	})
}

// Run the lifecycle: start all hooks, wait for shutdown, stop all hooks.
func (m *Manager) Run(appCtx context.Context) error {
	startHooks := make([]hook, len(m.startHooks))
	stopHooks := make([]hook, len(m.stopHooks))

	m.mu.Lock()

	m.started = true
	copy(startHooks, m.startHooks)
	copy(stopHooks, m.stopHooks)

	stopTimeout := m.StopTimeout

	m.mu.Unlock()

	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	sort.Slice(startHooks, func(i, j int) bool {
		return startHooks[i].Order < startHooks[j].Order
	})
	sort.Slice(stopHooks, func(i, j int) bool {
		return stopHooks[i].Order < stopHooks[j].Order
	})

	return runHooks(appCtx, startHooks, stopHooks, stopTimeout)
}
