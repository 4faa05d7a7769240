package offline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/remote"
)

// ReconnectingID identifies the transient "reconnecting" notification.
const ReconnectingID = "reconnecting"

// ReconnectingMessage is shown while the connection is down.
const ReconnectingMessage = "Reconectando…"

// Monitor follows the store's connectivity signal, drives the queue state
// and shows a transient indicator while disconnected.
type Monitor struct {
	store    remote.Store
	queue    *Queue
	notifier notify.Notifier
	log      *zap.Logger

	mu        sync.Mutex
	seen      bool
	connected bool
	listeners []func(bool)
	stop      func()
}

// NewMonitor returns a Monitor for store feeding queue.
func NewMonitor(store remote.Store, queue *Queue, notifier notify.Notifier, logger *zap.Logger) *Monitor {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{store: store, queue: queue, notifier: notifier, log: logger.Named("connectivity")}
}

// OnChange registers fn to run on every connectivity change.
func (m *Monitor) OnChange(fn func(connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start subscribes to the connectivity signal.
func (m *Monitor) Start(ctx context.Context) error {
	stop, err := m.store.Subscribe(ctx, remote.ConnectedPath, remote.EventValue, func(ev remote.Event) {
		m.set(ev.Bool())
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to connectivity: %w", err)
	}
	m.mu.Lock()
	m.stop = stop
	m.mu.Unlock()
	return nil
}

// Stop unsubscribes.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Connected reports the last known state.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Monitor) set(connected bool) {
	m.mu.Lock()
	changed := !m.seen || m.connected != connected
	first := !m.seen
	m.seen = true
	m.connected = connected
	listeners := append(([]func(bool))(nil), m.listeners...)
	m.mu.Unlock()

	if !changed {
		return
	}
	if m.queue != nil {
		m.queue.SetConnected(connected)
	}
	switch {
	case connected && !first:
		m.log.Info("connection restored")
		m.notifier.Dismiss(ReconnectingID)
	case !connected:
		m.log.Warn("connection lost")
		notify.Transient(m.notifier, ReconnectingID, ReconnectingMessage)
	}
	for _, fn := range listeners {
		fn(connected)
	}
}
