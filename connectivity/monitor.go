package connectivity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Monitor translates raw SignalSource observations into a single current
// Snapshot and notifies subscribers on every distinct transition.
type Monitor struct {
	source SignalSource
	log    zerolog.Logger

	mu      sync.Mutex
	snap    Snapshot
	subs    map[int]func(Snapshot)
	nextID  int
	started bool
}

func NewMonitor(source SignalSource, log zerolog.Logger) *Monitor {
	return &Monitor{
		source: source,
		log:    log,
		// Optimistic until the first real signal arrives: a wrongly
		// pessimistic default would suppress connects on startup.
		snap: Snapshot{Connected: true, Class: ClassUnknown, ObservedAt: time.Now()},
		subs: make(map[int]func(Snapshot)),
	}
}

// Start begins consuming signals. If the source is unavailable the monitor
// degrades to the optimistic default and keeps serving Current.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	signals, err := m.source.Signals(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("connectivity signal source unavailable; assuming connected")
		return nil
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				m.apply(sig)
			}
		}
	}()
	return nil
}

// Current returns the last known snapshot. It never blocks and is safe to
// call from any goroutine.
func (m *Monitor) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Subscribe registers a handler invoked on every transition where the
// connected flag or the class differs from the previous snapshot. The
// returned function cancels the subscription.
func (m *Monitor) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Monitor) apply(sig Signal) {
	connected := sig.Reachable && len(sig.Classes) > 0
	class := BestClass(sig.Classes)
	if !connected {
		class = ClassNone
	}

	m.mu.Lock()
	if connected == m.snap.Connected && class == m.snap.Class {
		// Idempotent repeat; no notification.
		m.mu.Unlock()
		return
	}
	next := Snapshot{Connected: connected, Class: class, ObservedAt: time.Now()}
	m.snap = next
	handlers := m.handlersLocked()
	m.mu.Unlock()

	m.log.Debug().
		Bool("connected", next.Connected).
		Stringer("class", next.Class).
		Msg("connectivity changed")
	for _, fn := range handlers {
		fn(next)
	}
}

// handlersLocked snapshots subscribers in registration order so delivery
// order is stable.
func (m *Monitor) handlersLocked() []func(Snapshot) {
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.subs[id])
	}
	return handlers
}
