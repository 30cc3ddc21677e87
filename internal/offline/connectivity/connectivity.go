// Package connectivity reports whether the server is reachable.
//
// A Provider answers IsOnline and notifies subscribers on transitions. It never
// touches the queue; the daemon subscribes and decides when to drain.
package connectivity

import (
	"sync"
	"time"
)

// Provider reports reachability and notifies subscribers on change.
type Provider interface {
	IsOnline() bool

	// Subscribe registers fn for transitions and returns a function that
	// removes it. fn is called with the new state, never concurrently with
	// itself for the same subscription.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Manual is a Provider whose state is set by the host: tests, the CLI's
// --online flag, or a platform callback.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int

	// notify serializes callbacks so subscribers see transitions in order.
	notify sync.Mutex
}

// NewManual returns a Manual provider in the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, subs: make(map[int]func(bool))}
}

// IsOnline implements Provider.
func (m *Manual) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe implements Provider.
func (m *Manual) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Set updates the state and notifies subscribers if it changed. It reports
// whether a transition happened.
func (m *Manual) Set(online bool) bool {
	m.notify.Lock()
	defer m.notify.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
	return true
}

// Subscribers returns the number of live subscriptions.
func (m *Manual) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// OnOnline calls fn once each time p goes online and stays online for at
// least debounce. Flapping inside the window collapses into a single call,
// and going offline before the window elapses cancels it. The returned stop
// function unsubscribes and cancels any pending call.
func OnOnline(p Provider, debounce time.Duration, fn func()) (stop func()) {
	var (
		mu      sync.Mutex
		timer   *time.Timer
		gen     int
		stopped bool
	)

	fire := func(want int) {
		mu.Lock()
		if stopped || want != gen || !p.IsOnline() {
			mu.Unlock()
			return
		}
		mu.Unlock()
		fn()
	}

	unsubscribe := p.Subscribe(func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		gen++
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		if !online {
			return
		}
		want := gen
		timer = time.AfterFunc(debounce, func() { fire(want) })
	})

	return func() {
		unsubscribe()
		mu.Lock()
		stopped = true
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}
}
