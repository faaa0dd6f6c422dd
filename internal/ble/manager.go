package ble

import (
	"context"
	"time"

	"github.com/cskr/pubsub/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// AllDevices is the topic every StateEvent is also published on.
const AllDevices = "*"

// StateEvent records one Session state transition.
type StateEvent struct {
	SessionID string
	Address   string
	From      State
	To        State
	At        time.Time
}

// Manager owns the sessions of several displays, at most one per address,
// and publishes their state transitions. A session that fails to reconnect
// is dropped; the next Session call for its address starts a fresh one.
type Manager struct {
	adapter  Adapter
	opts     SessionOptions
	sessions *xsync.MapOf[string, *Session]
	bus      *pubsub.PubSub[string, StateEvent]
}

// NewManager creates a Manager whose sessions share adapter and opts.
func NewManager(adapter Adapter, opts SessionOptions) *Manager {
	return &Manager{
		adapter:  adapter,
		opts:     opts,
		sessions: xsync.NewMapOf[string, *Session](),
		bus:      pubsub.New[string, StateEvent](16),
	}
}

// Session returns the session for dev, creating a disconnected one if none
// exists.
func (m *Manager) Session(dev Device) *Session {
	key := canonicalKey(dev.MAC)
	s, _ := m.sessions.LoadOrCompute(key, func() *Session {
		s := NewSession(m.adapter, dev, m.opts)
		s.onState = m.publish
		return s
	})
	return s
}

// Lookup returns the existing session for address.
func (m *Manager) Lookup(address string) (*Session, bool) {
	return m.sessions.Load(canonicalKey(address))
}

// Connect returns a Ready session for dev, connecting it if needed.
func (m *Manager) Connect(ctx context.Context, dev Device) (*Session, error) {
	s := m.Session(dev)
	if err := s.Connect(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Disconnect tears down and forgets the session for address.
func (m *Manager) Disconnect(address string) {
	if s, ok := m.sessions.LoadAndDelete(canonicalKey(address)); ok {
		s.Disconnect()
	}
}

// Sessions returns the number of sessions held.
func (m *Manager) Sessions() int {
	return m.sessions.Size()
}

// Subscribe returns a channel of state events for address, or for every
// session when address is AllDevices, and a function that ends the
// subscription.
func (m *Manager) Subscribe(address string) (<-chan StateEvent, func()) {
	topic := address
	if topic != AllDevices {
		topic = canonicalKey(address)
	}
	ch := m.bus.Sub(topic)
	return ch, func() {
		go m.bus.Unsub(ch, topic)
	}
}

// Close disconnects every session and shuts the event bus down.
func (m *Manager) Close() {
	m.sessions.Range(func(key string, s *Session) bool {
		m.sessions.Delete(key)
		s.Disconnect()
		return true
	})
	m.bus.Shutdown()
}

func (m *Manager) publish(ev StateEvent) {
	if ev.From == StateReconnecting && ev.To == StateDisconnected {
		m.evict(ev)
	}
	m.bus.TryPub(ev, canonicalKey(ev.Address), AllDevices)
}

// evict forgets a session whose reconnect gave up. A newer session for the
// same address is left alone.
func (m *Manager) evict(ev StateEvent) {
	m.sessions.Compute(canonicalKey(ev.Address), func(s *Session, loaded bool) (*Session, bool) {
		if !loaded {
			return s, true
		}
		return s, s.ID() == ev.SessionID
	})
}

func canonicalKey(address string) string {
	if mac, err := CanonicalMAC(address); err == nil {
		return mac
	}
	return address
}
