package comlink

import (
	"encoding/json"
	"sync"
)

// MockChannel is an in-memory Channel for tests. Emit and SetStatus play the
// role of the remote peer.
type MockChannel struct {
	mu        sync.Mutex
	status    Status
	handlers  map[string]map[int]func(json.RawMessage)
	statusFns map[int]func(Status)
	nextID    int
	posted    []Message
	closed    bool
	closes    int
}

var _ Channel = (*MockChannel)(nil)

func NewMockChannel() *MockChannel {
	return &MockChannel{
		status:    StatusIdle,
		handlers:  make(map[string]map[int]func(json.RawMessage)),
		statusFns: make(map[int]func(Status)),
	}
}

func (m *MockChannel) Post(typ string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	msg := Message{Type: typ, To: PeerPresentation}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		msg.Data = b
	}
	m.posted = append(m.posted, msg)
	return nil
}

func (m *MockChannel) On(typ string, fn func(json.RawMessage)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.handlers[typ] == nil {
		m.handlers[typ] = make(map[int]func(json.RawMessage))
	}
	m.handlers[typ][id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.handlers[typ], id)
		m.mu.Unlock()
	}
}

func (m *MockChannel) OnStatus(fn func(Status)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.statusFns[id] = fn
	current := m.status
	m.mu.Unlock()
	if current != StatusIdle {
		fn(current)
	}
	return func() {
		m.mu.Lock()
		delete(m.statusFns, id)
		m.mu.Unlock()
	}
}

func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.closes++
	return nil
}

// Emit delivers a message of type typ as if sent by the peer.
func (m *MockChannel) Emit(typ string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	m.mu.Lock()
	hs := make([]func(json.RawMessage), 0, len(m.handlers[typ]))
	for _, fn := range m.handlers[typ] {
		hs = append(hs, fn)
	}
	m.mu.Unlock()
	for _, fn := range hs {
		fn(raw)
	}
}

// SetStatus changes the status and notifies listeners.
func (m *MockChannel) SetStatus(s Status) {
	m.mu.Lock()
	m.status = s
	fns := make([]func(Status), 0, len(m.statusFns))
	for _, fn := range m.statusFns {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Posted returns the messages sent so far.
func (m *MockChannel) Posted() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.posted...)
}

// Handlers returns the number of registered handlers for typ.
func (m *MockChannel) Handlers(typ string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers[typ])
}

// Closed reports whether Close was called.
func (m *MockChannel) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
