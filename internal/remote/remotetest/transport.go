// Package remotetest provides an in-memory remote.Transport for tests.
package remotetest

import (
	"context"
	"errors"
	"sync"
)

// ErrDown is returned by Publish while the fake is disconnected.
var ErrDown = errors.New("fake transport down")

// Message is one published payload.
type Message struct {
	Event   string
	Payload []byte
}

// Transport records publishes and lets tests drive connection events.
type Transport struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	upOnConnect bool
	onUp        func()
	onDown      func(error)
	handlers    map[string]func([]byte)
	published   []Message
	closed      bool
}

// New returns a transport that comes up as soon as Connect is called.
func New() *Transport {
	return &Transport{upOnConnect: true, handlers: make(map[string]func([]byte))}
}

// NewOffline returns a transport whose Connect fails with err and never comes up by itself.
func NewOffline(err error) *Transport {
	t := New()
	t.upOnConnect = false
	t.connectErr = err
	return t
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	up := t.upOnConnect
	err := t.connectErr
	t.mu.Unlock()

	if up {
		t.Up()
	}
	return err
}

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.Down(errors.New("closed"))
	return nil
}

func (t *Transport) Publish(ctx context.Context, event string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrDown
	}
	t.published = append(t.published, Message{Event: event, Payload: append([]byte(nil), payload...)})
	return nil
}

func (t *Transport) Subscribe(event string, handler func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = handler
	return nil
}

func (t *Transport) SetOnConnectionUp(callback func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUp = callback
}

func (t *Transport) SetOnConnectionDown(callback func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDown = callback
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Up simulates a (re)connection.
func (t *Transport) Up() {
	t.mu.Lock()
	t.connected = true
	cb := t.onUp
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Down simulates a lost connection. It reports only if the transport was up.
func (t *Transport) Down(err error) {
	t.mu.Lock()
	was := t.connected
	t.connected = false
	cb := t.onDown
	t.mu.Unlock()
	if was && cb != nil {
		cb(err)
	}
}

// Deliver simulates an inbound message. It reports whether a handler was registered.
func (t *Transport) Deliver(event string, payload []byte) bool {
	t.mu.Lock()
	h := t.handlers[event]
	t.mu.Unlock()
	if h == nil {
		return false
	}
	h(payload)
	return true
}

// Published returns the publishes of event, or all publishes when event is "".
func (t *Transport) Published(event string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Message
	for _, m := range t.published {
		if event == "" || m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
