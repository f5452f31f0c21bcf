// Package remote adapts the operator event channel to the controller.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adam-Doria/GuardDog/internal/contracts"
)

// ErrNotConnected is returned when emitting while the operator link is down.
var ErrNotConnected = errors.New("remote link not connected")

// SessionState is the state of the operator session.
type SessionState int32

const (
	Disconnected SessionState = iota
	Connected
)

func (s SessionState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Transport is a bidirectional, auto-reconnecting event channel.
// Implemented by client.MQTTClient.
type Transport interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Publish(ctx context.Context, event string, payload []byte) error
	Subscribe(event string, handler func(payload []byte)) error
	SetOnConnectionUp(callback func())
	SetOnConnectionDown(callback func(error))
	IsConnected() bool
}

// PayloadValidator checks a payload against a named contract.
type PayloadValidator interface {
	Validate(message any, contractType string) error
}

// Handlers are the controller callbacks driven by transport events.
type Handlers struct {
	OnConnected    func()
	OnDisconnected func(err error)
	OnLiftAlert    func(payload []byte)
}

// Link is the robot's session with the operator system.
//
// Only transport callbacks change the session state. Emits never wait for a
// connection: when the link is down they fail fast with ErrNotConnected.
type Link struct {
	transport      Transport
	validator      PayloadValidator
	robotID        string
	publishTimeout time.Duration

	mu       sync.RWMutex
	handlers Handlers

	state  atomic.Int32
	logger *log.Logger
}

// NewLink creates a disconnected link. validator may be nil to skip contract checks.
func NewLink(transport Transport, validator PayloadValidator, robotID string) *Link {
	return &Link{
		transport:      transport,
		validator:      validator,
		robotID:        robotID,
		publishTimeout: 5 * time.Second,
		logger:         log.Default(),
	}
}

// SetHandlers installs the controller callbacks. Call before Connect.
func (l *Link) SetHandlers(h Handlers) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = h
}

func (l *Link) currentHandlers() Handlers {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handlers
}

// State returns the session state.
func (l *Link) State() SessionState {
	return SessionState(l.state.Load())
}

// Connect subscribes to inbound commands and starts the transport.
// A failed initial connect is returned, but the transport keeps retrying.
func (l *Link) Connect(ctx context.Context) error {
	l.transport.SetOnConnectionUp(l.handleUp)
	l.transport.SetOnConnectionDown(l.handleDown)

	if err := l.transport.Subscribe(contracts.TypeDisableAlert, l.handleDisableAlert); err != nil {
		return fmt.Errorf("subscribe %s: %w", contracts.TypeDisableAlert, err)
	}

	if err := l.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect operator link: %w", err)
	}
	return nil
}

// Disconnect closes the transport.
func (l *Link) Disconnect(ctx context.Context) error {
	err := l.transport.Close(ctx)
	l.state.Store(int32(Disconnected))
	return err
}

// EmitTrigger sends an intruder-detected event.
func (l *Link) EmitTrigger(ctx context.Context, ev contracts.IntruderDetected) error {
	return l.emit(ctx, contracts.TypeIntruderDetected, ev)
}

// PublishHealth sends a heartbeat.
func (l *Link) PublishHealth(ctx context.Context, h contracts.Health) error {
	return l.emit(ctx, contracts.TypeHealth, h)
}

func (l *Link) emit(ctx context.Context, event string, payload any) error {
	if l.validator != nil {
		if err := l.validator.Validate(payload, event); err != nil {
			return err
		}
	}
	if l.State() != Connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, l.publishTimeout)
	defer cancel()

	return l.transport.Publish(pubCtx, event, data)
}

func (l *Link) handleUp() {
	reg := contracts.NewRegister(l.robotID)
	data, err := json.Marshal(reg)
	if err == nil && l.validator != nil {
		err = l.validator.Validate(reg, contracts.TypeRegister)
	}
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.publishTimeout)
		err = l.transport.Publish(ctx, contracts.TypeRegister, data)
		cancel()
	}
	if err != nil {
		l.logger.Printf("WARN: Failed to register with operator system: %v", err)
	} else {
		l.logger.Printf("INFO: Registered as robot %s", l.robotID)
	}

	l.state.Store(int32(Connected))
	if h := l.currentHandlers(); h.OnConnected != nil {
		h.OnConnected()
	}
}

func (l *Link) handleDown(err error) {
	l.state.Store(int32(Disconnected))
	l.logger.Printf("WARN: Operator link down: %v", err)
	if h := l.currentHandlers(); h.OnDisconnected != nil {
		h.OnDisconnected(err)
	}
}

func (l *Link) handleDisableAlert(payload []byte) {
	l.logger.Printf("INFO: Received %s", contracts.TypeDisableAlert)
	if h := l.currentHandlers(); h.OnLiftAlert != nil {
		h.OnLiftAlert(payload)
	}
}
