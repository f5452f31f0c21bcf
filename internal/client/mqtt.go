// Package client holds the network clients of the robot: the MQTT operator
// link transport and the Redis event journal.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("MQTT client not connected")

// MQTTClient wraps the autopaho ConnectionManager for the operator link.
//
// Events map to topics as <topicPrefix>/<robotID>/<event>. Handlers registered
// with Subscribe are re-subscribed on every connection, so they survive broker
// restarts and clean sessions.
type MQTTClient struct {
	brokerURL   string
	clientID    string
	topicPrefix string
	robotID     string

	connectTimeout time.Duration

	mu         sync.RWMutex
	cm         *autopaho.ConnectionManager
	connected  bool
	onConnUp   func()
	onConnDown func(error)
	handlers   map[string]func(payload []byte)

	logger *log.Logger
}

// NewMQTTClient creates a new MQTTClient for the robot.
func NewMQTTClient(brokerURL, clientID, topicPrefix, robotID string) *MQTTClient {
	return &MQTTClient{
		brokerURL:      brokerURL,
		clientID:       clientID,
		topicPrefix:    strings.TrimSuffix(topicPrefix, "/"),
		robotID:        robotID,
		connectTimeout: 10 * time.Second,
		handlers:       make(map[string]func([]byte)),
		logger:         log.Default(),
	}
}

// Topic returns the topic carrying event for this robot.
func (m *MQTTClient) Topic(event string) string {
	return fmt.Sprintf("%s/%s/%s", m.topicPrefix, m.robotID, event)
}

// SetOnConnectionUp sets the callback for when connection is established.
// It runs after every subscription has been restored.
func (m *MQTTClient) SetOnConnectionUp(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnUp = callback
}

// SetOnConnectionDown sets the callback for when connection is lost.
func (m *MQTTClient) SetOnConnectionDown(callback func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnDown = callback
}

// IsConnected returns the current connection state.
func (m *MQTTClient) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Connect starts the connection manager and waits for the first connection.
// The manager keeps reconnecting in the background until ctx is cancelled or
// Close is called, even when the initial wait fails.
func (m *MQTTClient) Connect(ctx context.Context) error {
	serverURL, err := url.Parse(m.brokerURL)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}

	cliCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     20,
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			m.logger.Printf("INFO: MQTT connection established to %s", m.brokerURL)
			m.resubscribe(cm)

			m.mu.Lock()
			m.connected = true
			callback := m.onConnUp
			m.mu.Unlock()

			if callback != nil {
				callback()
			}
		},
		OnConnectError: func(err error) {
			m.logger.Printf("WARN: MQTT connection error: %v", err)
			m.markDown(err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.clientID,
			OnClientError: func(err error) {
				m.logger.Printf("ERROR: MQTT client error: %v", err)
				m.markDown(err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				reasonStr := ""
				if d.Properties != nil {
					reasonStr = d.Properties.ReasonString
				}
				m.logger.Printf("WARN: MQTT server disconnect: code=%d reason=%s", d.ReasonCode, reasonStr)
				m.markDown(fmt.Errorf("server disconnect: code=%d", d.ReasonCode))
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.handleMessage(pr.Packet)
					return true, nil
				},
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cliCfg)
	if err != nil {
		return fmt.Errorf("failed to create MQTT connection: %w", err)
	}

	m.mu.Lock()
	m.cm = cm
	m.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	if err := cm.AwaitConnection(connectCtx); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// markDown records a lost connection and reports it once.
func (m *MQTTClient) markDown(err error) {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	callback := m.onConnDown
	m.mu.Unlock()

	if wasConnected && callback != nil {
		callback(err)
	}
}

// Close disconnects from the MQTT broker.
func (m *MQTTClient) Close(ctx context.Context) error {
	m.mu.Lock()
	cm := m.cm
	m.cm = nil
	m.mu.Unlock()

	if cm == nil {
		return nil
	}

	m.logger.Printf("INFO: Disconnecting from MQTT broker...")

	disconnectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := cm.Disconnect(disconnectCtx)
	m.markDown(errors.New("client closed"))
	return err
}

// Publish sends payload on the event topic with QoS 1.
func (m *MQTTClient) Publish(ctx context.Context, event string, payload []byte) error {
	m.mu.RLock()
	cm := m.cm
	connected := m.connected
	m.mu.RUnlock()

	if cm == nil || !connected {
		return ErrNotConnected
	}

	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.Topic(event),
		QoS:     1,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event, err)
	}
	return nil
}

// Subscribe registers handler for inbound event messages. It may be called
// before Connect; the subscription is sent on every connection.
func (m *MQTTClient) Subscribe(event string, handler func(payload []byte)) error {
	if event == "" || handler == nil {
		return fmt.Errorf("event and handler are required")
	}

	m.mu.Lock()
	m.handlers[event] = handler
	cm := m.cm
	connected := m.connected
	m.mu.Unlock()

	if !connected || cm == nil {
		return nil
	}
	return m.subscribe(context.Background(), cm, []string{event})
}

func (m *MQTTClient) resubscribe(cm *autopaho.ConnectionManager) {
	m.mu.RLock()
	events := make([]string, 0, len(m.handlers))
	for event := range m.handlers {
		events = append(events, event)
	}
	m.mu.RUnlock()

	if len(events) == 0 {
		return
	}
	if err := m.subscribe(context.Background(), cm, events); err != nil {
		m.logger.Printf("ERROR: %v", err)
	}
}

func (m *MQTTClient) subscribe(ctx context.Context, cm *autopaho.ConnectionManager, events []string) error {
	subs := make([]paho.SubscribeOptions, 0, len(events))
	for _, event := range events {
		subs = append(subs, paho.SubscribeOptions{Topic: m.Topic(event), QoS: 1})
	}

	subCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := cm.Subscribe(subCtx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		return fmt.Errorf("failed to subscribe to %v: %w", events, err)
	}
	for _, s := range subs {
		m.logger.Printf("INFO: Subscribed to MQTT topic %s", s.Topic)
	}
	return nil
}

// handleMessage routes an inbound message to the handler of its event.
func (m *MQTTClient) handleMessage(p *paho.Publish) {
	prefix := fmt.Sprintf("%s/%s/", m.topicPrefix, m.robotID)
	if !strings.HasPrefix(p.Topic, prefix) {
		m.logger.Printf("DEBUG: Ignoring message on foreign topic %s", p.Topic)
		return
	}
	event := strings.TrimPrefix(p.Topic, prefix)

	m.mu.RLock()
	handler := m.handlers[event]
	m.mu.RUnlock()

	if handler == nil {
		m.logger.Printf("DEBUG: No handler for event %s", event)
		return
	}
	handler(p.Payload)
}
