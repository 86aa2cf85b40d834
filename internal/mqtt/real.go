package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/transfer-switch/internal/logic"
)

const (
	bufferCapacity = 100
	publishTimeout = 5 * time.Second
	connectTimeout = 10 * time.Second
)

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed on reconnect.
type RealPublisher struct {
	client      paho.Client
	eventsTopic string
	systemTopic string
	logger      *zap.Logger

	mu         sync.Mutex
	buffer     *ringBuffer
	everOnline bool
	now        func() time.Time
}

// NewRealPublisher creates a publisher connected to broker. The broker's
// last will marks the daemon as gone if the connection drops.
func NewRealPublisher(broker, topicPrefix string, logger *zap.Logger) (*RealPublisher, error) {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	p := &RealPublisher{
		eventsTopic: EventsTopic(topicPrefix),
		systemTopic: SystemTopic(topicPrefix),
		logger:      logger,
		buffer:      newRingBuffer(bufferCapacity),
		now:         time.Now,
	}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("transfer-switch-"+uuid.NewString()[:8]).
		SetBinaryWill(p.systemTopic, will, 1, true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("event broker connection lost", zap.Error(err))
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// The client keeps retrying; events are buffered until it connects.
		logger.Warn("event broker not reachable yet", zap.String("broker", broker))
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	reconnect := p.everOnline
	p.everOnline = true
	msgs, dropped := p.buffer.drainAll()
	p.mu.Unlock()

	if reconnect {
		p.logger.Info("event broker reconnected", zap.Int("buffered", len(msgs)), zap.Int("dropped", dropped))
		payload, err := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"})
		if err == nil {
			c.Publish(p.systemTopic, 1, false, payload)
		}
	}
	for _, m := range msgs {
		c.Publish(m.topic, m.qos, m.retained, m.payload)
	}
}

func (p *RealPublisher) send(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		firstDrop := p.buffer.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		if firstDrop {
			p.logger.Warn("event buffer full, dropping oldest", zap.Int("capacity", bufferCapacity))
		}
		return nil
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Publish sends an event to the broker.
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return p.send(p.eventsTopic, 1, false, payload)
}

// PublishSystem sends a system lifecycle event to the broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.send(p.systemTopic, 1, event.Retained, payload)
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
