// Package mqtt provides event publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/transfer-switch/internal/logic"
)

// DefaultTopicPrefix is the topic prefix used when none is configured.
const DefaultTopicPrefix = "energy/transfer-switch"

// EventsTopic returns the topic for transfer switch and limit events.
func EventsTopic(prefix string) string { return prefix + "/events" }

// SystemTopic returns the topic for system lifecycle events.
func SystemTopic(prefix string) string { return prefix + "/system" }

// Publisher sends daemon events to an MQTT broker.
type Publisher interface {
	// Publish sends a transfer switch or limit event to the broker.
	// An error means the event was neither sent nor buffered.
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent is a daemon lifecycle event published on the system topic.
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // STARTUP, SHUTDOWN, HEARTBEAT or RECONNECTED
	Reason     string // signal name, SHUTDOWN only
	RawPayload []byte // status snapshot JSON, sent as is when set
	Retained   bool
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	TransferSwitch EventPayload `json:"transferSwitch"`
}

// EventPayload contains the event details. Only the fields that apply to
// the event type are set.
type EventPayload struct {
	Timestamp string   `json:"timestamp"`
	Event     string   `json:"event"`
	Source    string   `json:"source,omitempty"`
	Service   string   `json:"service,omitempty"`
	Mode      string   `json:"mode,omitempty"`
	Amps      *float64 `json:"amps,omitempty"`
}

// FormatPayload creates the JSON payload for an event.
func FormatPayload(event logic.Event) ([]byte, error) {
	p := EventPayload{
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Event:     string(event.Type),
		Source:    string(event.Source),
		Service:   event.Service,
	}
	switch event.Type {
	case logic.EventAutoMode:
		p.Mode = string(event.Mode)
	case logic.EventDeratedLimit, logic.EventGeneratorToAC, logic.EventACToGenerator:
		amps := event.Value
		p.Amps = &amps
	}
	return json.Marshal(Payload{TransferSwitch: p})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
