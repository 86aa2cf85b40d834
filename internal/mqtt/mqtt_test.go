package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/transfer-switch/internal/logic"
)

func TestTopics(t *testing.T) {
	if got := EventsTopic(DefaultTopicPrefix); got != "energy/transfer-switch/events" {
		t.Errorf("unexpected events topic: %s", got)
	}
	if got := SystemTopic("boat/ats"); got != "boat/ats/system" {
		t.Errorf("unexpected system topic: %s", got)
	}
}

func TestFormatPayloadSwitchEvent(t *testing.T) {
	event := logic.Event{
		Timestamp: time.Date(2026, 2, 2, 22, 18, 12, 0, time.UTC),
		Type:      logic.EventToGenerator,
		Source:    logic.SourceGenerator,
		Service:   "com.victronenergy.digitalinput.4",
	}

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"transferSwitch":{"timestamp":"2026-02-02T22:18:12Z","event":"TO_GENERATOR","source":"GENERATOR","service":"com.victronenergy.digitalinput.4"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatPayloadLimitEvents(t *testing.T) {
	for _, typ := range []logic.EventType{logic.EventDeratedLimit, logic.EventGeneratorToAC, logic.EventACToGenerator} {
		t.Run(string(typ), func(t *testing.T) {
			payload, err := FormatPayload(logic.Event{Timestamp: time.Now(), Type: typ, Value: 40.6})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var parsed Payload
			if err := json.Unmarshal(payload, &parsed); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if parsed.TransferSwitch.Amps == nil || *parsed.TransferSwitch.Amps != 40.6 {
				t.Errorf("expected amps 40.6, got %v", parsed.TransferSwitch.Amps)
			}
			if parsed.TransferSwitch.Mode != "" {
				t.Errorf("limit events should not carry a mode, got %s", parsed.TransferSwitch.Mode)
			}
		})
	}
}

func TestFormatPayloadZeroAmpsKept(t *testing.T) {
	payload, _ := FormatPayload(logic.Event{Timestamp: time.Now(), Type: logic.EventDeratedLimit, Value: 0})
	var parsed map[string]map[string]any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatal(err)
	}
	if v, ok := parsed["transferSwitch"]["amps"]; !ok || v != 0.0 {
		t.Errorf("a zero limit should still be published, got %v", parsed)
	}
}

func TestFormatPayloadAutoMode(t *testing.T) {
	payload, err := FormatPayload(logic.Event{
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Type:      logic.EventAutoMode,
		Mode:      logic.AutoEnabled,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"transferSwitch":{"timestamp":"2026-03-01T09:00:00Z","event":"AUTO_MODE","mode":"ENABLED"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatPayloadTimezoneConversion(t *testing.T) {
	loc := time.FixedZone("NZDT", 13*3600)
	payload, _ := FormatPayload(logic.Event{
		Timestamp: time.Date(2026, 1, 15, 10, 0, 0, 0, loc),
		Type:      logic.EventSwitchLost,
	})
	var parsed Payload
	json.Unmarshal(payload, &parsed)
	if parsed.TransferSwitch.Timestamp != "2026-01-14T21:00:00Z" {
		t.Errorf("expected UTC timestamp, got %s", parsed.TransferSwitch.Timestamp)
	}
}

func TestFormatSystemPayload(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"SHUTDOWN","reason":"MQTT_DISCONNECT"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatSystemPayloadOmitsReason(t *testing.T) {
	payload, _ := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC),
		Event:     "RECONNECTED",
	})
	expected := `{"system":{"timestamp":"2026-02-10T14:30:00Z","event":"RECONNECTED"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"system":{"event":"HEARTBEAT"}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: "ignored", RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("raw payload should pass through, got %s", payload)
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()
	events := []logic.Event{
		{Timestamp: time.Now(), Type: logic.EventSwitchBound, Source: logic.SourceGrid},
		{Timestamp: time.Now(), Type: logic.EventToGenerator, Source: logic.SourceGenerator},
	}
	for _, e := range events {
		if err := f.Publish(e); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got := f.EventTypes()
	if len(got) != 2 || got[0] != logic.EventSwitchBound || got[1] != logic.EventToGenerator {
		t.Errorf("unexpected events: %v", got)
	}
	if len(f.Payloads) != 2 {
		t.Errorf("expected 2 payloads, got %d", len(f.Payloads))
	}
}

func TestFakePublisherErrors(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("broker down")
	f.PublishSystemError = errors.New("broker down")

	if err := f.Publish(logic.Event{Type: logic.EventToGrid}); err == nil {
		t.Error("expected publish error")
	}
	if err := f.PublishSystem(SystemEvent{Event: "STARTUP"}); err == nil {
		t.Error("expected publish system error")
	}
	if len(f.Events) != 0 || len(f.SystemEvents) != 0 {
		t.Error("failed publishes should not be recorded")
	}
}

func TestFakePublisherSystemEvents(t *testing.T) {
	f := NewFakePublisher()
	f.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: "STARTUP", Retained: true})
	f.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: "HEARTBEAT"})

	names := f.SystemEventNames()
	if len(names) != 2 || names[0] != "STARTUP" || names[1] != "HEARTBEAT" {
		t.Errorf("unexpected system events: %v", names)
	}
	if !f.SystemEvents[0].Retained || f.SystemEvents[1].Retained {
		t.Error("retained flag not recorded")
	}
}

func TestFakePublisherCloseAndConnected(t *testing.T) {
	f := NewFakePublisher()
	if f.IsConnected() {
		t.Error("fake should start disconnected")
	}
	f.Connected = true
	if !f.IsConnected() {
		t.Error("expected connected")
	}
	f.Close()
	if !f.Closed {
		t.Error("expected Closed after Close()")
	}
}
