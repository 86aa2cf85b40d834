package status

import (
	"encoding/json"
	"math"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Switch        SwitchJSON    `json:"switch"`
	Inverter      InverterJSON  `json:"inverter"`
	Generator     GeneratorJSON `json:"generator"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Config        ConfigJSON    `json:"config"`
}

// SwitchJSON is the JSON representation of the coordinator state.
type SwitchJSON struct {
	State   string     `json:"state"`
	Service string     `json:"service,omitempty"`
	Applied string     `json:"applied,omitempty"`
	Counts  CountsJSON `json:"swap_counts"`
}

// CountsJSON is the JSON representation of profile swap counts.
type CountsJSON struct {
	ToGrid      int `json:"to_grid"`
	ToGenerator int `json:"to_generator"`
}

// InverterJSON is the JSON representation of the Multi/Quattro state.
type InverterJSON struct {
	Service                 string `json:"service,omitempty"`
	Model                   string `json:"model,omitempty"`
	AcInputs                int    `json:"ac_inputs"`
	Location                int    `json:"location"`
	Healthy                 bool   `json:"healthy"`
	RemoteGeneratorSelected int    `json:"remote_generator_selected"`
}

// GeneratorJSON is the JSON representation of the derating monitor.
// Readings are rounded to one decimal; unknown readings are omitted.
type GeneratorJSON struct {
	Mode           string   `json:"auto_current"`
	OutdoorTempF   *float64 `json:"outdoor_temp_f,omitempty"`
	AltitudeFt     *float64 `json:"altitude_ft,omitempty"`
	GeneratorTempF *float64 `json:"generator_temp_f,omitempty"`
	Multiplier     *float64 `json:"multiplier,omitempty"`
	DeratedAmps    *float64 `json:"derated_amps,omitempty"`
	StoredLimit    *float64 `json:"stored_limit,omitempty"`
	ACLimit        *float64 `json:"ac_limit,omitempty"`
	Skip           string   `json:"skip,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Transport         string `json:"transport"`
	SwitchIntervalMs  int64  `json:"switch_interval_ms"`
	MonitorIntervalMs int64  `json:"monitor_interval_ms"`
	DebounceMs        int64  `json:"debounce_ms"`
	SwitchLabel       string `json:"switch_label"`
	SettingsStore     string `json:"settings_store"`
	Heartbeat         string `json:"heartbeat,omitempty"`
	Broker            string `json:"broker"`
	HTTPPort          string `json:"http_port"`
	WSBroker          string `json:"ws_broker,omitempty"`
}

func round1(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v*10) / 10
	return &r
}

func orUnknown(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}

func buildInner(snap Snapshot) StatusInner {
	g := snap.Generator
	multiplier := g.Multiplier
	if multiplier != nil {
		m := math.Round(*multiplier*1000) / 1000
		multiplier = &m
	}

	return StatusInner{
		Switch: SwitchJSON{
			State:   orUnknown(string(snap.Switch.State)),
			Service: snap.Switch.Service,
			Applied: string(snap.Switch.Applied),
			Counts: CountsJSON{
				ToGrid:      snap.Switch.Counts.ToGrid,
				ToGenerator: snap.Switch.Counts.ToGenerator,
			},
		},
		Inverter: InverterJSON{
			Service:                 snap.Inverter.Service,
			Model:                   snap.Inverter.Model,
			AcInputs:                snap.Inverter.AcInputs,
			Location:                snap.Inverter.Location,
			Healthy:                 snap.Inverter.Healthy,
			RemoteGeneratorSelected: snap.Inverter.RemoteGeneratorSelected,
		},
		Generator: GeneratorJSON{
			Mode:           orUnknown(string(g.Mode)),
			OutdoorTempF:   round1(g.OutdoorTempF),
			AltitudeFt:     round1(g.AltitudeFt),
			GeneratorTempF: round1(g.GeneratorTempF),
			Multiplier:     multiplier,
			DeratedAmps:    round1(g.DeratedAmps),
			StoredLimit:    round1(g.StoredLimit),
			ACLimit:        round1(g.ACLimit),
			Skip:           g.Skip,
		},
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			Transport:         snap.Config.Transport,
			SwitchIntervalMs:  snap.Config.SwitchIntervalMs,
			MonitorIntervalMs: snap.Config.MonitorIntervalMs,
			DebounceMs:        snap.Config.DebounceMs,
			SwitchLabel:       snap.Config.SwitchLabel,
			SettingsStore:     snap.Config.SettingsStore,
			Heartbeat:         snap.Config.Heartbeat,
			Broker:            snap.Config.Broker,
			HTTPPort:          snap.Config.HTTPPort,
			WSBroker:          snap.Config.WSBroker,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
