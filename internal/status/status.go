// Package status provides a thread-safe status tracker for the transfer
// switch daemon. It is read by the HTTP handlers and the heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/transfer-switch/internal/logic"
)

// Config contains daemon configuration for display.
type Config struct {
	Transport         string
	SwitchIntervalMs  int64
	MonitorIntervalMs int64
	DebounceMs        int64
	SwitchLabel       string
	SettingsStore     string
	Heartbeat         string
	Broker            string
	HTTPPort          string
	WSBroker          string // Websocket broker URL for browser MQTT (empty = disabled)
}

// SwitchInfo is the transfer switch coordinator state.
type SwitchInfo struct {
	State   logic.SwitchState
	Service string
	Applied logic.PowerSource
	Counts  logic.Counts
}

// InverterInfo is the Multi/Quattro state.
type InverterInfo struct {
	Service                 string
	Model                   string
	AcInputs                int
	Location                int
	Healthy                 bool
	RemoteGeneratorSelected int
}

// GeneratorInfo is the derating monitor state. Unknown readings are nil.
type GeneratorInfo struct {
	Mode           logic.AutoCurrentMode
	OutdoorTempF   *float64
	AltitudeFt     *float64
	GeneratorTempF *float64
	Multiplier     *float64
	DeratedAmps    *float64
	StoredLimit    *float64
	ACLimit        *float64
	Skip           string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Switch        SwitchInfo
	Inverter      InverterInfo
	Generator     GeneratorInfo
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Switch:    SwitchInfo{State: logic.StateUnbound},
			Generator: GeneratorInfo{Mode: logic.AutoUnknown},
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// UpdateSwitch sets the coordinator and inverter state.
// Called from runLoop after every switch tick.
func (t *Tracker) UpdateSwitch(sw SwitchInfo, inv InverterInfo) {
	t.mu.Lock()
	t.snap.Switch = sw
	t.snap.Inverter = inv
	t.mu.Unlock()
}

// UpdateGenerator sets the derating monitor state.
func (t *Tracker) UpdateGenerator(g GeneratorInfo) {
	t.mu.Lock()
	t.snap.Generator = g
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
