// Command transfer-switch follows a grid/generator transfer switch wired to
// a Venus OS digital input, swaps the Multi/Quattro AC input profile to match,
// and keeps the generator current limit derated for heat and altitude.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sweeney/transfer-switch/internal/autocurrent"
	"github.com/sweeney/transfer-switch/internal/bus"
	"github.com/sweeney/transfer-switch/internal/config"
	"github.com/sweeney/transfer-switch/internal/gpio"
	"github.com/sweeney/transfer-switch/internal/inverter"
	"github.com/sweeney/transfer-switch/internal/logging"
	"github.com/sweeney/transfer-switch/internal/logic"
	"github.com/sweeney/transfer-switch/internal/mqtt"
	"github.com/sweeney/transfer-switch/internal/sensor"
	"github.com/sweeney/transfer-switch/internal/settings"
	"github.com/sweeney/transfer-switch/internal/status"
	"github.com/sweeney/transfer-switch/internal/transfer"
	"github.com/sweeney/transfer-switch/internal/web"
)

func main() {
	configPath := flag.String("c", "", "Path to YAML config file (environment and defaults only when empty)")
	printState := flag.Bool("print-state", false, "Print the discovered devices and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *printState, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg *config.Config, printState bool, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw, err := openBus(cfg.Bus, logger.Named("bus"))
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer raw.Close()

	var b bus.Bus = bus.WithTimeout(raw, cfg.Bus.CallTimeout)
	if cfg.GPIO.Enabled {
		reader, err := gpio.NewRealReader(cfg.GPIO.Chip, cfg.GPIO.Pin)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		input := gpio.NewInputService(reader, gpio.ServiceName(cfg.GPIO.Pin), cfg.GPIO.Name, cfg.GPIO.ActiveOn == "grid")
		defer input.Close()

		mux := bus.NewMux(b)
		mux.Mount(input.Service(), input)
		b = mux
		logger.Info("serving gpio input", zap.String("service", input.Service()), zap.Int("pin", cfg.GPIO.Pin))
	}

	store, err := openStore(ctx, cfg.Settings, b, logger.Named("settings"))
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}

	d := newDaemon(b, store, cfg, logger)
	if printState {
		return printDevices(ctx, os.Stdout, d.coord, d.monitor, store)
	}

	var publisher mqtt.Publisher = discardPublisher{}
	var mqttStatus mqtt.ConnectionStatus
	if cfg.Events.Broker != "" {
		p, err := mqtt.NewRealPublisher(cfg.Events.Broker, cfg.Events.TopicPrefix, logger.Named("mqtt"))
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		publisher, mqttStatus = p, p
	}
	defer publisher.Close()

	tracker := status.NewTracker(time.Now(), status.Config{
		Transport:         cfg.Bus.Transport,
		SwitchIntervalMs:  cfg.Switch.Interval.Milliseconds(),
		MonitorIntervalMs: cfg.Monitor.Interval.Milliseconds(),
		DebounceMs:        cfg.Switch.Debounce.Milliseconds(),
		SwitchLabel:       cfg.Switch.Label,
		SettingsStore:     cfg.Settings.Store,
		Heartbeat:         cfg.Events.Heartbeat,
		Broker:            cfg.Events.Broker,
		HTTPPort:          cfg.HTTP.Addr,
		WSBroker:          cfg.HTTP.WSBroker,
	})

	snap := tracker.Snapshot()
	if err := publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}); err != nil {
		logger.Warn("failed to publish startup event", zap.Error(err))
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, mqtt.EventsTopic(cfg.Events.TopicPrefix))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info("http status server listening", zap.String("addr", cfg.HTTP.Addr))
	}

	heartbeat := make(chan struct{}, 1)
	if cfg.Events.Heartbeat != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Events.Heartbeat, func() {
			select {
			case heartbeat <- struct{}{}:
			default:
			}
		}); err != nil {
			return fmt.Errorf("schedule heartbeat: %w", err)
		}
		c.Start()
		defer c.Stop()
	}

	logger.Info("started",
		zap.String("transport", cfg.Bus.Transport),
		zap.Duration("switch_interval", cfg.Switch.Interval),
		zap.Duration("monitor_interval", cfg.Monitor.Interval),
		zap.String("label", cfg.Switch.Label),
		zap.String("settings", cfg.Settings.Store))

	switchTicker := time.NewTicker(cfg.Switch.Interval)
	defer switchTicker.Stop()
	monitorTick := delayedTicks(ctx, cfg.Monitor.StartDelay, cfg.Monitor.Interval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	d.publisher, d.mqttStatus, d.tracker = publisher, mqttStatus, tracker
	err = d.runLoop(ctx, switchTicker.C, monitorTick, heartbeat, sigCh)

	// Leave the inverter's generator flag clear once nothing maintains it.
	d.coord.Inverter().Release(context.Background())
	return err
}

// newDaemon wires the coordinator and the monitor to b. The caller sets the
// publisher and tracker before running the loop.
func newDaemon(b bus.Bus, store settings.Store, cfg *config.Config, logger *zap.Logger) *daemon {
	registry := sensor.NewRegistry(b, logger.Named("sensor"))
	inv := inverter.New(b, store, logger.Named("inverter"))
	coord := transfer.New(b, registry, inv, store, transfer.Config{
		Label:       cfg.Switch.Label,
		SearchEvery: cfg.Switch.SearchEvery,
		Debounce:    cfg.Switch.Debounce,
	}, logger.Named("transfer"))

	monCfg := autocurrent.DefaultConfig()
	monCfg.OutdoorRetries = cfg.Monitor.OutdoorRetries
	monCfg.RetryDelay = cfg.Monitor.RetryDelay
	monCfg.Rediscover = cfg.Monitor.Rediscover
	mon := autocurrent.New(b, registry, store, inv, coord, monCfg, logger.Named("autocurrent"))

	return &daemon{
		coord:     coord,
		monitor:   mon,
		publisher: discardPublisher{},
		logger:    logger,
		now:       time.Now,
	}
}

func openBus(cfg config.BusConfig, logger *zap.Logger) (interface {
	bus.Bus
	io.Closer
}, error) {
	if cfg.Transport == "mqtt" {
		return bus.NewVenusMQTT(bus.VenusConfig{
			Broker:            cfg.Broker,
			PortalID:          cfg.PortalID,
			ClientID:          "transfer-switch-bus-" + uuid.NewString()[:8],
			ConnectTimeout:    cfg.ConnectTimeout,
			KeepaliveInterval: cfg.KeepaliveInterval,
		}, logger)
	}
	return bus.ConnectDBus()
}

func openStore(ctx context.Context, cfg config.SettingsConfig, b bus.Bus, logger *zap.Logger) (settings.Store, error) {
	var store settings.Store
	switch cfg.Store {
	case "file":
		fs, err := settings.NewFileStore(cfg.File, logger)
		if err != nil {
			return nil, err
		}
		go func() {
			err := fs.Watch(ctx, func() { logger.Info("settings file reloaded", zap.String("path", cfg.File)) })
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("settings file watch stopped", zap.Error(err))
			}
		}()
		store = fs
	default:
		bs := settings.NewBusStore(b)
		if err := bs.Register(ctx); err != nil {
			logger.Warn("could not register all settings", zap.Error(err))
		}
		store = bs
	}

	if _, err := settings.SanitizeGridType(ctx, store, logger); err != nil {
		logger.Warn("could not check stored grid input type", zap.Error(err))
	}
	return store, nil
}

// delayedTicks delivers a tick after delay and then every interval until ctx
// is done. Ticks are dropped while the receiver is busy.
func delayedTicks(ctx context.Context, delay, interval time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case t := <-timer.C:
			ch <- t
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				select {
				case ch <- t:
				default:
				}
			}
		}
	}()
	return ch
}

// discardPublisher is used when no event broker is configured.
type discardPublisher struct{}

func (discardPublisher) Publish(logic.Event) error            { return nil }
func (discardPublisher) PublishSystem(mqtt.SystemEvent) error { return nil }
func (discardPublisher) Close() error                         { return nil }

// daemon runs both control loops on one goroutine so the coordinator and the
// monitor never touch the bus concurrently.
type daemon struct {
	coord      *transfer.Coordinator
	monitor    *autocurrent.Monitor
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	logger     *zap.Logger
	now        func() time.Time

	monitorStarted bool
}

func (d *daemon) runLoop(ctx context.Context, switchTick, monitorTick <-chan time.Time, heartbeat <-chan struct{}, sig <-chan os.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-sig:
			d.shutdown(s)
			return nil
		case <-switchTick:
			d.switchTick(ctx)
		case <-monitorTick:
			d.monitorTick(ctx)
		case <-heartbeat:
			d.heartbeat()
		}
	}
}

func (d *daemon) switchTick(ctx context.Context) {
	d.publish(d.coord.Tick(ctx, d.now()))
	d.updateSwitch()
}

// monitorTick discovers the sensors on its first run.
func (d *daemon) monitorTick(ctx context.Context) {
	if !d.monitorStarted {
		d.monitor.Discover(ctx)
		d.monitorStarted = true
	}
	d.publish(d.monitor.Tick(ctx, d.now()))
	d.tracker.UpdateGenerator(generatorInfo(d.monitor.Snapshot()))
}

func (d *daemon) heartbeat() {
	d.refreshMQTT()
	snap := d.tracker.Snapshot()
	d.logger.Info("heartbeat",
		zap.String("state", string(snap.Switch.State)),
		zap.Int("to_grid", snap.Switch.Counts.ToGrid),
		zap.Int("to_generator", snap.Switch.Counts.ToGenerator))
	if err := d.publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "HEARTBEAT",
		RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
	}); err != nil {
		d.logger.Warn("heartbeat publish error", zap.Error(err))
	}
}

func (d *daemon) shutdown(s os.Signal) {
	d.logger.Info("shutting down", zap.String("signal", s.String()))
	reason := signalName(s)
	d.refreshMQTT()
	snap := d.tracker.Snapshot()
	if err := d.publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:  d.now(),
		Event:      "SHUTDOWN",
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", reason),
	}); err != nil {
		d.logger.Warn("failed to publish shutdown event", zap.Error(err))
	}
}

func (d *daemon) publish(events []logic.Event) {
	for _, e := range events {
		if err := d.publisher.Publish(e); err != nil {
			d.logger.Warn("publish error", zap.String("event", string(e.Type)), zap.Error(err))
		}
	}
}

func (d *daemon) refreshMQTT() {
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
}

func (d *daemon) updateSwitch() {
	inv := d.coord.Inverter()
	d.tracker.UpdateSwitch(
		status.SwitchInfo{
			State:   d.coord.State(),
			Service: d.coord.Binding().Service,
			Applied: d.coord.Applied(),
			Counts:  d.coord.Counts(),
		},
		status.InverterInfo{
			Service:                 inv.Service(),
			Model:                   inv.Model(),
			AcInputs:                inv.AcInputs(),
			Location:                inv.Location(),
			Healthy:                 inv.Healthy(),
			RemoteGeneratorSelected: inv.RemoteGeneratorSelected(),
		},
	)
	d.refreshMQTT()
}

func generatorInfo(s autocurrent.Snapshot) status.GeneratorInfo {
	return status.GeneratorInfo{
		Mode:           s.Mode,
		OutdoorTempF:   s.Inputs.OutdoorTempF,
		AltitudeFt:     s.Inputs.AltitudeFt,
		GeneratorTempF: s.Inputs.GeneratorTempF,
		Multiplier:     s.Multiplier,
		DeratedAmps:    s.DeratedAmps,
		StoredLimit:    s.StoredLimit,
		ACLimit:        s.ACLimit,
		Skip:           string(s.Skip),
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// printDevices reports what discovery finds without writing to any device.
func printDevices(ctx context.Context, w io.Writer, coord *transfer.Coordinator, mon *autocurrent.Monitor, store settings.Store) error {
	if b, ok := coord.Find(ctx); ok {
		fmt.Fprintf(w, "switch: %s (%q) %s\n", b.Service, b.Label, b.LastKnown)
	} else {
		fmt.Fprintln(w, "switch: not found")
	}

	inv := coord.Inverter()
	inv.Refresh(ctx)
	if inv.Service() != "" {
		fmt.Fprintf(w, "inverter: %s %s, %d AC input(s)\n", inv.Model(), inv.Service(), inv.AcInputs())
	} else {
		fmt.Fprintln(w, "inverter: not found")
	}

	if p, err := settings.LoadProfile(ctx, store); err != nil {
		fmt.Fprintf(w, "profile: unreadable: %v\n", err)
	} else {
		fmt.Fprintf(w, "profile: grid type %d, grid limit %g A, generator limit %g A\n",
			p.GridInputType, p.GridCurrentLimit, p.GeneratorCurrentLimit)
	}

	mon.Discover(ctx)
	snap := mon.Snapshot()
	fmt.Fprintf(w, "outdoor sensor: %s\n", orNone(snap.Sensors.Outdoor))
	fmt.Fprintf(w, "generator sensor: %s\n", orNone(snap.Sensors.Generator))
	fmt.Fprintf(w, "gps: %s\n", orNone(snap.Sensors.GPS))
	fmt.Fprintf(w, "auto current input: %s (%s)\n", orNone(snap.Sensors.AutoCurrent), snap.Mode)
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
