package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const servicePrefix = "com.victronenergy."

// VenusConfig configures the MQTT bridge connection.
type VenusConfig struct {
	Broker            string
	PortalID          string // discovered from N/+/system/0/Serial when empty
	ClientID          string
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
}

// VenusMQTT reaches Venus OS values through the dbus-mqtt bridge.
// Notifications on N/<portal>/<type>/<instance>/<path> are cached; reads of
// uncached paths send a read request and wait for the answer. Writes go to
// W/<portal>/... .
type VenusMQTT struct {
	client paho.Client
	cache  *valueCache
	logger *zap.Logger

	mu     sync.Mutex
	portal string

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewVenusMQTT connects to the broker, resolves the portal id and subscribes
// to its notifications.
func NewVenusMQTT(cfg VenusConfig, logger *zap.Logger) (*VenusMQTT, error) {
	v := &VenusMQTT{
		cache:  newValueCache(),
		logger: logger,
		portal: cfg.PortalID,
		stop:   make(chan struct{}),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(v.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("venus mqtt connection lost", zap.Error(err))
		})

	v.client = paho.NewClient(opts)
	token := v.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	if v.portalID() == "" {
		portal, err := v.discoverPortal(cfg.ConnectTimeout)
		if err != nil {
			v.client.Disconnect(250)
			return nil, err
		}
		v.mu.Lock()
		v.portal = portal
		v.mu.Unlock()
		logger.Info("discovered venus portal", zap.String("portal_id", portal))
		v.subscribe(v.client)
	}

	if cfg.KeepaliveInterval > 0 {
		v.wg.Add(1)
		go v.keepalive(cfg.KeepaliveInterval)
	}
	return v, nil
}

func (v *VenusMQTT) portalID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.portal
}

func (v *VenusMQTT) onConnect(c paho.Client) {
	v.logger.Info("venus mqtt connected")
	if v.portalID() != "" {
		v.subscribe(c)
	}
}

func (v *VenusMQTT) subscribe(c paho.Client) {
	portal := v.portalID()
	topic := "N/" + portal + "/#"
	token := c.Subscribe(topic, 0, func(_ paho.Client, m paho.Message) {
		v.cache.handle(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		v.logger.Error("subscribe timeout", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		v.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	v.requestAll(c, portal)
}

// requestAll asks the bridge to publish every value once.
func (v *VenusMQTT) requestAll(c paho.Client, portal string) {
	c.Publish("R/"+portal+"/keepalive", 0, false, "")
}

func (v *VenusMQTT) keepalive(interval time.Duration) {
	defer v.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-v.stop:
			return
		case <-ticker.C:
			if v.client.IsConnected() {
				v.requestAll(v.client, v.portalID())
			}
		}
	}
}

func (v *VenusMQTT) discoverPortal(timeout time.Duration) (string, error) {
	found := make(chan string, 1)
	token := v.client.Subscribe("N/+/system/0/Serial", 0, func(_ paho.Client, m paho.Message) {
		parts := strings.Split(m.Topic(), "/")
		if len(parts) > 1 {
			select {
			case found <- parts[1]:
			default:
			}
		}
	})
	if !token.WaitTimeout(timeout) || token.Error() != nil {
		return "", fmt.Errorf("subscribe for portal discovery: %v", token.Error())
	}
	defer v.client.Unsubscribe("N/+/system/0/Serial")

	select {
	case portal := <-found:
		return portal, nil
	case <-time.After(timeout):
		return "", errors.New("no venus portal announced its serial")
	}
}

// IsConnected reports whether the MQTT connection is active.
func (v *VenusMQTT) IsConnected() bool {
	return v.client.IsConnected()
}

// Read returns the cached value, asking the bridge for it when it has not
// been seen yet.
func (v *VenusMQTT) Read(ctx context.Context, service, path string) (any, error) {
	if service == ServiceSystem && path == "/VebusService" {
		return v.readVebusService(ctx)
	}

	if val, ok := v.cache.get(service, path); ok {
		if val == nil {
			return nil, unavailable(service, path, nil)
		}
		return val, nil
	}

	wait := v.cache.waitFor(service, path)
	topic := "R/" + v.portalID() + "/" + serviceTopic(service) + path
	v.client.Publish(topic, 0, false, "")

	select {
	case <-wait:
	case <-ctx.Done():
		return nil, unavailable(service, path, ctx.Err())
	}
	val, ok := v.cache.get(service, path)
	if !ok || val == nil {
		return nil, unavailable(service, path, nil)
	}
	return val, nil
}

// readVebusService maps /VebusService to the service naming used on MQTT,
// where devices are addressed by instance rather than by D-Bus name.
func (v *VenusMQTT) readVebusService(ctx context.Context) (any, error) {
	inst, err := ReadInt(ctx, v, ServiceSystem, "/VebusInstance")
	if err != nil {
		return nil, err
	}
	return PrefixVebus + "." + strconv.Itoa(inst), nil
}

// Write publishes a write request. The cache is updated right away so that
// following reads see the new value before the bridge echoes it.
func (v *VenusMQTT) Write(ctx context.Context, service, path string, value any) error {
	payload, err := json.Marshal(venusPayload{Value: value})
	if err != nil {
		return writeFailed(service, path, err)
	}
	topic := "W/" + v.portalID() + "/" + serviceTopic(service) + path
	token := v.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return writeFailed(service, path, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return writeFailed(service, path, err)
	}
	v.cache.set(service, path, value)
	return nil
}

// ListServices returns every service seen on the bridge.
func (v *VenusMQTT) ListServices(ctx context.Context) ([]string, error) {
	return v.cache.services(), nil
}

// Close stops the keepalive and disconnects.
func (v *VenusMQTT) Close() error {
	close(v.stop)
	v.wg.Wait()
	v.client.Disconnect(1000)
	return nil
}

type venusPayload struct {
	Value any `json:"value"`
}

// serviceTopic converts "com.victronenergy.digitalinput.3" to
// "digitalinput/3". Services without an instance use instance 0.
func serviceTopic(service string) string {
	rest := strings.TrimPrefix(service, servicePrefix)
	if i := strings.LastIndex(rest, "."); i >= 0 {
		if _, err := strconv.Atoi(rest[i+1:]); err == nil {
			return rest[:i] + "/" + rest[i+1:]
		}
	}
	return rest + "/0"
}

// topicService is the inverse of serviceTopic.
func topicService(kind, instance string) string {
	if instance == "0" && (kind == "system" || kind == "settings") {
		return servicePrefix + kind
	}
	return servicePrefix + kind + "." + instance
}

// valueCache holds the latest notification per service and path.
type valueCache struct {
	mu      sync.Mutex
	values  map[string]map[string]any
	waiters map[string]chan struct{}
}

func newValueCache() *valueCache {
	return &valueCache{
		values:  make(map[string]map[string]any),
		waiters: make(map[string]chan struct{}),
	}
}

// handle stores one N/ notification. An empty payload removes the path.
func (c *valueCache) handle(topic string, payload []byte) {
	parts := strings.SplitN(topic, "/", 5)
	if len(parts) < 5 || parts[0] != "N" {
		return
	}
	service := topicService(parts[2], parts[3])
	path := "/" + parts[4]

	if len(payload) == 0 {
		c.remove(service, path)
		return
	}

	var p venusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	c.set(service, path, p.Value)
}

func (c *valueCache) set(service, path string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values[service] == nil {
		c.values[service] = make(map[string]any)
	}
	c.values[service][path] = value
	key := service + path
	if w, ok := c.waiters[key]; ok {
		close(w)
		delete(c.waiters, key)
	}
}

func (c *valueCache) remove(service, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values[service], path)
	if len(c.values[service]) == 0 {
		delete(c.values, service)
	}
}

func (c *valueCache) get(service, path string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[service][path]
	return v, ok
}

// waitFor returns a channel closed when service+path is next set. Readers
// of the same key share one channel.
func (c *valueCache) waitFor(service, path string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := service + path
	ch, ok := c.waiters[key]
	if !ok {
		ch = make(chan struct{})
		c.waiters[key] = ch
	}
	return ch
}

func (c *valueCache) services() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.values))
	for s := range c.values {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
