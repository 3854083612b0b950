package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/tigerbee/internal/buildinfo"
	"github.com/nugget/tigerbee/internal/config"
	"github.com/nugget/tigerbee/internal/events"
	"github.com/nugget/tigerbee/internal/state"
)

// StateSource reports the shared agent flags. *state.Agent satisfies it.
type StateSource interface {
	Snapshot() state.Snapshot
}

// ModelSource names the active backend model.
// *conversation.Manager satisfies it.
type ModelSource interface {
	ModelName() string
}

// Command rate limit: at most this many per interval.
const (
	commandLimit    = 10
	commandInterval = time.Minute
)

// Publisher manages the MQTT connection, discovery, state publishing,
// and the inbound command topic.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	state      StateSource
	models     ModelSource
	bus        *events.Bus
	logger     *slog.Logger
	limiter    *commandRateLimiter

	mu      sync.Mutex
	handler CommandHandler
	cm      *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, st StateSource, models ModelSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		state:      st,
		models:     models,
		bus:        bus,
		logger:     logger,
		limiter:    newCommandRateLimiter(commandLimit, commandInterval, logger),
	}
}

// SetCommandHandler installs the handler for the command topic. Without
// one, commands are logged and ignored.
func (p *Publisher) SetCommandHandler(h CommandHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Start connects to the broker and publishes until ctx is cancelled.
// On every (re-)connect it publishes discovery configs and a birth
// message and re-subscribes to the command topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeCommands(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "tigerbee-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return p.handlePublish(ctx, pr.Packet.Topic, pr.Packet.Payload), nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "tigerbee/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/command"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type entityDef struct {
	component string
	suffix    string
	config    any
}

func (p *Publisher) sensor(suffix, name, icon, category string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          suffix,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + suffix,
		StateTopic:        p.stateTopic(suffix),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
		EntityCategory:    category,
	}
}

func (p *Publisher) button(command, name, icon string) entityDef {
	return entityDef{
		component: "button",
		suffix:    command,
		config: ButtonConfig{
			Name:              name,
			ObjectID:          command,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + command,
			CommandTopic:      p.commandTopic(),
			PayloadPress:      command,
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		},
	}
}

func (p *Publisher) entityDefinitions() []entityDef {
	acting := p.sensor("acting", "Acting", "mdi:run", "")
	acting.PayloadOn, acting.PayloadOff = "ON", "OFF"
	paused := p.sensor("movement_paused", "Movement Paused", "mdi:pause-circle", "")
	paused.PayloadOn, paused.PayloadOff = "ON", "OFF"

	failures := p.sensor("consecutive_failures", "Consecutive Failures", "mdi:alert-circle-outline", "diagnostic")
	failures.StateClass = "measurement"

	return []entityDef{
		{component: "binary_sensor", suffix: "acting", config: acting},
		{component: "binary_sensor", suffix: "movement_paused", config: paused},
		{component: "sensor", suffix: "model_index", config: p.sensor("model_index", "Model Index", "mdi:numeric", "diagnostic")},
		{component: "sensor", suffix: "model_name", config: p.sensor("model_name", "Model", "mdi:brain", "")},
		{component: "sensor", suffix: "consecutive_failures", config: failures},
		{component: "sensor", suffix: "uptime", config: p.sensor("uptime", "Uptime", "mdi:clock-outline", "diagnostic")},
		{component: "sensor", suffix: "version", config: p.sensor("version", "Version", "mdi:tag", "diagnostic")},
		p.button("pause_movement", "Pause Movement", "mdi:pause"),
		p.button("resume_movement", "Resume Movement", "mdi:play"),
		p.button("switch_model", "Switch Model", "mdi:swap-horizontal"),
		p.button("reset_session", "Reset Conversation", "mdi:restart"),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, e := range p.entityDefinitions() {
		topic := p.discoveryTopic(e.component, e.suffix)
		payload, err := json.Marshal(e.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", e.suffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", e.suffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published", "entity", e.suffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Commands ---

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: p.commandTopic(), QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", p.commandTopic(), "error", err)
		return
	}
	p.logger.Debug("mqtt command topic subscribed", "topic", p.commandTopic())
}

// handlePublish routes a received message. It reports whether the
// message was for the command topic. Commands run on their own
// goroutine since a model switch can take as long as a backend call.
func (p *Publisher) handlePublish(ctx context.Context, topic string, payload []byte) bool {
	if topic != p.commandTopic() {
		return false
	}
	if !p.limiter.allow() {
		return true
	}

	name := parseCommand(payload)
	if name == "" {
		p.logger.Warn("mqtt command unreadable", "payload_size", len(payload))
		return true
	}

	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		p.logger.Info("mqtt command ignored, no handler", "command", name)
		return true
	}

	go func() {
		p.logger.Info("mqtt command received", "command", name)
		if err := h(ctx, name); err != nil {
			p.logger.Warn("mqtt command failed", "command", name, "error", err)
		}
	}()
	return true
}

// --- State loop ---

// runLoop publishes state every interval and after every bus event.
func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var evs <-chan events.Event
	if p.bus != nil {
		ch := p.bus.Subscribe(32)
		defer p.bus.Unsubscribe(ch)
		evs = ch
	}

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case e, ok := <-evs:
			if !ok {
				evs = nil
				continue
			}
			p.logger.Debug("mqtt state refresh", "source", e.Source, "kind", e.Kind)
			p.publishStates(ctx)
		}
	}
}

// states renders the current value of every sensor.
func (p *Publisher) states() map[string]string {
	snap := p.state.Snapshot()
	out := map[string]string{
		"acting":               onOff(snap.Acting),
		"movement_paused":      onOff(snap.MovementPaused),
		"model_index":          strconv.Itoa(snap.ModelIndex),
		"consecutive_failures": strconv.Itoa(snap.ConsecutiveFailures),
		"uptime":               buildinfo.Uptime().Truncate(time.Second).String(),
		"version":              buildinfo.Version,
	}
	if p.models != nil {
		out["model_name"] = p.models.ModelName()
	}
	return out
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}

	states := p.states()
	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
