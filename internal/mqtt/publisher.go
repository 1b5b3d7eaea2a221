package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mimir/internal/buildinfo"
	"github.com/nugget/mimir/internal/config"
	"github.com/nugget/mimir/internal/events"
)

// StateInterval is how often the retained state summary is refreshed.
const StateInterval = time.Minute

// eventBuffer is the bus subscription depth. Events beyond it are
// dropped by the bus rather than delaying the agent.
const eventBuffer = 256

// Broker is the publishing side of an MQTT connection.
// *autopaho.ConnectionManager satisfies it.
type Broker interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher mirrors events from the bus to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	usage      *Usage
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// State is the retained summary published to the state topic.
type State struct {
	InstanceID string `json:"instance_id"`
	Version    string `json:"version"`
	Uptime     string `json:"uptime"`
	UsageSnapshot
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin publishing.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		usage:      NewUsage(nil),
		logger:     logger.With("component", "mqtt"),
	}
}

// Usage returns the day's counters.
func (p *Publisher) Usage() *Usage { return p.usage }

// Start connects to the broker and publishes until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	sub := p.bus.Subscribe(eventBuffer)
	defer sub.Close()

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
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.run(ctx, cm, sub, StateInterval)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) clientID() string {
	if len(p.instanceID) >= 8 {
		return p.cfg.ClientID + "-" + p.instanceID[len(p.instanceID)-8:]
	}
	return p.cfg.ClientID
}

// --- Topics ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) stateTopic() string {
	return p.cfg.TopicPrefix + "/state"
}

func (p *Publisher) eventTopic(e events.Event) string {
	return p.cfg.TopicPrefix + "/events/" + e.Source + "/" + e.Kind
}

// --- Publishing ---

// run forwards events from sub and refreshes the state every interval
// until ctx is cancelled or sub closes.
func (p *Publisher) run(ctx context.Context, b Broker, sub *events.Subscription, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishState(ctx, b)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			p.usage.Record(e)
			p.publishEvent(ctx, b, e)
			if e.Kind == events.KindRequestComplete {
				p.publishState(ctx, b)
			}
		case <-ticker.C:
			p.publishState(ctx, b)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, b Broker, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	topic := p.eventTopic(e)
	if _, err := b.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 0}); err != nil {
		p.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishState(ctx context.Context, b Broker) {
	state := State{
		InstanceID:    p.instanceID,
		Version:       buildinfo.Version,
		Uptime:        buildinfo.Uptime().String(),
		UsageSnapshot: p.usage.Snapshot(),
	}
	payload, err := json.Marshal(state)
	if err != nil {
		p.logger.Error("mqtt marshal state", "error", err)
		return
	}
	if _, err := b.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt state published", "turns", state.Turns)
}

func (p *Publisher) publishAvailability(ctx context.Context, b Broker, status string) {
	if _, err := b.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}
