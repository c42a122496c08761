package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	jsoniter "github.com/json-iterator/go"

	"github.com/nugget/deskpilot/internal/config"
	"github.com/nugget/deskpilot/internal/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// eventBuffer is the bus subscription depth. Events beyond it are
// dropped by the bus rather than blocking the agent loop.
const eventBuffer = 256

// publisher is the subset of [autopaho.ConnectionManager] used to send
// messages.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and forwards bus events to the
// broker.
type Publisher struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	usage  *DailyUsage
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and forwarding loop.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "deskpilot"
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	return &Publisher{
		cfg:    cfg,
		bus:    bus,
		usage:  NewDailyUsage(nil),
		logger: logger,
	}
}

// Usage returns the publisher's daily usage accumulator.
func (p *Publisher) Usage() *DailyUsage {
	return p.usage
}

// Start connects to the broker and forwards bus events until ctx is
// done. It returns early only when the broker URL is unusable; an
// unreachable broker is retried in the background.
func (p *Publisher) Start(ctx context.Context) error {
	cc, err := p.connConfig(ctx)
	if err != nil {
		return err
	}
	cm, err := autopaho.NewConnection(ctx, cc)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = cm.AwaitConnection(waitCtx)
	cancel()
	if err != nil {
		p.logger.Warn("mqtt broker not reachable yet, retrying in background", "broker", p.cfg.Broker, "error", err)
	}

	ch := p.bus.Subscribe(eventBuffer)
	defer p.bus.Unsubscribe(ch)
	p.forward(ctx, cm, ch)
	return nil
}

// connConfig builds the autopaho settings: a retained "offline" will on
// the availability topic, "online" on every connect, and TLS for
// mqtts:// and ssl:// brokers.
func (p *Publisher) connConfig(ctx context.Context) (autopaho.ClientConfig, error) {
	broker, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("mqtt broker %q: %w", p.cfg.Broker, err)
	}
	switch broker.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl", "ws", "wss":
	default:
		return autopaho.ClientConfig{}, fmt.Errorf("mqtt broker %q: unsupported scheme %q", p.cfg.Broker, broker.Scheme)
	}

	cc := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{broker},
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
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker, "client_id", p.cfg.ClientID)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connect failed", "broker", p.cfg.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: p.cfg.ClientID},
	}
	if broker.Scheme == "mqtts" || broker.Scheme == "ssl" || broker.Scheme == "wss" {
		cc.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: broker.Hostname()}
	}
	return cc, nil
}

// Stop marks the service offline and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) usageTopic() string {
	return p.cfg.TopicPrefix + "/usage"
}

func (p *Publisher) eventTopic(e events.Event) string {
	return p.cfg.TopicPrefix + "/events/" + topicSegment(e.Source) + "/" + topicSegment(e.Kind)
}

// topicSegment keeps MQTT wildcards and separators out of a topic level.
func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// --- Forwarding ---

func (p *Publisher) forward(ctx context.Context, pub publisher, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.publishEvent(ctx, pub, e)
			if p.track(e) {
				p.publishUsage(ctx, pub)
			}
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, pub publisher, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	msg := &paho.Publish{Topic: p.eventTopic(e), Payload: payload}
	if _, err := pub.Publish(ctx, msg); err != nil {
		p.logger.Debug("mqtt event publish failed", "topic", msg.Topic, "error", err)
	}
}

// track folds e into the usage counters and reports whether a run
// ended.
func (p *Publisher) track(e events.Event) bool {
	switch e.Kind {
	case events.KindLLMResponse:
		p.usage.OnModelCall(intField(e.Data, "tokens_in"), intField(e.Data, "tokens_out"))
	case events.KindRunComplete:
		p.usage.OnRunCompleted()
		return true
	case events.KindRunFailed:
		p.usage.OnRunFailed()
		return true
	case events.KindRunSuspended:
		p.usage.OnRunSuspended()
		return true
	}
	return false
}

func (p *Publisher) publishUsage(ctx context.Context, pub publisher) {
	payload, err := json.Marshal(p.usage.Snapshot())
	if err != nil {
		p.logger.Error("mqtt marshal usage", "error", err)
		return
	}
	msg := &paho.Publish{Topic: p.usageTopic(), Payload: payload, QoS: 1, Retain: true}
	if _, err := pub.Publish(ctx, msg); err != nil {
		p.logger.Debug("mqtt usage publish failed", "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, pub publisher, status string) {
	msg := &paho.Publish{Topic: p.availabilityTopic(), Payload: []byte(status), QoS: 1, Retain: true}
	if _, err := pub.Publish(ctx, msg); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Debug("mqtt availability published", "status", status)
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
