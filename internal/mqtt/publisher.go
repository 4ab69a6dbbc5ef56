package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/toolrelay/internal/config"
	"github.com/nugget/toolrelay/internal/emulator"
)

// queueSize bounds steps waiting for the broker. Steps beyond it are
// dropped rather than stalling the workflow.
const queueSize = 64

// StepEvent is the payload published for each logged step.
type StepEvent struct {
	RunID  string `json:"run_id"`
	Server string `json:"server"`
	emulator.Step
}

// Publisher manages the MQTT connection and forwards workflow steps to
// the broker. It implements [emulator.StepPublisher].
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	server     string
	logger     *slog.Logger

	events  chan StepEvent
	dropped atomic.Int64
	cm      *autopaho.ConnectionManager
}

var _ emulator.StepPublisher = (*Publisher)(nil)

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. server names the device
// server in each event.
func New(cfg config.MQTTConfig, instanceID, server string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		server:     server,
		logger:     logger.With("component", "mqtt"),
		events:     make(chan StepEvent, queueSize),
	}
}

// PublishStep queues a step for publishing. It never blocks; when the
// queue is full the step is dropped and counted.
func (p *Publisher) PublishStep(runID string, step emulator.Step) {
	ev := StepEvent{RunID: runID, Server: p.server, Step: step}
	select {
	case p.events <- ev:
	default:
		n := p.dropped.Add(1)
		p.logger.Debug("mqtt step dropped, queue full", "run_id", runID, "step", step.Name, "dropped_total", n)
	}
}

// Dropped returns how many steps were discarded because the queue was
// full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Start connects to the MQTT broker and publishes queued steps. It
// blocks until ctx is cancelled. On every (re-)connect it publishes a
// birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
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

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
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

	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
// The provided context bounds both. Steps dropped over the publisher's
// lifetime are reported once here.
func (p *Publisher) Stop(ctx context.Context) error {
	if n := p.Dropped(); n > 0 {
		p.logger.Warn("mqtt steps dropped while broker was slow", "dropped", n, "queued", len(p.events))
	}
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) clientID() string {
	return "toolrelay-" + p.instanceID
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/" + p.server + "/availability"
}

func (p *Publisher) stepTopic(runID string) string {
	return p.cfg.TopicPrefix + "/runs/" + runID + "/steps"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Publish loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			p.publishStep(ctx, ev)
		}
	}
}

func (p *Publisher) publishStep(ctx context.Context, ev StepEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("mqtt marshal step", "run_id", ev.RunID, "error", err)
		return
	}

	topic := p.stepTopic(ev.RunID)
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Warn("mqtt step publish failed",
			"run_id", ev.RunID, "step", ev.Name, "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt step published", "topic", topic, "step", ev.Name, "status", ev.Status)
}
