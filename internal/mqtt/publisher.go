// Package mqtt publishes reminder notifications to an MQTT broker so
// home automation systems can react to due schedule entries.
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

	"github.com/mstrand/valet/internal/config"
	"github.com/mstrand/valet/internal/schedule"
)

// Publisher manages the broker connection and delivers reminders as
// retained availability plus per-reminder JSON messages.
type Publisher struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// before delivering reminders.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, logger: logger}
}

// Start connects to the broker. autopaho reconnects in the background,
// so a slow broker delays but never fails startup.
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
			ClientID: "valet-" + p.cfg.DeviceID,
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
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an "offline" availability message before closing the
// connection. The context bounds how long to wait.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// Name implements the notifier sink interface.
func (p *Publisher) Name() string { return "mqtt" }

// Deliver publishes one reminder to the configured topic.
func (p *Publisher) Deliver(ctx context.Context, rec schedule.Record) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}

	payload, err := reminderPayload(rec)
	if err != nil {
		return fmt.Errorf("marshal reminder: %w", err)
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.cfg.Topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish reminder: %w", err)
	}
	p.logger.Debug("mqtt reminder published", "schedule_id", rec.ID, "topic", p.cfg.Topic)
	return nil
}

func reminderPayload(rec schedule.Record) ([]byte, error) {
	return json.Marshal(map[string]any{
		"schedule_id": rec.ID,
		"title":       rec.Title,
		"start":       rec.Start.Format(time.RFC3339),
		"repeat":      rec.Repeat,
		"notes":       rec.Notes,
	})
}

func (p *Publisher) availabilityTopic() string {
	return "valet/" + p.cfg.DeviceID + "/availability"
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
