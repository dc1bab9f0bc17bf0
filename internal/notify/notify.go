// Package notify delivers remote change notifications to the sync engine.
// The remote ledger publishes a message per record change to an MQTT topic
// per device; the Listener subscribes and invokes the matching callback.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config holds broker settings for the change listener.
type Config struct {
	Broker      string // host:port
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // defaults to "datapill"
}

// changeEvent is the message payload published by the ledger backend.
type changeEvent struct {
	RecordType string `json:"recordType"`
	ChangedAt  string `json:"changedAt,omitempty"`
}

// Listener subscribes to the account's change topics and fans messages out
// to the registered callbacks. Callbacks run on paho's delivery goroutine
// and must not block for long.
type Listener struct {
	client      mqtt.Client
	logger      *slog.Logger
	topicPrefix string

	onPlanChanged  func(context.Context)
	onTodayChanged func(context.Context)
}

// New connects to the broker and returns a Listener. The connection
// auto-reconnects; subscriptions are re-established by paho on reconnect.
func New(cfg Config, logger *slog.Logger) (*Listener, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("notify: broker address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "datapill"
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "datapill-listener"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("notify: connecting to MQTT broker: %w", token.Error())
	}

	return &Listener{
		client:      client,
		logger:      logger,
		topicPrefix: prefix,
	}, nil
}

// Subscribe registers the change callbacks and subscribes to the plan and
// today topics. It must be called once, before messages are expected.
func (l *Listener) Subscribe(onPlanChanged, onTodayChanged func(context.Context)) error {
	l.onPlanChanged = onPlanChanged
	l.onTodayChanged = onTodayChanged

	for _, topic := range []string{l.planTopic(), l.todayTopic()} {
		if token := l.client.Subscribe(topic, 1, l.handle); token.Wait() && token.Error() != nil {
			return fmt.Errorf("notify: subscribing to %s: %w", topic, token.Error())
		}
		l.logger.Debug("Subscribed to change topic", "topic", topic)
	}
	return nil
}

// Close disconnects from the broker.
func (l *Listener) Close() {
	if l.client != nil && l.client.IsConnected() {
		l.client.Disconnect(250)
	}
}

func (l *Listener) planTopic() string  { return l.topicPrefix + "/changes/plan" }
func (l *Listener) todayTopic() string { return l.topicPrefix + "/changes/today" }

// handle routes one broker message to the matching callback. Malformed
// payloads still trigger the callback for their topic; the topic alone
// carries the routing decision, the payload is informational.
func (l *Listener) handle(_ mqtt.Client, msg mqtt.Message) {
	var ev changeEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		l.logger.Warn("Unparseable change event", "topic", msg.Topic(), "error", err)
	}

	ctx := context.Background()
	switch {
	case strings.HasSuffix(msg.Topic(), "/plan"):
		l.logger.Info("Remote plan changed", "changedAt", ev.ChangedAt)
		if l.onPlanChanged != nil {
			l.onPlanChanged(ctx)
		}
	case strings.HasSuffix(msg.Topic(), "/today"):
		l.logger.Info("Remote today record changed", "changedAt", ev.ChangedAt)
		if l.onTodayChanged != nil {
			l.onTodayChanged(ctx)
		}
	default:
		l.logger.Warn("Change event on unexpected topic", "topic", msg.Topic())
	}
}
