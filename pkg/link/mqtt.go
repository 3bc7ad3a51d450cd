package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ericogr/wheelsense/pkg/config"
)

// MQTT receives packets bridged onto a broker topic, one packet per message.
// The address passed to Connect is the topic.
type MQTT struct {
	cfg       config.MQTTConfig
	newClient func(*mqtt.ClientOptions) mqtt.Client
	logger    *slog.Logger

	mu       sync.Mutex
	client   mqtt.Client
	topic    string
	receiver Receiver
	lost     chan error
}

// WithMQTTLogger sets the logger used for connection events.
func WithMQTTLogger(logger *slog.Logger) func(*MQTT) {
	return func(m *MQTT) {
		m.logger = logger.With(slog.String("component", "mqtt-link"))
	}
}

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f func(*mqtt.ClientOptions) mqtt.Client) func(*MQTT) {
	return func(m *MQTT) {
		m.newClient = f
	}
}

func NewMQTT(cfg config.MQTTConfig, options ...func(*MQTT)) *MQTT {
	m := MQTT{
		cfg:       cfg,
		newClient: mqtt.NewClient,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		receiver:  nopReceiver,
	}
	for _, option := range options {
		option(&m)
	}
	return &m
}

func (m *MQTT) SetReceiver(r Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiver = r
}

func (m *MQTT) Connect(ctx context.Context, address, _ string, timeout time.Duration) error {
	lost := make(chan error, 1)
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Server).
		SetClientID(fmt.Sprintf("%s-%s", m.cfg.ClientID, uuid.NewString()[:8])).
		SetConnectTimeout(timeout).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
	}
	if m.cfg.Password != "" {
		opts.SetPassword(m.cfg.Password)
	}

	client := m.newClient(opts)
	if err := wait(ctx, client.Connect(), timeout); err != nil {
		return &ConnectionError{Address: address, Op: "connect", wrapped: err}
	}
	if err := wait(ctx, client.Subscribe(address, 0, m.handle), timeout); err != nil {
		client.Disconnect(250)
		return &ConnectionError{Address: address, Op: "subscribe", wrapped: err}
	}

	m.mu.Lock()
	m.client, m.topic, m.lost = client, address, lost
	m.mu.Unlock()
	m.logger.Info("subscribed", slog.String("server", m.cfg.Server), slog.String("topic", address))
	return nil
}

func (m *MQTT) handle(_ mqtt.Client, msg mqtt.Message) {
	m.mu.Lock()
	receive := m.receiver
	m.mu.Unlock()
	receive(msg.Payload())
}

func (m *MQTT) Run(ctx context.Context) error {
	m.mu.Lock()
	topic, lost := m.topic, m.lost
	m.mu.Unlock()
	if lost == nil {
		return &ConnectionError{Address: topic, Op: "receive", wrapped: errors.New("not connected")}
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-lost:
		return &ConnectionError{Address: topic, Op: "receive", wrapped: err}
	}
}

func (m *MQTT) Disconnect() error {
	m.mu.Lock()
	client := m.client
	m.client, m.lost = nil, nil
	m.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
		m.logger.Info("disconnected", slog.String("topic", m.topic))
	}
	return nil
}

func wait(ctx context.Context, t mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.Done():
		return t.Error()
	case <-timer.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}
