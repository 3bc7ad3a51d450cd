// Package mqtt is a remote property store on an MQTT broker. Every property
// announces itself with a retained descriptor and receives its points as
// JSON chunks published with QoS 1.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ericogr/wheelsense/pkg/config"
	"github.com/ericogr/wheelsense/pkg/output"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultChunkSize = 500

	propertiesTopicFmt = "%s/%s/properties/%s"
	metaSuffix         = "/meta"

	disconnectQuiesce = 250
)

var errTimeout = errors.New("timed out waiting for broker")

// SyncMessage is the payload of one chunk of points.
type SyncMessage struct {
	SyncID   string         `json:"sync_id"`
	Thing    string         `json:"thing"`
	Property string         `json:"property"`
	Type     string         `json:"type"`
	Points   []output.Point `json:"points"`
}

type Store struct {
	cfg       config.MQTTConfig
	thing     string
	timeout   time.Duration
	chunkSize int
	newClient func(*mqtt.ClientOptions) mqtt.Client
	logger    *slog.Logger

	mu     sync.Mutex
	client mqtt.Client
	props  map[string]*property
}

func WithTimeout(d time.Duration) func(*Store) {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithChunkSize bounds the number of points per published message.
func WithChunkSize(n int) func(*Store) {
	return func(s *Store) {
		s.chunkSize = n
	}
}

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f func(*mqtt.ClientOptions) mqtt.Client) func(*Store) {
	return func(s *Store) {
		s.newClient = f
	}
}

func WithLogger(logger *slog.Logger) func(*Store) {
	return func(s *Store) {
		s.logger = logger.With(slog.String("component", "mqtt-store"))
	}
}

// New returns a store for thing. The broker connection is opened on first
// use and reopened after it drops, so a broker that is down at startup is
// not an error.
func New(cfg config.MQTTConfig, thing string, options ...func(*Store)) *Store {
	s := Store{
		cfg:       cfg,
		thing:     thing,
		timeout:   DefaultTimeout,
		chunkSize: DefaultChunkSize,
		newClient: mqtt.NewClient,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		props:     map[string]*property{},
	}
	for _, option := range options {
		option(&s)
	}
	if s.chunkSize <= 0 {
		s.chunkSize = DefaultChunkSize
	}
	return &s
}

func (s *Store) topic(id string) string {
	return fmt.Sprintf(propertiesTopicFmt, s.cfg.Topic, s.thing, id)
}

func (s *Store) connect(ctx context.Context) (mqtt.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && s.client.IsConnectionOpen() {
		return s.client, nil
	}
	if s.client != nil {
		s.client.Disconnect(disconnectQuiesce)
		s.client = nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Server).
		SetClientID(s.cfg.ClientID).
		SetConnectTimeout(s.timeout).
		SetAutoReconnect(false).
		SetCleanSession(true)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("connection lost", slog.Any("error", err))
	})

	client := s.newClient(opts)
	if err := wait(ctx, client.Connect(), s.timeout); err != nil {
		return nil, output.NewTransientError("", "connect", err)
	}
	s.client = client
	s.logger.Info("connected", slog.String("server", s.cfg.Server), slog.String("thing", s.thing))
	return client, nil
}

// FindOrCreateProperty returns the property called name, publishing its
// descriptor the first time it is seen by this store.
func (s *Store) FindOrCreateProperty(ctx context.Context, name string, typ output.PropertyType) (output.Property, error) {
	id := output.PropertyID(name)

	s.mu.Lock()
	p, ok := s.props[id]
	s.mu.Unlock()
	if ok {
		if p.typ != typ {
			return nil, fmt.Errorf("property %s exists with type %s, not %s", id, p.typ, typ)
		}
		return p, nil
	}

	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(output.Descriptor{ID: id, Name: name, Type: typ, Thing: s.thing})
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, client.Publish(s.topic(id)+metaSuffix, 1, true, meta), s.timeout); err != nil {
		return nil, output.NewTransientError(id, "create", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.props[id]; ok {
		return existing, nil
	}
	p = &property{store: s, id: id, name: name, typ: typ}
	s.props[id] = p
	s.logger.Debug("property ready", slog.String("property", id), slog.String("type", string(typ)))
	return p, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Disconnect(disconnectQuiesce)
		s.client = nil
	}
	return nil
}

type property struct {
	store *Store
	id    string
	name  string
	typ   output.PropertyType
	buf   output.Buffer
}

func (p *property) ID() string                { return p.id }
func (p *property) Name() string              { return p.name }
func (p *property) Type() output.PropertyType { return p.typ }
func (p *property) Pending() int              { return p.buf.Len() }
func (p *property) Discard()                  { p.buf.Reset() }

func (p *property) UpdateValues(values []any, timestampMs int64) {
	p.buf.Append(values, timestampMs)
}

func (p *property) Sync(ctx context.Context) error {
	points := p.buf.Pending()
	if len(points) == 0 {
		return nil
	}
	client, err := p.store.connect(ctx)
	if err != nil {
		return err
	}

	topic := p.store.topic(p.id)
	for start := 0; start < len(points); start += p.store.chunkSize {
		end := min(start+p.store.chunkSize, len(points))
		b, err := json.Marshal(SyncMessage{
			SyncID:   uuid.NewString(),
			Thing:    p.store.thing,
			Property: p.id,
			Type:     string(p.typ),
			Points:   points[start:end],
		})
		if err != nil {
			return err
		}
		if err := wait(ctx, client.Publish(topic, 1, false, b), p.store.timeout); err != nil {
			return output.NewTransientError(p.id, "sync", err)
		}
		p.buf.Commit(end - start)
	}

	p.store.logger.Debug("synced",
		slog.String("property", p.id),
		slog.String("points", humanize.Comma(int64(len(points)))),
	)
	return nil
}

func wait(ctx context.Context, t mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.Done():
		return t.Error()
	case <-timer.C:
		return errTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
