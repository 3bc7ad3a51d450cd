// Package mqtttest provides an in-memory paho client for tests.
package mqtttest

import (
	"errors"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrNotConnected = errors.New("not connected")

// Token is an already completed mqtt.Token.
type Token struct {
	err  error
	done chan struct{}
}

func NewToken(err error) *Token {
	t := Token{err: err, done: make(chan struct{})}
	close(t.done)
	return &t
}

func (t *Token) Wait() bool                     { return true }
func (t *Token) WaitTimeout(time.Duration) bool { return true }
func (t *Token) Done() <-chan struct{}          { return t.done }
func (t *Token) Error() error                   { return t.err }

// Message is a published or delivered message.
type Message struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return m.qos }
func (m *Message) Retained() bool    { return m.retained }
func (m *Message) Topic() string     { return m.topic }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.payload }
func (m *Message) Ack()              {}

// Client implements mqtt.Client. Publishes are recorded and routed to the
// client's own matching subscriptions.
type Client struct {
	Options *mqtt.ClientOptions

	mu         sync.Mutex
	connected  bool
	connectErr error
	failures   int
	failErr    error
	published  []*Message
	subs       map[string]mqtt.MessageHandler
}

func NewClient(o *mqtt.ClientOptions) *Client {
	return &Client{Options: o, subs: map[string]mqtt.MessageHandler{}}
}

// FailConnect makes the next Connect calls fail with err until cleared with nil.
func (c *Client) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// FailPublish makes the next n publishes fail with err.
func (c *Client) FailPublish(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures, c.failErr = n, err
}

// Published returns the messages published so far on topics matching filter.
func (c *Client) Published(filter string) []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Message
	for _, m := range c.published {
		if Match(filter, m.topic) {
			out = append(out, m)
		}
	}
	return out
}

// Deliver hands a message to every subscription matching topic.
func (c *Client) Deliver(topic string, payload []byte) {
	c.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range c.subs {
		if Match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(c, &Message{topic: topic, payload: payload})
	}
}

// Drop simulates a lost connection.
func (c *Client) Drop(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if c.Options != nil && c.Options.OnConnectionLost != nil {
		c.Options.OnConnectionLost(c, err)
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return NewToken(c.connectErr)
	}
	c.connected = true
	return NewToken(nil)
}

func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return NewToken(ErrNotConnected)
	}
	if c.failures > 0 {
		c.failures--
		err := c.failErr
		c.mu.Unlock()
		return NewToken(err)
	}
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = append([]byte(nil), p...)
	case string:
		b = []byte(p)
	}
	c.published = append(c.published, &Message{topic: topic, payload: b, qos: qos, retained: retained})
	c.mu.Unlock()

	c.Deliver(topic, b)
	return NewToken(nil)
}

func (c *Client) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return NewToken(ErrNotConnected)
	}
	c.subs[topic] = callback
	return NewToken(nil)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		if t := c.Subscribe(topic, qos, callback); t.Error() != nil {
			return t
		}
	}
	return NewToken(nil)
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	return NewToken(nil)
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = callback
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.NewOptionsReader(c.Options)
}

// Match reports whether topic matches an MQTT subscription filter.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
