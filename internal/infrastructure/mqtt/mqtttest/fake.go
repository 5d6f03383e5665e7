// Package mqtttest provides an in-process stand-in for a paho client so the
// transport, ingestion and API layers can be tested without a broker.
package mqtttest

import (
	"errors"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by tokens issued while the fake is offline.
var ErrNotConnected = errors.New("mqtttest: not connected")

// Published records one Publish call.
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Client implements pahomqtt.Client in memory.
//
// Inbound traffic is injected with Deliver; outbound traffic is recorded and
// read back with Published.
type Client struct {
	mu sync.Mutex

	opts      *pahomqtt.ClientOptions
	connected bool
	connects  int

	// connectErrs are returned by successive Connect calls before succeeding.
	connectErrs []error
	publishErr  error
	publishHang bool
	subErr      error

	handlers  map[string]pahomqtt.MessageHandler
	subOrder  []string
	published []Published
}

// New returns an offline fake.
func New() *Client {
	return &Client{handlers: make(map[string]pahomqtt.MessageHandler)}
}

// Factory captures the options and returns the fake. Its signature matches
// mqtt.ClientFactory.
func (c *Client) Factory(opts *pahomqtt.ClientOptions) pahomqtt.Client {
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
	return c
}

// Options returns the options passed to Factory.
func (c *Client) Options() *pahomqtt.ClientOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// FailConnects makes the next len(errs) Connect calls fail in order.
func (c *Client) FailConnects(errs ...error) {
	c.mu.Lock()
	c.connectErrs = append(c.connectErrs, errs...)
	c.mu.Unlock()
}

// SetPublishError makes every subsequent publish complete with err.
func (c *Client) SetPublishError(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

// SetPublishHang makes subsequent publish tokens never complete.
func (c *Client) SetPublishHang(hang bool) {
	c.mu.Lock()
	c.publishHang = hang
	c.mu.Unlock()
}

// SetSubscribeError makes every subsequent subscribe complete with err.
func (c *Client) SetSubscribeError(err error) {
	c.mu.Lock()
	c.subErr = err
	c.mu.Unlock()
}

// DropConnection simulates a network failure and fires the lost handler.
func (c *Client) DropConnection(err error) {
	c.mu.Lock()
	c.connected = false
	c.forgetSubscriptionsLocked()
	var lost pahomqtt.ConnectionLostHandler
	if c.opts != nil {
		lost = c.opts.OnConnectionLost
	}
	c.mu.Unlock()

	if lost != nil {
		lost(c, err)
	}
}

// Deliver routes an inbound message to every matching subscription, on the
// caller's goroutine. It returns the number of handlers invoked.
func (c *Client) Deliver(topic string, payload []byte) int {
	c.mu.Lock()
	var targets []pahomqtt.MessageHandler
	for _, filter := range c.subOrder {
		if h, ok := c.handlers[filter]; ok && Match(filter, topic) {
			targets = append(targets, h)
		}
	}
	c.mu.Unlock()

	msg := &message{topic: topic, payload: payload}
	for _, h := range targets {
		h(c, msg)
	}
	return len(targets)
}

// Published returns a copy of all recorded publishes.
func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Published, len(c.published))
	copy(out, c.published)
	return out
}

// PublishedTo returns recorded publishes on topic.
func (c *Client) PublishedTo(topic string) []Published {
	var out []Published
	for _, p := range c.Published() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Filters returns the filters subscribed on the current session.
func (c *Client) Filters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.subOrder {
		if _, ok := c.handlers[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Connects returns how many times Connect was called.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// IsConnected implements pahomqtt.Client.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsConnectionOpen implements pahomqtt.Client.
func (c *Client) IsConnectionOpen() bool {
	return c.IsConnected()
}

// Connect implements pahomqtt.Client.
func (c *Client) Connect() pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		return doneToken(err)
	}
	c.connected = true
	return doneToken(nil)
}

// Disconnect implements pahomqtt.Client.
func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.forgetSubscriptionsLocked()
	c.mu.Unlock()
}

// Publish implements pahomqtt.Client.
func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = append([]byte(nil), p...)
	case string:
		body = []byte(p)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return doneToken(ErrNotConnected)
	}
	c.published = append(c.published, Published{Topic: topic, QoS: qos, Retained: retained, Payload: body})
	if c.publishHang {
		return &token{done: make(chan struct{})}
	}
	return doneToken(c.publishErr)
}

// Subscribe implements pahomqtt.Client.
func (c *Client) Subscribe(topic string, _ byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return doneToken(ErrNotConnected)
	}
	if c.subErr != nil {
		return doneToken(c.subErr)
	}
	if _, seen := c.handlers[topic]; !seen {
		c.subOrder = append(c.subOrder, topic)
	}
	c.handlers[topic] = callback
	return doneToken(nil)
}

// SubscribeMultiple implements pahomqtt.Client.
func (c *Client) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	for f, qos := range filters {
		if t := c.Subscribe(f, qos, callback); t.Error() != nil {
			return t
		}
	}
	return doneToken(nil)
}

// Unsubscribe implements pahomqtt.Client.
func (c *Client) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	kept := c.subOrder[:0]
	for _, f := range c.subOrder {
		if _, ok := c.handlers[f]; ok {
			kept = append(kept, f)
		}
	}
	c.subOrder = kept
	return doneToken(nil)
}

// forgetSubscriptionsLocked drops every session subscription, as a broker
// does for a clean session. c.mu must be held.
func (c *Client) forgetSubscriptionsLocked() {
	c.handlers = make(map[string]pahomqtt.MessageHandler)
	c.subOrder = nil
}

// AddRoute implements pahomqtt.Client.
func (c *Client) AddRoute(topic string, callback pahomqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.handlers[topic]; !seen {
		c.subOrder = append(c.subOrder, topic)
	}
	c.handlers[topic] = callback
}

// OptionsReader implements pahomqtt.Client.
func (c *Client) OptionsReader() pahomqtt.ClientOptionsReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts == nil {
		return pahomqtt.NewOptionsReader(pahomqtt.NewClientOptions())
	}
	return pahomqtt.NewOptionsReader(c.opts)
}

// Match reports whether topic matches an MQTT subscription filter.
func Match(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

type token struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *token {
	t := &token{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *token) Wait() bool {
	<-t.done
	return true
}

func (t *token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *token) Done() <-chan struct{} { return t.done }

func (t *token) Error() error { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 0 }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}
