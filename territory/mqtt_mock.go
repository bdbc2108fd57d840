package territory

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken is an mqtt.Token that completes when done is closed
type MockToken struct {
	err  error
	done chan struct{}
}

// NewMockToken returns an already completed token carrying err
func NewMockToken(err error) *MockToken {
	done := make(chan struct{})
	close(done)
	return &MockToken{err: err, done: done}
}

func (t *MockToken) Wait() bool {
	<-t.done
	return true
}

func (t *MockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *MockToken) Done() <-chan struct{} { return t.done }
func (t *MockToken) Error() error          { return t.err }

// MockMessage records one Publish call
type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MockClient is an in-memory mqtt.Client. Subscriptions honour the + and #
// wildcards. While HoldPublishes is in effect, publish tokens stay pending
// like a broker that never acknowledges.
type MockClient struct {
	mu             sync.RWMutex
	connected      bool
	connectError   error
	publishError   error
	subscribeError error
	onConnect      mqtt.OnConnectHandler
	handlers       map[string]mqtt.MessageHandler
	published      []MockMessage
	publishGate    chan struct{}
}

// NewMockClient creates a disconnected mock client
func NewMockClient() *MockClient {
	return &MockClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *MockClient) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

func (c *MockClient) SetConnectError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectError = err
}

func (c *MockClient) SetPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishError = err
}

func (c *MockClient) SetSubscribeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeError = err
}

// SetOnConnect registers a handler invoked after a successful Connect
func (c *MockClient) SetOnConnect(h mqtt.OnConnectHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = h
}

// HoldPublishes makes later publish tokens pend until the returned release
// func is called. Messages are still recorded.
func (c *MockClient) HoldPublishes() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.publishGate = gate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.publishGate = nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

// GetPublishedMessages returns a copy of every recorded publish
func (c *MockClient) GetPublishedMessages() []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MockMessage, len(c.published))
	copy(out, c.published)
	return out
}

// Subscriptions returns the currently subscribed topic filters
func (c *MockClient) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	filters := make([]string, 0, len(c.handlers))
	for f := range c.handlers {
		filters = append(filters, f)
	}
	return filters
}

// SimulateMessage delivers a message to every handler whose filter matches
// topic, on the caller's goroutine
func (c *MockClient) SimulateMessage(topic string, payload []byte) {
	c.mu.RLock()
	var matched []mqtt.MessageHandler
	for filter, h := range c.handlers {
		if h != nil && topicMatches(filter, topic) {
			matched = append(matched, h)
		}
	}
	c.mu.RUnlock()

	for _, h := range matched {
		h(c, &mockMessage{topic: topic, payload: payload})
	}
}

// topicMatches reports whether an MQTT topic filter matches a topic
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MockClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	err := c.connectError
	c.connected = err == nil
	onConnect := c.onConnect
	c.mu.Unlock()

	if err == nil && onConnect != nil {
		onConnect(c)
	}
	return NewMockToken(err)
}

func (c *MockClient) Disconnect(uint) { c.SetConnected(false) }

func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.connected:
		return NewMockToken(mqtt.ErrNotConnected)
	case c.publishError != nil:
		return NewMockToken(c.publishError)
	}

	msg := MockMessage{Topic: topic, QoS: qos, Retain: retained}
	switch v := payload.(type) {
	case []byte:
		msg.Payload = v
	case string:
		msg.Payload = []byte(v)
	}
	c.published = append(c.published, msg)

	if c.publishGate != nil {
		return &MockToken{done: c.publishGate}
	}
	return NewMockToken(nil)
}

func (c *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, callback)
}

func (c *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.connected:
		return NewMockToken(mqtt.ErrNotConnected)
	case c.subscribeError != nil:
		return NewMockToken(c.subscribeError)
	}
	for topic := range filters {
		c.handlers[topic] = callback
	}
	return NewMockToken(nil)
}

func (c *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	return NewMockToken(nil)
}

func (c *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
}

func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// mockMessage is the mqtt.Message delivered by SimulateMessage
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 1 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}
