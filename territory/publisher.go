package territory

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/paulmach/orb/geojson"
)

// publishQueueSize bounds events waiting for the broker
const publishQueueSize = 256

// Publisher forwards store events to MQTT so the app can react to captures,
// confirmations and failed claims:
//
//	{prefix}/{userID}/events        one message per event (not retained)
//	{prefix}/{userID}/territories   session captures as a FeatureCollection (retained)
//
// HandleEvent only enqueues; one worker goroutine publishes in event order.
// Listeners running inside a paho message handler never wait on the broker.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	snapshot      func(userID string) []Territory

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// EventMessage is the JSON body published for each event
type EventMessage struct {
	Kind      EventKind        `json:"kind"`
	UserID    string           `json:"userId"`
	TempID    string           `json:"tempId,omitempty"`
	Territory *geojson.Feature `json:"territory,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

// NewPublisher creates an event publisher. snapshot, when non-nil, supplies
// the session territories republished after every capture change.
// If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, publishPrefix string, snapshot func(userID string) []Territory) *Publisher {
	if publishPrefix == "" {
		publishPrefix = "loopcapture"
	}
	p := &Publisher{
		client:        client,
		publishPrefix: publishPrefix,
		qos:           1,
		snapshot:      snapshot,
		queue:         make(chan Event, publishQueueSize),
		done:          make(chan struct{}),
	}
	go p.run()
	return p
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// HandleEvent is an EventHandler. It never blocks: the event is queued for
// the worker, or dropped with a log line when the queue is full or closed.
func (p *Publisher) HandleEvent(ev Event) {
	if ev.UserID == "" {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		log.Printf("[MQTT] Publish queue full, dropping %s event for %s", ev.Kind, ev.UserID)
	}
}

// Close stops accepting events and waits until the queued ones are published
func (p *Publisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		p.publishQueued(ev)
	}
}

// publishQueued sends the event and then the user's territory snapshot;
// errors are logged
func (p *Publisher) publishQueued(ev Event) {
	if err := p.PublishEvent(ev); err != nil {
		log.Printf("[MQTT] Error publishing %s event for %s: %v", ev.Kind, ev.UserID, err)
		return
	}
	if p.snapshot != nil {
		if err := p.PublishTerritories(ev.UserID, p.snapshot(ev.UserID)); err != nil {
			log.Printf("[MQTT] Error publishing territories for %s: %v", ev.UserID, err)
		}
	}
}

// PublishEvent publishes one event to {prefix}/{userID}/events
func (p *Publisher) PublishEvent(ev Event) error {
	msg := EventMessage{
		Kind:      ev.Kind,
		UserID:    ev.UserID,
		TempID:    ev.TempID,
		Timestamp: time.Now().Unix(),
	}
	if ev.Territory.ID != "" {
		msg.Territory = TerritoryToFeature(ev.Territory)
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return p.publish(fmt.Sprintf("%s/%s/events", p.publishPrefix, ev.UserID), false, payload)
}

// PublishTerritories publishes the user's session captures as a retained
// FeatureCollection
func (p *Publisher) PublishTerritories(userID string, ts []Territory) error {
	payload, err := json.Marshal(TerritoriesToFeatureCollection(ts))
	if err != nil {
		return fmt.Errorf("marshaling territories: %w", err)
	}
	return p.publish(fmt.Sprintf("%s/%s/territories", p.publishPrefix, userID), true, payload)
}

func (p *Publisher) publish(topic string, retain bool, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
