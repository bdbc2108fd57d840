package territory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// SessionSink receives activity lifecycle messages decoded from MQTT.
// *Tracker implements it.
type SessionSink interface {
	Start(userID string, activity ActivityType)
	AddFix(userID string, fix Fix) (bool, error)
	Finish(userID string) (bool, error)
}

// MQTTClient subscribes to per-user tracking topics and forwards them to a
// SessionSink:
//
//	{prefix}/{userID}/start   {"activity":"running"}
//	{prefix}/{userID}/fix     {"lat":..,"lon":..,"timestamp":<unix ms>}
//	{prefix}/{userID}/finish
type MQTTClient struct {
	client      mqtt.Client
	topicPrefix string
	sink        SessionSink
	isConnected bool
	mu          sync.RWMutex
}

// startPayload is the body of a start message
type startPayload struct {
	Activity string `json:"activity"`
}

// fixPayload is the body of a fix message
type fixPayload struct {
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Timestamp int64    `json:"timestamp,omitempty"` // unix milliseconds
}

// InitMQTT creates and connects the ingest client.
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this
// returns nil, nil.
func InitMQTT(config *Config, sink SessionSink) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil {
		config = &Config{}
	}
	if sink == nil {
		return nil, fmt.Errorf("MQTT enabled but no session sink provided")
	}

	client := &MQTTClient{
		topicPrefix: config.GetTopicPrefix(),
		sink:        sink,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "loopcapture"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// Fixes for one user must reach the scanner in order.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] Connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// Topics returns the subscription filters for the ingest topics
func (c *MQTTClient) Topics() []string {
	return []string{
		c.topicPrefix + "/+/start",
		c.topicPrefix + "/+/fix",
		c.topicPrefix + "/+/finish",
	}
}

// onConnect subscribes to the tracking topics on every (re)connect
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("[MQTT] Connected, subscribing to tracking topics...")
	c.setConnected(true)

	for _, topic := range c.Topics() {
		token := client.Subscribe(topic, 1, c.handleMessage)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
		} else {
			log.Printf("[MQTT] Subscribed to %s", topic)
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] Reconnecting...")
}

// parseTrackingTopic splits "{prefix}/{userID}/{kind}"
func (c *MQTTClient) parseTrackingTopic(topic string) (userID, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, c.topicPrefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// handleMessage dispatches one tracking message to the sink
func (c *MQTTClient) handleMessage(client mqtt.Client, msg mqtt.Message) {
	userID, kind, ok := c.parseTrackingTopic(msg.Topic())
	if !ok {
		log.Printf("[MQTT] Ignoring message on unexpected topic %s", msg.Topic())
		return
	}
	if err := c.dispatch(userID, kind, msg.Payload()); err != nil {
		log.Printf("[MQTT] %s %s: %v", userID, kind, err)
	}
}

func (c *MQTTClient) dispatch(userID, kind string, payload []byte) error {
	switch kind {
	case "start":
		var p startPayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				// Accept a bare activity name as well as the JSON object.
				p.Activity = strings.Trim(strings.TrimSpace(string(payload)), `"`)
			}
		}
		activity := ParseActivity(p.Activity)
		log.Printf("[MQTT] %s started %s", userID, activity)
		c.sink.Start(userID, activity)
		return nil

	case "fix":
		fix, err := decodeFix(payload)
		if err != nil {
			return err
		}
		_, err = c.sink.AddFix(userID, fix)
		return err

	case "finish":
		captured, err := c.sink.Finish(userID)
		if err != nil {
			return err
		}
		log.Printf("[MQTT] %s finished (fallback capture: %v)", userID, captured)
		return nil
	}
	return fmt.Errorf("unknown message kind %q", kind)
}

// decodeFix parses a fix payload; a missing timestamp means receipt time
func decodeFix(payload []byte) (Fix, error) {
	var p fixPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Fix{}, fmt.Errorf("decoding fix: %w", err)
	}
	if p.Lat == nil || p.Lon == nil {
		return Fix{}, errors.New("decoding fix: lat and lon are required")
	}
	fix := Fix{Coordinate: Coordinate{Lat: *p.Lat, Lon: *p.Lon}}
	if p.Timestamp > 0 {
		fix.Time = time.UnixMilli(p.Timestamp)
	} else {
		fix.Time = time.Now()
	}
	return fix, nil
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, topicPrefix string, sink SessionSink) *MQTTClient {
	return &MQTTClient{
		client:      client,
		topicPrefix: topicPrefix,
		sink:        sink,
	}
}
