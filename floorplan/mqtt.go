package floorplan

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// ReadingHandler is called for every distance message. present is false when
// the sensor reported unknown, unavailable or a non-numeric value, in which
// case the previous reading should be dropped.
type ReadingHandler func(deviceID, beaconID string, distance float64, present bool)

// MQTTClient manages the MQTT connection and the distance subscriptions
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	handler     ReadingHandler
	isConnected bool
	mu          sync.RWMutex
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this returns nil
func InitMQTT(config *Config, handler ReadingHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Devices) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no device configuration provided")
	}

	client := &MQTTClient{
		config:  config,
		handler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		// Several instances may share a broker, keep ids unique
		clientID = "floortrack-" + uuid.NewString()[:8]
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
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	opts.SetOrderMatters(false)

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
		log.Println("[MQTT] connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to every device's distance topics
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("[MQTT] connected, subscribing to device topics...")
	c.setConnected(true)

	for _, device := range c.config.Devices {
		if device.Topic == "" {
			log.Printf("[MQTT] warning: device %s has no topic configured", device.ID)
			continue
		}

		topic := ReadingTopic(device.Topic)
		log.Printf("[MQTT] subscribing to %s for device %s", topic, device.ID)
		token := client.Subscribe(topic, 0, c.handleMessage)

		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] error subscribing to %s: %v", topic, token.Error())
		} else {
			log.Printf("[MQTT] subscribed to %s", topic)
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

// ReadingTopic is the subscription filter for a device base topic
func ReadingTopic(base string) string {
	return strings.TrimSuffix(base, "/") + "/+"
}

// handleMessage routes a distance message to its device. The beacon id is
// the last topic segment.
func (c *MQTTClient) handleMessage(client mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	deviceID, ok := c.GetDeviceByTopic(topic)
	if !ok {
		debugf("ignoring message on %s: no device", topic)
		return
	}
	beaconID := topic[strings.LastIndex(topic, "/")+1:]
	if beaconID == "" {
		return
	}

	distance, present := ParseDistance(msg.Payload())
	debugf("%s/%s: distance=%.3f present=%v", deviceID, beaconID, distance, present)

	if c.handler != nil {
		c.handler(deviceID, beaconID, distance, present)
	}
}

// distancePayload covers the JSON object forms sensors publish
type distancePayload struct {
	Distance *float64        `json:"distance"`
	State    json.RawMessage `json:"state"`
}

// ParseDistance decodes a distance payload. Accepted forms are a plain
// number, a JSON number or string, {"distance": n} and {"state": ...}.
// Anything else, including "unknown" and "unavailable", is absent.
func ParseDistance(payload []byte) (float64, bool) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return 0, false
	}

	if strings.HasPrefix(s, "{") {
		var p distancePayload
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return 0, false
		}
		if p.Distance != nil {
			return validDistance(*p.Distance)
		}
		if len(p.State) > 0 {
			return ParseDistance(p.State)
		}
		return 0, false
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal([]byte(s), &str); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(str)
	}

	switch strings.ToLower(s) {
	case "unknown", "unavailable", "none", "null":
		return 0, false
	}

	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return validDistance(d)
}

func validDistance(d float64) (float64, bool) {
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return 0, false
	}
	return d, true
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
		log.Println("[MQTT] disconnecting from broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetDeviceByTopic returns the device ID for a reading topic
func (c *MQTTClient) GetDeviceByTopic(topic string) (string, bool) {
	for _, device := range c.config.Devices {
		base := strings.TrimSuffix(device.Topic, "/")
		if base == "" {
			continue
		}
		if strings.HasPrefix(topic, base+"/") && !strings.Contains(topic[len(base)+1:], "/") {
			return device.ID, true
		}
	}
	return "", false
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler ReadingHandler) *MQTTClient {
	return &MQTTClient{
		client:  client,
		config:  config,
		handler: handler,
	}
}
