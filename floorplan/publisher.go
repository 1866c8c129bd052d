package floorplan

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/floortrack/trilat"
)

// Publisher manages publishing device fixes to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	fixes         map[string]*Fix
	failed        map[string]bool // devices with a failure status on the broker
	mu            sync.RWMutex
}

// FailureStatus is published when a device could not be located
type FailureStatus struct {
	DeviceID  string `json:"deviceId"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NewPublisher creates a new fix publisher. MQTT_PUBLISH_PREFIX overrides prefix.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // fire and forget
		retain:        true, // retain the latest fix
		fixes:         make(map[string]*Fix),
		failed:        make(map[string]bool),
	}
}

// Prefix returns the topic prefix fixes are published under
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

func (p *Publisher) fixTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s", p.publishPrefix, deviceID)
}

func (p *Publisher) statusTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", p.publishPrefix, deviceID)
}

// PublishFix publishes a device fix to its own topic and the combined
// positions topic. A failure status left by an earlier PublishFailure is
// cleared.
func (p *Publisher) PublishFix(fix *Fix) error {
	if fix == nil {
		return fmt.Errorf("nil fix")
	}
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	c := *fix
	p.mu.Lock()
	p.fixes[fix.DeviceID] = &c
	p.mu.Unlock()

	if err := p.publishJSON(p.fixTopic(fix.DeviceID), fix); err != nil {
		log.Printf("[MQTT] error publishing fix for %s: %v", fix.DeviceID, err)
		return err
	}
	log.Printf("[MQTT] published fix for %s: (%.2f, %.2f, %.2f) confidence=%.2f room=%s",
		fix.DeviceID, fix.X, fix.Y, fix.Z, fix.Confidence, fix.RoomID)

	if err := p.publishCombined(); err != nil {
		log.Printf("[MQTT] error publishing combined positions: %v", err)
		return err
	}

	return p.clearStatus(fix.DeviceID)
}

// clearStatus removes a retained failure status by publishing an empty
// payload to it
func (p *Publisher) clearStatus(deviceID string) error {
	p.mu.RLock()
	failed := p.failed[deviceID]
	p.mu.RUnlock()
	if !failed {
		return nil
	}

	if err := p.publish(p.statusTopic(deviceID), []byte{}); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.failed, deviceID)
	p.mu.Unlock()
	return nil
}

// WithdrawFix removes a device that can no longer be located: its retained
// fix is cleared and the combined topic is republished without it. Devices
// without a published fix are left alone.
func (p *Publisher) WithdrawFix(deviceID string) error {
	if _, ok := p.GetFix(deviceID); !ok {
		return nil
	}
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.ClearFix(deviceID)
	if err := p.publish(p.fixTopic(deviceID), []byte{}); err != nil {
		return err
	}
	log.Printf("[MQTT] withdrew fix for %s", deviceID)
	return p.publishCombined()
}

// PublishFailure publishes why a device has no position to <prefix>/<device>/status
func (p *Publisher) PublishFailure(deviceID string, err error) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	status := FailureStatus{
		DeviceID:  deviceID,
		Reason:    string(trilat.ReasonOf(err)),
		Message:   err.Error(),
		Timestamp: time.Now().Unix(),
	}
	if status.Reason == "" {
		status.Reason = "error"
	}
	if err := p.publishJSON(p.statusTopic(deviceID), status); err != nil {
		return err
	}
	p.mu.Lock()
	p.failed[deviceID] = true
	p.mu.Unlock()
	return nil
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	ids := make([]string, 0, len(p.fixes))
	for id := range p.fixes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fixes := make([]*Fix, 0, len(ids))
	for _, id := range ids {
		fixes = append(fixes, p.fixes[id])
	}
	p.mu.RUnlock()

	message := map[string]interface{}{
		"devices":   fixes,
		"timestamp": time.Now().Unix(),
	}
	return p.publishJSON(fmt.Sprintf("%s/positions", p.publishPrefix), message)
}

func (p *Publisher) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	return p.publish(topic, payload)
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetFix returns the last published fix for a device
func (p *Publisher) GetFix(deviceID string) (*Fix, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.fixes[deviceID]
	if !ok {
		return nil, false
	}
	c := *f
	return &c, true
}

// ClearFix forgets a device's fix so it is left out of the combined topic
func (p *Publisher) ClearFix(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.fixes, deviceID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
