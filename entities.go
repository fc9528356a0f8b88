package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// Device information for Home Assistant discovery
	Manufacturer  = "r0bb10"
	DeviceName    = "HotShot Cart Bridge"
	HardwareModel = "HotShot Cart"

	discoveryNode = "hotshot_cart_bridge"
)

// ============================================================================
// Entities
// ============================================================================

// Entity represents any Home Assistant entity that can be set up and torn down
type Entity interface {
	// Setup subscribes and publishes Home Assistant discovery
	Setup(ctx context.Context, mqtt MQTTManager) error
	// Teardown removes the entity from Home Assistant
	Teardown(mqtt MQTTManager) error
	// Name returns the unique name of this entity
	Name() string
}

// PresetEntity exposes a preset as a Home Assistant button
type PresetEntity struct {
	preset          Preset
	discoveryPrefix string
}

func NewPresetEntity(p Preset, discoveryPrefix string) *PresetEntity {
	return &PresetEntity{preset: p, discoveryPrefix: discoveryPrefix}
}

func (e *PresetEntity) Name() string { return e.preset.ID }

func (e *PresetEntity) configTopic() string {
	return fmt.Sprintf("%s/button/%s/%s/config", e.discoveryPrefix, discoveryNode, e.preset.ID)
}

func (e *PresetEntity) Setup(ctx context.Context, mqtt MQTTManager) error {
	commandTopic := buttonCommandTopic(mqtt.TopicPrefix(), e.preset.Button, e.preset.Action)
	payload := discoveryBase(e.preset.Name, discoveryNode+"_"+e.preset.ID, commandTopic, "", mqtt.AvailabilityTopic())
	payload["payload_press"] = "PRESS"
	if e.preset.Action == ActionToggle {
		payload["icon"] = "mdi:play-pause"
	} else {
		payload["icon"] = "mdi:play"
	}
	return publishDiscovery(mqtt, e.configTopic(), payload, e.preset.ID)
}

func (e *PresetEntity) Teardown(mqtt MQTTManager) error {
	return mqtt.Publish(e.configTopic(), 0, true, "")
}

// FeedbackEntity is the buttonState feedback of one button, exposed as a
// Home Assistant binary sensor
type FeedbackEntity struct {
	button          int
	discoveryPrefix string

	mu        sync.Mutex
	published bool
	playing   bool
}

func NewFeedbackEntity(button int, discoveryPrefix string) *FeedbackEntity {
	return &FeedbackEntity{button: button, discoveryPrefix: discoveryPrefix}
}

func (e *FeedbackEntity) Name() string { return fmt.Sprintf("feedback_%d", e.button) }

func (e *FeedbackEntity) configTopic() string {
	return fmt.Sprintf("%s/binary_sensor/%s/%s/config", e.discoveryPrefix, discoveryNode, e.Name())
}

func (e *FeedbackEntity) Setup(ctx context.Context, mqtt MQTTManager) error {
	payload := discoveryBase(fmt.Sprintf("Button %d Playing", e.button), discoveryNode+"_"+e.Name(),
		"", buttonFeedbackTopic(mqtt.TopicPrefix(), e.button), mqtt.AvailabilityTopic())
	payload["payload_on"] = "ON"
	payload["payload_off"] = "OFF"
	payload["device_class"] = "running"
	if err := publishDiscovery(mqtt, e.configTopic(), payload, e.Name()); err != nil {
		return err
	}

	// Force the next evaluation to publish
	e.mu.Lock()
	e.published = false
	e.mu.Unlock()
	return nil
}

func (e *FeedbackEntity) Teardown(mqtt MQTTManager) error {
	return mqtt.Publish(e.configTopic(), 0, true, "")
}

// Evaluate applies the buttonState rule to table and publishes on change
func (e *FeedbackEntity) Evaluate(mqtt MQTTManager, table ButtonTable) error {
	playing := table.IsPlaying(e.button)

	e.mu.Lock()
	if e.published && e.playing == playing {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := mqtt.Publish(buttonFeedbackTopic(mqtt.TopicPrefix(), e.button), 0, true, getStateString(playing)); err != nil {
		return fmt.Errorf("publish feedback %d: %w", e.button, err)
	}

	e.mu.Lock()
	e.published = true
	e.playing = playing
	e.mu.Unlock()
	return nil
}

// SensorEntity exposes a state topic as a Home Assistant sensor
type SensorEntity struct {
	id              string
	name            string
	stateTopic      string
	valueTemplate   string
	discoveryPrefix string
}

func (e *SensorEntity) Name() string { return e.id }

func (e *SensorEntity) configTopic() string {
	return fmt.Sprintf("%s/sensor/%s/%s/config", e.discoveryPrefix, discoveryNode, e.id)
}

func (e *SensorEntity) Setup(ctx context.Context, mqtt MQTTManager) error {
	payload := discoveryBase(e.name, discoveryNode+"_"+e.id, "", e.stateTopic, mqtt.AvailabilityTopic())
	if e.valueTemplate != "" {
		payload["value_template"] = e.valueTemplate
	}
	return publishDiscovery(mqtt, e.configTopic(), payload, e.id)
}

func (e *SensorEntity) Teardown(mqtt MQTTManager) error {
	return mqtt.Publish(e.configTopic(), 0, true, "")
}

// EntityManager sets up and tears down a set of entities together
type EntityManager struct {
	entities []Entity
	mu       sync.Mutex
}

// NewEntityManager creates an empty entity manager
func NewEntityManager() *EntityManager {
	return &EntityManager{}
}

// Register adds an entity
func (em *EntityManager) Register(entity Entity) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.entities = append(em.entities, entity)
}

// SetupAll sets up every entity, continuing past failures
func (em *EntityManager) SetupAll(ctx context.Context, mqtt MQTTManager) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	var failed int
	for _, entity := range em.entities {
		if err := entity.Setup(ctx, mqtt); err != nil {
			slog.Error("Failed to set up entity", "entity", entity.Name(), "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d entities failed to set up", failed, len(em.entities))
	}
	return nil
}

// TeardownAll removes every entity from Home Assistant
func (em *EntityManager) TeardownAll(mqtt MQTTManager) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	var errs []error
	for _, entity := range em.entities {
		if err := entity.Teardown(mqtt); err != nil {
			errs = append(errs, fmt.Errorf("teardown %s: %w", entity.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during teardown: %v", errs)
	}
	return nil
}

// Len returns the number of registered entities
func (em *EntityManager) Len() int {
	em.mu.Lock()
	defer em.mu.Unlock()
	return len(em.entities)
}

// ============================================================================
// MQTT control surface
// ============================================================================

// MQTTSurface exposes actions, feedbacks, variables and presets over MQTT
type MQTTSurface struct {
	mqtt       MQTTManager
	dispatcher *Dispatcher
	discovery  bool
	entities   *EntityManager
	feedbacks  []*FeedbackEntity
}

// NewMQTTSurface builds the entities for the given configuration
func NewMQTTSurface(m MQTTManager, dispatcher *Dispatcher, cfg Config) *MQTTSurface {
	s := &MQTTSurface{
		mqtt:       m,
		dispatcher: dispatcher,
		discovery:  cfg.MQTT.Discovery,
		entities:   NewEntityManager(),
	}
	dp := cfg.MQTT.DiscoveryPrefix
	prefix := m.TopicPrefix()

	presets := Presets(cfg.Surface.PresetButtons)
	for _, p := range presets {
		s.entities.Register(NewPresetEntity(p, dp))
	}
	for _, n := range FeedbackButtons(presets, cfg.Surface.FeedbackButtons) {
		fb := NewFeedbackEntity(n, dp)
		s.feedbacks = append(s.feedbacks, fb)
		s.entities.Register(fb)
	}
	for _, def := range GlobalVariableDefinitions() {
		s.entities.Register(&SensorEntity{
			id:              def.ID,
			name:            def.Name,
			stateTopic:      variableTopic(prefix, def.ID),
			discoveryPrefix: dp,
		})
	}
	s.entities.Register(&SensorEntity{
		id:              "device_status",
		name:            "Cart Player Connection",
		stateTopic:      deviceStatusTopic(prefix),
		valueTemplate:   "{{ value_json.status }}",
		discoveryPrefix: dp,
	})
	return s
}

func (s *MQTTSurface) Name() string { return "mqtt" }

// Setup subscribes to the command topics and publishes discovery
func (s *MQTTSurface) Setup(ctx context.Context) error {
	filter := buttonCommandFilter(s.mqtt.TopicPrefix())
	if err := s.mqtt.Subscribe(filter, 0, s.createCommandHandler()); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	if !s.discovery {
		return nil
	}
	return s.entities.SetupAll(ctx, s.mqtt)
}

// Teardown removes discovery entries
func (s *MQTTSurface) Teardown() error {
	if !s.discovery {
		return nil
	}
	return s.entities.TeardownAll(s.mqtt)
}

// SetVariables publishes each value as a retained variable topic
func (s *MQTTSurface) SetVariables(vars Variables) error {
	prefix := s.mqtt.TopicPrefix()
	var failed int
	for id, value := range vars {
		if err := s.mqtt.Publish(variableTopic(prefix, id), 0, true, value); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d variables not published", failed, len(vars))
	}
	return nil
}

// CheckFeedbacks re-evaluates every bound buttonState feedback
func (s *MQTTSurface) CheckFeedbacks(table ButtonTable) error {
	var errs []error
	for _, fb := range s.feedbacks {
		if err := fb.Evaluate(s.mqtt, table); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("feedback errors: %v", errs)
	}
	return nil
}

// PublishStatus mirrors the connectivity status on the device status topic
func (s *MQTTSurface) PublishStatus(st ConnectivityStatus) {
	if !s.mqtt.IsConnected() {
		return
	}
	if err := s.mqtt.Publish(deviceStatusTopic(s.mqtt.TopicPrefix()), 0, true, st); err != nil {
		slog.Debug("Failed to publish device status", "error", err)
	}
}

// createCommandHandler routes <prefix>/button/<n>/<action> to the dispatcher
func (s *MQTTSurface) createCommandHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		if msg.Retained() {
			return
		}
		cmd, err := parseCommandMessage(s.mqtt.TopicPrefix(), msg.Topic(), msg.Payload())
		if err != nil {
			slog.Warn("Ignoring MQTT command", "topic", msg.Topic(), "error", err)
			return
		}
		// paho delivers messages on one goroutine; never block it on HTTP
		go func() {
			if err := s.dispatcher.Dispatch(cmd, "mqtt"); err != nil {
				slog.Warn("Rejected MQTT command", "topic", msg.Topic(), "error", err)
			}
		}()
	}
}

// parseCommandMessage decodes a command topic and payload into a Command
func parseCommandMessage(prefix, topic string, payload []byte) (Command, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/button/")
	if !ok {
		return Command{}, fmt.Errorf("unexpected topic %q", topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return Command{}, fmt.Errorf("unexpected topic %q", topic)
	}
	button, err := strconv.Atoi(parts[0])
	if err != nil {
		return Command{}, fmt.Errorf("%w: %q", ErrInvalidButton, parts[0])
	}
	action, err := ParseAction(parts[1])
	if err != nil {
		return Command{}, err
	}

	cmd := Command{Action: action, Button: button}
	if action == ActionFade {
		seconds, err := parseFadePayload(payload)
		if err != nil {
			return Command{}, err
		}
		cmd.FadeSeconds = seconds
	}
	return cmd, cmd.Validate()
}

// parseFadePayload accepts "", "PRESS", a number of seconds or {"duration": x}
func parseFadePayload(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" || strings.EqualFold(s, "PRESS") {
		return DefaultFadeSeconds, nil
	}
	if strings.HasPrefix(s, "{") {
		var body struct {
			Duration *float64 `json:"duration"`
		}
		if err := json.Unmarshal([]byte(s), &body); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidFade, err)
		}
		if body.Duration == nil {
			return DefaultFadeSeconds, nil
		}
		return *body.Duration, nil
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFade, s)
	}
	return seconds, nil
}

// getDeviceInfo returns the device information payload for Home Assistant discovery
func getDeviceInfo() map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{discoveryNode},
		"name":         DeviceName,
		"manufacturer": Manufacturer,
		"model":        HardwareModel,
		"sw_version":   FirmwareVersion,
	}
}

// discoveryBase creates a base discovery payload with common fields
func discoveryBase(name, uniqueID, commandTopic, stateTopic, availabilityTopic string) map[string]interface{} {
	payload := map[string]interface{}{
		"name":               name,
		"unique_id":          uniqueID,
		"availability_topic": availabilityTopic,
		"device":             getDeviceInfo(),
	}
	if commandTopic != "" {
		payload["command_topic"] = commandTopic
	}
	if stateTopic != "" {
		payload["state_topic"] = stateTopic
	}
	return payload
}

// publishDiscovery publishes a discovery payload to Home Assistant
func publishDiscovery(mqtt MQTTManager, configTopic string, payload map[string]interface{}, entityName string) error {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discovery payload for %s: %w", entityName, err)
	}
	return mqtt.Publish(configTopic, 0, true, jsonPayload)
}

// getStateString converts a boolean to "ON" or "OFF"
func getStateString(isOn bool) string {
	if isOn {
		return "ON"
	}
	return "OFF"
}
