package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	gpiod "github.com/warthog618/go-gpiocdev"
)

// ----------------------------------------------------------------------------
// Fake cart player
// ----------------------------------------------------------------------------

type recordedRequest struct {
	Method      string
	Path        string
	ContentType string
	Body        string
}

type fakeDevice struct {
	srv *httptest.Server

	mu         sync.Mutex
	statusCode int
	statusBody string
	cmdCode    int
	cmdBody    string
	requests   []recordedRequest
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	d := &fakeDevice{
		statusCode: http.StatusOK,
		statusBody: `{"carts":[]}`,
		cmdCode:    http.StatusOK,
		cmdBody:    `{"success":true}`,
	}
	d.srv = httptest.NewServer(http.HandlerFunc(d.handle))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDevice) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	d.mu.Lock()
	d.requests = append(d.requests, recordedRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		Body:        string(body),
	})
	code, resp := d.cmdCode, d.cmdBody
	if r.URL.Path == StatusPath {
		code, resp = d.statusCode, d.statusBody
	}
	d.mu.Unlock()

	w.WriteHeader(code)
	_, _ = io.WriteString(w, resp)
}

func (d *fakeDevice) setStatus(code int, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusCode, d.statusBody = code, body
}

func (d *fakeDevice) setCommandResponse(code int, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmdCode, d.cmdBody = code, body
}

func (d *fakeDevice) recorded() []recordedRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]recordedRequest{}, d.requests...)
}

func (d *fakeDevice) countPath(path string) int {
	n := 0
	for _, r := range d.recorded() {
		if r.Path == path {
			n++
		}
	}
	return n
}

func (d *fakeDevice) target(t *testing.T) DeviceTarget {
	t.Helper()
	return targetFromURL(t, d.srv.URL)
}

func targetFromURL(t *testing.T, raw string) DeviceTarget {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return DeviceTarget{Host: u.Hostname(), Port: u.Port()}
}

// closedTarget returns the address of a server that no longer listens
func closedTarget(t *testing.T) DeviceTarget {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	target := targetFromURL(t, srv.URL)
	srv.Close()
	return target
}

func testClient() *http.Client {
	return &http.Client{Timeout: 2 * time.Second}
}

// ----------------------------------------------------------------------------
// Manual scheduler
// ----------------------------------------------------------------------------

type manualScheduler struct {
	mu       sync.Mutex
	task     func()
	interval time.Duration
	events   []string
	overlap  bool
	shutdown bool
}

func (s *manualScheduler) Arm(interval time.Duration, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil {
		s.overlap = true
	}
	s.task = task
	s.interval = interval
	s.events = append(s.events, "arm")
	return nil
}

func (s *manualScheduler) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.task = nil
	s.events = append(s.events, "cancel")
	return nil
}

func (s *manualScheduler) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.task = nil
	s.shutdown = true
	return nil
}

// Fire runs the armed task once, as a timer tick would
func (s *manualScheduler) Fire() bool {
	s.mu.Lock()
	task := s.task
	s.mu.Unlock()
	if task == nil {
		return false
	}
	task()
	return true
}

func (s *manualScheduler) armed() (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task != nil, s.interval
}

func (s *manualScheduler) history() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.events...)
}

// ----------------------------------------------------------------------------
// Fake MQTT
// ----------------------------------------------------------------------------

type publishedMessage struct {
	Topic    string
	Retained bool
	Payload  string
}

type fakeMQTT struct {
	mu        sync.Mutex
	prefix    string
	connected bool
	published []publishedMessage
	handlers  map[string]mqtt.MessageHandler
}

func newFakeMQTT(prefix string) *fakeMQTT {
	return &fakeMQTT{prefix: prefix, connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	b, err := encodePayload(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedMessage{Topic: topic, Retained: retained, Payload: string(b)})
	return nil
}

func (m *fakeMQTT) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *fakeMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *fakeMQTT) TopicPrefix() string       { return m.prefix }
func (m *fakeMQTT) AvailabilityTopic() string { return m.prefix + "/status" }

func (m *fakeMQTT) last(topic string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.published) - 1; i >= 0; i-- {
		if m.published[i].Topic == topic {
			return m.published[i].Payload, true
		}
	}
	return "", false
}

func (m *fakeMQTT) count(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.published {
		if p.Topic == topic {
			n++
		}
	}
	return n
}

func (m *fakeMQTT) handler(topic string) mqtt.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[topic]
}

func (m *fakeMQTT) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return m.retained }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// ----------------------------------------------------------------------------
// Fake GPIO
// ----------------------------------------------------------------------------

type fakeGPIO struct {
	mu       sync.Mutex
	openErr  error
	opened   string
	closed   int
	outputs  map[string]int
	handlers map[string]func(gpiod.LineEvent)
	writes   int
}

func newFakeGPIO() *fakeGPIO {
	return &fakeGPIO{outputs: make(map[string]int), handlers: make(map[string]func(gpiod.LineEvent))}
}

func (g *fakeGPIO) OpenChip(chipName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return g.openErr
	}
	g.opened = chipName
	return nil
}

func (g *fakeGPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed++
	return nil
}

func (g *fakeGPIO) SetupOutput(name string, pin int, value int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outputs[name] = value
	return nil
}

func (g *fakeGPIO) SetupInput(cfg InputConfig, handler func(gpiod.LineEvent)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[cfg.Name] = handler
	return nil
}

func (g *fakeGPIO) SetOutput(name string, value int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outputs[name] = value
	g.writes++
	return nil
}

func (g *fakeGPIO) output(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outputs[name]
}

func (g *fakeGPIO) press(t *testing.T, input string) {
	t.Helper()
	g.mu.Lock()
	h := g.handlers[input]
	g.mu.Unlock()
	require.NotNil(t, h, "no handler for input %s", input)
	h(gpiod.LineEvent{Type: gpiod.LineEventRisingEdge})
}

// ----------------------------------------------------------------------------
// Recording subscriber
// ----------------------------------------------------------------------------

type recordingSubscriber struct {
	name string

	mu        sync.Mutex
	batches   []Variables
	feedbacks []ButtonTable
	order     []string
	err       error
}

func (r *recordingSubscriber) Name() string { return r.name }

func (r *recordingSubscriber) SetVariables(vars Variables) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, vars)
	r.order = append(r.order, "vars")
	return r.err
}

func (r *recordingSubscriber) CheckFeedbacks(table ButtonTable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedbacks = append(r.feedbacks, table)
	r.order = append(r.order, "feedback")
	return r.err
}

func (r *recordingSubscriber) lastBatch() Variables {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) == 0 {
		return nil
	}
	return r.batches[len(r.batches)-1]
}
