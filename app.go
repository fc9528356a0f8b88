package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Application
// ============================================================================

// Application represents the main application state
type Application struct {
	ctx        context.Context
	config     Config
	configFile string

	status     *StatusTracker
	metrics    *Metrics
	sender     *Sender
	dispatcher *Dispatcher
	notifier   *Notifier
	store      *StateStore
	cache      *VariableCache
	scheduler  Scheduler
	poller     *Poller
	panel      *Panel
	gpio       GPIOManager
	natsSink   *NATSSink

	mqttClient  mqtt.Client
	mqttManager MQTTManager
	surface     atomic.Pointer[MQTTSurface]

	mu sync.Mutex
}

// appDeps lets tests replace the hardware and timing dependencies
type appDeps struct {
	scheduler  Scheduler
	gpio       GPIOManager
	httpClient *http.Client
	registry   *prom.Registry
}

// NewApplication creates a new application instance from a config file
func NewApplication(ctx context.Context, configFile string) (*Application, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := newApplication(ctx, cfg, appDeps{})
	if err != nil {
		return nil, err
	}
	app.configFile = configFile
	return app, nil
}

func newApplication(ctx context.Context, cfg Config, deps appDeps) (*Application, error) {
	if deps.scheduler == nil {
		s, err := NewScheduler()
		if err != nil {
			return nil, err
		}
		deps.scheduler = s
	}
	if deps.gpio == nil {
		deps.gpio = NewGPIOManager()
	}

	metrics := NewMetrics(deps.registry)
	status := NewStatusTracker()
	sender := NewSender(cfg.Target(), deps.httpClient, status, metrics)
	notifier := NewNotifier()
	store := NewStateStore(notifier, metrics)
	cache := NewVariableCache()
	dispatcher := NewDispatcher(ctx, sender, metrics)

	app := &Application{
		ctx:        ctx,
		config:     cfg,
		status:     status,
		metrics:    metrics,
		sender:     sender,
		dispatcher: dispatcher,
		notifier:   notifier,
		store:      store,
		cache:      cache,
		scheduler:  deps.scheduler,
		poller:     NewPoller(ctx, sender, store, deps.scheduler, metrics),
		gpio:       deps.gpio,
	}

	notifier.Subscribe(cache)
	status.OnChange(metrics.SetConnectivity)
	status.OnChange(app.publishStatus)
	metrics.SetConnectivity(status.Current())
	return app, nil
}

// Config returns the active configuration
func (app *Application) Config() Config {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.config
}

// Start brings up the optional panel and NATS sink, then starts polling
func (app *Application) Start() error {
	app.mu.Lock()
	defer app.mu.Unlock()

	app.setupPanel()

	if app.config.NATS.URL != "" {
		sink, err := NewNATSSink(app.config.NATS)
		if err != nil {
			slog.Error("NATS sink disabled", "error", err)
		} else {
			app.natsSink = sink
			app.notifier.Subscribe(sink)
		}
	}

	return app.applyPolling()
}

// InitializeMQTT connects to the MQTT broker and sets up the surface on every connect
func (app *Application) InitializeMQTT() error {
	cfg := app.Config().MQTT
	if cfg.Broker == "" {
		slog.Warn("No MQTT broker configured, MQTT surface disabled")
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID("hotshot-cart-bridge-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(true)

	availTopic := fmt.Sprintf("%s/status", cfg.TopicPrefix)
	opts.SetWill(availTopic, "offline", 0, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		slog.Info("Connected to MQTT", "broker", cfg.Broker)
		c.Publish(availTopic, 0, true, "online")

		app.mu.Lock()
		defer app.mu.Unlock()
		if err := app.setupSurface(); err != nil {
			slog.Error("Error setting up MQTT surface", "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "error", err)
	})

	app.mqttClient = mqtt.NewClient(opts)
	app.mqttManager = NewMQTTManager(app.mqttClient, cfg.TopicPrefix)
	if token := app.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connection failed: %w", token.Error())
	}
	return nil
}

// setupSurface replaces the MQTT surface with one built from the current config.
// Caller holds app.mu.
func (app *Application) setupSurface() error {
	if app.mqttManager == nil {
		return nil
	}
	if old := app.surface.Load(); old != nil {
		app.notifier.Unsubscribe(old.Name())
	}

	surface := NewMQTTSurface(app.mqttManager, app.dispatcher, app.config)
	if err := surface.Setup(app.ctx); err != nil {
		return err
	}
	app.surface.Store(surface)
	app.notifier.Subscribe(surface)

	// Bring the new surface up to date without waiting for the next poll
	if err := surface.SetVariables(app.cache.Values()); err != nil {
		slog.Debug("Initial variable publish incomplete", "error", err)
	}
	if err := surface.CheckFeedbacks(app.store.Snapshot()); err != nil {
		slog.Debug("Initial feedback publish incomplete", "error", err)
	}
	surface.PublishStatus(app.status.Current())
	return nil
}

// setupPanel opens GPIO for the configured inputs and tallies. Caller holds app.mu.
func (app *Application) setupPanel() {
	app.notifier.Unsubscribe("gpio")
	if app.panel != nil {
		if err := app.panel.Close(); err != nil {
			slog.Warn("Error closing GPIO panel", "error", err)
		}
		app.panel = nil
	}

	panel := NewPanel(app.config.GPIO, app.gpio, app.dispatcher)
	if panel.Empty() {
		return
	}
	if err := panel.Setup(); err != nil {
		// Continue without GPIO - MQTT and HTTP surfaces still work
		slog.Error("Error opening GPIO chip", "chip", app.config.GPIO.Chip, "error", err)
		return
	}
	app.panel = panel
	app.notifier.Subscribe(panel)
	if err := panel.CheckFeedbacks(app.store.Snapshot()); err != nil {
		slog.Debug("Initial tally update incomplete", "error", err)
	}
}

// applyPolling starts or stops the poller to match the config. Caller holds app.mu.
func (app *Application) applyPolling() error {
	if !app.config.EnablePolling {
		return app.poller.Stop()
	}
	return app.poller.Start(app.config.PollEvery())
}

// publishStatus forwards connectivity changes to the MQTT surface
func (app *Application) publishStatus(st ConnectivityStatus) {
	if surface := app.surface.Load(); surface != nil {
		surface.PublishStatus(st)
	}
}

// Reload reloads configuration from disk
func (app *Application) Reload() error {
	newConfig, err := loadConfig(app.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return app.ApplyConfig(newConfig)
}

// ApplyConfig switches to a new configuration generation: new device target,
// rebuilt surfaces and a restarted poller.
func (app *Application) ApplyConfig(newConfig Config) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if newConfig.NATS != app.config.NATS {
		slog.Warn("NATS settings changed; restart to apply")
	}
	if newConfig.MQTT.Broker != app.config.MQTT.Broker || newConfig.MQTT.TopicPrefix != app.config.MQTT.TopicPrefix {
		slog.Warn("MQTT broker settings changed; restart to apply")
		newConfig.MQTT.Broker = app.config.MQTT.Broker
		newConfig.MQTT.TopicPrefix = app.config.MQTT.TopicPrefix
	}

	if surface := app.surface.Load(); surface != nil && app.mqttManager != nil && app.mqttManager.IsConnected() {
		if err := surface.Teardown(); err != nil {
			slog.Warn("Error tearing down MQTT entities", "error", err)
		}
	}

	app.config = newConfig
	app.sender.SetTarget(newConfig.Target())

	if app.mqttManager != nil && app.mqttManager.IsConnected() {
		if err := app.setupSurface(); err != nil {
			slog.Error("Error setting up MQTT surface", "error", err)
		}
	}
	app.setupPanel()

	if err := app.applyPolling(); err != nil {
		return fmt.Errorf("restart polling: %w", err)
	}

	slog.Info("Configuration reload complete", "host", newConfig.Host, "port", newConfig.Port,
		"polling", newConfig.EnablePolling, "interval_ms", newConfig.PollInterval)
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	if err := app.poller.Stop(); err != nil {
		slog.Warn("Error stopping poller", "error", err)
	}
	app.poller.Wait()
	if err := app.scheduler.Shutdown(); err != nil {
		slog.Warn("Error stopping scheduler", "error", err)
	}

	app.mu.Lock()
	defer app.mu.Unlock()

	if surface := app.surface.Load(); surface != nil {
		if err := surface.Teardown(); err != nil {
			slog.Warn("Error tearing down MQTT entities", "error", err)
		}
		app.surface.Store(nil)
	}

	if app.mqttManager != nil {
		if err := app.mqttManager.Publish(app.mqttManager.AvailabilityTopic(), 0, true, "offline"); err != nil {
			slog.Debug("Failed to publish offline status", "error", err)
		}
	}

	if app.panel != nil {
		if err := app.panel.Close(); err != nil {
			slog.Error("Error closing GPIO", "error", err)
		}
	}

	if app.natsSink != nil {
		app.natsSink.Close()
	}

	if app.mqttClient != nil {
		app.mqttClient.Disconnect(250)
	}
	return nil
}
