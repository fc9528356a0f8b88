package main

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ============================================================================
// Configuration Structures
// ============================================================================

// Config is the root configuration loaded from JSON with HOTSHOT_ env overrides
type Config struct {
	Host          string        `mapstructure:"host"`           // Cart player hostname or IP
	Port          string        `mapstructure:"port"`           // Cart player HTTP port
	EnablePolling bool          `mapstructure:"enable_polling"` // Poll /api/status for feedback
	PollInterval  int           `mapstructure:"poll_interval"`  // Poll interval in milliseconds
	MQTT          MQTTConfig    `mapstructure:"mqtt"`
	Surface       SurfaceConfig `mapstructure:"surface"`
	GPIO          GPIOConfig    `mapstructure:"gpio"`
	HTTP          HTTPConfig    `mapstructure:"http"`
	NATS          NATSConfig    `mapstructure:"nats"`
}

// MQTTConfig defines MQTT broker connection settings
type MQTTConfig struct {
	Broker          string `mapstructure:"broker"`           // MQTT broker URL (e.g., "tcp://localhost:1883")
	User            string `mapstructure:"user"`             // MQTT username
	Password        string `mapstructure:"password"`         // MQTT password
	TopicPrefix     string `mapstructure:"topic_prefix"`     // Base topic for all MQTT messages
	Discovery       bool   `mapstructure:"discovery"`        // Publish Home Assistant discovery
	DiscoveryPrefix string `mapstructure:"discovery_prefix"` // Home Assistant discovery prefix
}

// SurfaceConfig sizes the generated control-surface definitions
type SurfaceConfig struct {
	VariableButtons int   `mapstructure:"variable_buttons"` // Buttons with declared state/label variables
	PresetButtons   int   `mapstructure:"preset_buttons"`   // Play and toggle presets generated
	FeedbackButtons []int `mapstructure:"feedback_buttons"` // Extra buttons with a playing feedback
}

// GPIOConfig defines the optional hardware button panel
type GPIOConfig struct {
	Chip    string        `mapstructure:"chip"` // GPIO chip device (e.g., "gpiochip0")
	Inputs  []InputConfig `mapstructure:"inputs"`
	Tallies []TallyConfig `mapstructure:"tallies"`
}

// InputConfig binds a physical push button to a cart action
type InputConfig struct {
	Name     string  `mapstructure:"name"`     // Unique identifier for this input
	Pin      int     `mapstructure:"pin"`      // GPIO pin number
	PullUp   bool    `mapstructure:"pullup"`   // Enable internal pull-up resistor
	Inverted bool    `mapstructure:"inverted"` // If true, LOW=pressed
	Button   int     `mapstructure:"button"`   // Cart button number
	Action   string  `mapstructure:"action"`   // play, stop, toggle or fade
	Duration float64 `mapstructure:"duration"` // Fade seconds for the fade action
	Enabled  *bool   `mapstructure:"enabled"`  // nil or true = enabled
}

// TallyConfig binds a GPIO output to a button's playing feedback
type TallyConfig struct {
	Name     string `mapstructure:"name"`
	Pin      int    `mapstructure:"pin"`
	Inverted bool   `mapstructure:"inverted"` // If true, LOW=lit
	Button   int    `mapstructure:"button"`
	Enabled  *bool  `mapstructure:"enabled"`
}

// HTTPConfig defines the status API listener
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// NATSConfig defines the optional NATS variable sink
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

const (
	defaultHost         = "localhost"
	defaultPort         = "8080"
	defaultPollInterval = 1000
	minPollInterval     = 100
	maxPollInterval     = 10000
)

// hostnamePattern accepts RFC 1123 hostnames and dotted IPv4 addresses
var hostnamePattern = regexp.MustCompile(`^(([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]*[a-zA-Z0-9])\.)*([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9\-]*[A-Za-z0-9])$`)

// Target returns the device target of this configuration
func (c Config) Target() DeviceTarget {
	return DeviceTarget{Host: c.Host, Port: c.Port}
}

// PollEvery returns the poll interval as a duration
func (c Config) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// Validate checks device address and polling range
func (c Config) Validate() error {
	if !hostnamePattern.MatchString(c.Host) {
		return fmt.Errorf("invalid host %q", c.Host)
	}
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	if c.PollInterval < minPollInterval || c.PollInterval > maxPollInterval {
		return fmt.Errorf("poll_interval %d out of range [%d, %d]", c.PollInterval, minPollInterval, maxPollInterval)
	}
	if c.MQTT.Broker != "" && c.MQTT.TopicPrefix == "" {
		return errors.New("mqtt.topic_prefix is required")
	}
	for _, in := range c.GPIO.Inputs {
		if !isEnabled(in.Enabled) {
			continue
		}
		if _, err := in.Command(); err != nil {
			return fmt.Errorf("gpio input %s: %w", in.Name, err)
		}
	}
	for _, t := range c.GPIO.Tallies {
		if isEnabled(t.Enabled) && (t.Button < MinButton || t.Button > MaxButton) {
			return fmt.Errorf("gpio tally %s: %w: %d", t.Name, ErrInvalidButton, t.Button)
		}
	}
	return nil
}

// Command returns the validated command bound to the input
func (in InputConfig) Command() (Command, error) {
	action, err := ParseAction(in.Action)
	if err != nil {
		return Command{}, err
	}
	cmd := Command{Action: action, Button: in.Button}
	if action == ActionFade {
		cmd.FadeSeconds = in.Duration
		if cmd.FadeSeconds == 0 {
			cmd.FadeSeconds = DefaultFadeSeconds
		}
	}
	return cmd, cmd.Validate()
}

func newConfigViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("HOTSHOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", defaultHost)
	v.SetDefault("port", defaultPort)
	v.SetDefault("enable_polling", true)
	v.SetDefault("poll_interval", defaultPollInterval)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.user", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "hotshot")
	v.SetDefault("mqtt.discovery", true)
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")
	v.SetDefault("surface.variable_buttons", DefaultVariableButtons)
	v.SetDefault("surface.preset_buttons", DefaultPresetButtons)
	v.SetDefault("gpio.chip", "gpiochip0")
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.listen", ":8090")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "hotshot")

	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// loadConfig reads the configuration file, applies defaults and env overrides,
// and validates the result. A missing file yields the defaults.
func loadConfig(path string) (Config, error) {
	var cfg Config
	v := newConfigViper(path)

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// isEnabled returns true if enabled is nil or true
func isEnabled(enabled *bool) bool {
	return enabled == nil || *enabled
}
