// Package config handles toolrelay configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/toolrelay/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./toolrelay.yaml, ~/.config/toolrelay/config.yaml, /etc/toolrelay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"toolrelay.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolrelay", "config.yaml"))
	}

	paths = append(paths, "/etc/toolrelay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Default ports for the two tool servers.
const (
	DefaultServerPort       = 7420
	DefaultDeviceServerPort = 7421
)

// SecondaryReadMargin is added to the emulator run timeout so the client
// still receives the workflow's own timeout result.
const SecondaryReadMargin = time.Minute

// Recording duration bounds in seconds.
const (
	MinRecordingSeconds = 30
	MaxRecordingSeconds = 600
)

// Config holds all toolrelay configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
	DataDir   string `yaml:"data_dir"`

	Client       ClientConfig       `yaml:"client"`
	Server       ServerConfig       `yaml:"server"`
	DeviceServer DeviceServerConfig `yaml:"device_server"`

	GitHub    GitHubConfig    `yaml:"github"`
	Currency  CurrencyConfig  `yaml:"currency"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Messaging MessagingConfig `yaml:"messaging"`
	Reviews   ServiceConfig   `yaml:"reviews"`
	Tickets   ServiceConfig   `yaml:"tickets"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// EndpointConfig names one tool server a client connects to.
type EndpointConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ClientConfig controls how the client side reaches the tool servers.
// Secondary is optional; when nil the client talks to the primary only.
type ClientConfig struct {
	Primary   EndpointConfig  `yaml:"primary"`
	Secondary *EndpointConfig `yaml:"secondary"`

	// SecondaryTools lists tool names served by the secondary. Empty
	// means the device automation tool only.
	SecondaryTools []string `yaml:"secondary_tools"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`

	// SecondaryReadTimeout bounds device tool calls. Defaults to the
	// emulator run_timeout plus SecondaryReadMargin.
	SecondaryReadTimeout time.Duration `yaml:"secondary_read_timeout"`

	RetryDelay      time.Duration `yaml:"retry_delay"`
	MaxSkippedLines int           `yaml:"max_skipped_lines"`
}

// ServerConfig defines the primary tool server listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	Name   string `yaml:"name"`
}

// DeviceServerConfig defines the secondary (device) tool server.
type DeviceServerConfig struct {
	Listen   string         `yaml:"listen"`
	Name     string         `yaml:"name"`
	Emulator EmulatorConfig `yaml:"emulator"`
}

// EmulatorConfig drives the Android emulator automation workflow.
type EmulatorConfig struct {
	ADBPath        string `yaml:"adb_path"`
	EmulatorPath   string `yaml:"emulator_path"`
	AVDManagerPath string `yaml:"avdmanager_path"`

	AVDName     string `yaml:"avd_name"`
	SystemImage string `yaml:"system_image"`
	PackageName string `yaml:"package_name"`

	// RecordingDir holds pulled recordings. Defaults to data_dir/recordings.
	RecordingDir      string `yaml:"recording_dir"`
	RecordingDuration int    `yaml:"recording_duration"` // seconds
	RetentionDays     int    `yaml:"retention_days"`

	BootTimeout time.Duration `yaml:"boot_timeout"`
	WarmupDelay time.Duration `yaml:"warmup_delay"`
	AwaitDelay  time.Duration `yaml:"await_delay"`
	RunTimeout  time.Duration `yaml:"run_timeout"`
}

// GitHubConfig enables the repository query tools.
type GitHubConfig struct {
	Token string `yaml:"token"`
	// URL is the API base URL. Empty means api.github.com; set it for
	// GitHub Enterprise.
	URL   string `yaml:"url"`
	Owner string `yaml:"owner"` // default owner for unqualified repo names
}

// Configured reports whether the GitHub tools should be registered.
func (c GitHubConfig) Configured() bool { return c.Token != "" }

// CurrencyConfig points at a Frankfurter-compatible exchange rate API.
type CurrencyConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether the exchange rate tool should be registered.
func (c CurrencyConfig) Configured() bool { return c.URL != "" }

// PricingConfig names the budget estimation script.
type PricingConfig struct {
	Interpreter string        `yaml:"interpreter"`
	Script      string        `yaml:"script"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Configured reports whether the budget estimation tool should be registered.
func (c PricingConfig) Configured() bool { return c.Script != "" }

// MessagingConfig defines the outbound messaging API.
type MessagingConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Configured reports whether the send_message tool should be registered.
func (c MessagingConfig) Configured() bool { return c.URL != "" }

// ServiceConfig is a plain REST collaborator with optional bearer auth.
type ServiceConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether the service has a base URL.
func (c ServiceConfig) Configured() bool { return c.URL != "" }

// MQTTConfig enables publishing of workflow step events.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// optional services enabled.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	paths.ExpandAll(
		&c.DataDir,
		&c.DeviceServer.Emulator.RecordingDir,
		&c.DeviceServer.Emulator.ADBPath,
		&c.DeviceServer.Emulator.EmulatorPath,
		&c.DeviceServer.Emulator.AVDManagerPath,
		&c.Pricing.Script,
	)

	cl := &c.Client
	if cl.Primary.Host == "" {
		cl.Primary.Host = "127.0.0.1"
	}
	if cl.Primary.Port == 0 {
		cl.Primary.Port = DefaultServerPort
	}
	if cl.Secondary != nil && cl.Secondary.Host == "" {
		cl.Secondary.Host = "127.0.0.1"
	}
	if cl.ConnectTimeout == 0 {
		cl.ConnectTimeout = 10 * time.Second
	}
	if cl.ReadTimeout == 0 {
		cl.ReadTimeout = 90 * time.Second
	}
	if cl.RetryDelay == 0 {
		cl.RetryDelay = 2 * time.Second
	}
	if cl.MaxSkippedLines == 0 {
		cl.MaxSkippedLines = 1000
	}

	if c.Server.Listen == "" {
		c.Server.Listen = fmt.Sprintf(":%d", DefaultServerPort)
	}
	if c.Server.Name == "" {
		c.Server.Name = "toolrelay"
	}
	if c.DeviceServer.Listen == "" {
		c.DeviceServer.Listen = fmt.Sprintf(":%d", DefaultDeviceServerPort)
	}
	if c.DeviceServer.Name == "" {
		c.DeviceServer.Name = "toolrelay-device"
	}

	em := &c.DeviceServer.Emulator
	if em.ADBPath == "" {
		em.ADBPath = "adb"
	}
	if em.EmulatorPath == "" {
		em.EmulatorPath = "emulator"
	}
	if em.AVDManagerPath == "" {
		em.AVDManagerPath = "avdmanager"
	}
	if em.AVDName == "" {
		em.AVDName = "toolrelay_avd"
	}
	if em.SystemImage == "" {
		em.SystemImage = "system-images;android-34;google_apis;x86_64"
	}
	if em.RecordingDir == "" {
		em.RecordingDir = filepath.Join(c.DataDir, "recordings")
	}
	if em.RecordingDuration == 0 {
		em.RecordingDuration = 60
	}
	em.RecordingDuration = ClampRecordingDuration(em.RecordingDuration)
	if em.RetentionDays == 0 {
		em.RetentionDays = 7
	}
	if em.BootTimeout == 0 {
		em.BootTimeout = 3 * time.Minute
	}
	if em.WarmupDelay == 0 {
		em.WarmupDelay = 5 * time.Second
	}
	if em.AwaitDelay == 0 {
		em.AwaitDelay = 20 * time.Second
	}
	if em.RunTimeout == 0 {
		em.RunTimeout = 5 * time.Minute
	}

	if cl.SecondaryReadTimeout == 0 {
		cl.SecondaryReadTimeout = max(em.RunTimeout+SecondaryReadMargin, cl.ReadTimeout)
	}

	if c.Pricing.Interpreter == "" {
		c.Pricing.Interpreter = "python3"
	}
	if c.Pricing.Timeout == 0 {
		c.Pricing.Timeout = 30 * time.Second
	}
	if c.Messaging.Timeout == 0 {
		c.Messaging.Timeout = 60 * time.Second
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "toolrelay"
	}
}

// ClampRecordingDuration bounds a recording length to the range the
// screen recorder accepts.
func ClampRecordingDuration(seconds int) int {
	return min(max(seconds, MinRecordingSeconds), MaxRecordingSeconds)
}

// Validate checks that the configuration is internally consistent.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: must be text or json", c.LogFormat))
	}

	if err := validPort("client.primary.port", c.Client.Primary.Port); err != nil {
		errs = append(errs, err)
	}
	if sec := c.Client.Secondary; sec != nil {
		if err := validPort("client.secondary.port", sec.Port); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Client.MaxSkippedLines < 0 {
		// negative disables the cap in the transport; only -1 is documented
		if c.Client.MaxSkippedLines != -1 {
			errs = append(errs, fmt.Errorf("client.max_skipped_lines %d: use -1 to disable the cap", c.Client.MaxSkippedLines))
		}
	}
	if c.Client.ConnectTimeout < 0 || c.Client.ReadTimeout < 0 || c.Client.SecondaryReadTimeout < 0 || c.Client.RetryDelay < 0 {
		errs = append(errs, errors.New("client timeouts must not be negative"))
	}

	if c.DeviceServer.Emulator.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("device_server.emulator.retention_days %d: must not be negative", c.DeviceServer.Emulator.RetentionDays))
	}

	if c.MQTT.Configured() && c.MQTT.TopicPrefix == "" {
		errs = append(errs, errors.New("mqtt.topic_prefix is required when mqtt.broker is set"))
	}

	return errors.Join(errs...)
}

func validPort(field string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s %d: must be between 1 and 65535", field, port)
	}
	return nil
}
