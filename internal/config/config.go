// Package config handles Valet configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/valet/config.yaml, /etc/valet/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "valet", "config.yaml"))
	}

	paths = append(paths, "/etc/valet/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all Valet configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	Models    ModelsConfig   `yaml:"models"`
	Agent     AgentConfig    `yaml:"agent"`
	Notifier  NotifierConfig `yaml:"notifier"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Email     EmailConfig    `yaml:"email"`
	CalDAV    CalDAVConfig   `yaml:"caldav"`
	Archive   ArchiveConfig  `yaml:"archive"`
	DataDir   string         `yaml:"data_dir"`
	Timezone  string         `yaml:"timezone"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
}

// ListenConfig defines the WebSocket server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// PublicURL is the externally reachable base URL (e.g.,
	// "ws://valet.local:8765"). Used for the pairing QR code; when
	// empty it is derived from Address and Port.
	PublicURL string `yaml:"public_url"`
	// AllowedOrigins restricts browser connections by Origin header.
	// Empty means any origin is accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's capabilities.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama
	SupportsTools bool   `yaml:"supports_tools"`
}

// AgentConfig tunes the conversation engine.
type AgentConfig struct {
	// MaxToolIterations bounds the tool loop within a single user
	// message. Zero means the default of 10.
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// SystemPromptFile optionally replaces the built-in system prompt.
	SystemPromptFile string `yaml:"system_prompt_file"`
}

// NotifierConfig tunes the reminder scan loop.
type NotifierConfig struct {
	// IntervalSec is the scan interval in seconds. Zero means 30.
	IntervalSec int `yaml:"interval_sec"`
}

// MQTTConfig defines the optional MQTT reminder sink.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g., mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`     // default: valet/reminders
	DeviceID string `yaml:"device_id"` // default: valet
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// EmailConfig defines the optional email reminder sink.
type EmailConfig struct {
	From string     `yaml:"from"`
	To   []string   `yaml:"to"`
	SMTP SMTPConfig `yaml:"smtp"`
}

// SMTPConfig holds SMTP delivery settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// StartTLS selects plain-then-upgrade (port 587). False means
	// implicit TLS (port 465).
	StartTLS bool `yaml:"starttls"`
}

// Configured reports whether email delivery is enabled.
func (c EmailConfig) Configured() bool {
	return c.SMTP.Host != "" && c.From != "" && len(c.To) > 0
}

// CalDAVConfig defines optional calendar mirroring of schedule records.
type CalDAVConfig struct {
	URL      string `yaml:"url"` // CalDAV server base URL
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Calendar is the calendar collection path. Empty uses the first
	// calendar found on the server.
	Calendar string `yaml:"calendar"`
}

// Configured reports whether calendar sync is enabled.
func (c CalDAVConfig) Configured() bool {
	return c.URL != ""
}

// ArchiveConfig controls the conversation turn archive.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ScheduleFile returns the path of the schedule JSON file under the
// data directory.
func (c *Config) ScheduleFile() string {
	return filepath.Join(c.DataDir, "schedules.json")
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8765},
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: "ollama", SupportsTools: true},
			},
		},
		Agent:    AgentConfig{MaxToolIterations: 10},
		Notifier: NotifierConfig{IntervalSec: 30},
		MQTT:     MQTTConfig{Topic: "valet/reminders", DeviceID: "valet"},
		DataDir:  "data",
	}
}

// Validate checks cross-field constraints that yaml decoding cannot
// express. Returns the first problem found.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Agent.MaxToolIterations < 0 {
		return fmt.Errorf("agent.max_tool_iterations must not be negative")
	}
	if c.Notifier.IntervalSec < 0 {
		return fmt.Errorf("notifier.interval_sec must not be negative")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}
	return nil
}
