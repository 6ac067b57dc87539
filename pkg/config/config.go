package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conveyorhq/conveyor/pkg/types"
)

// Well-known worker service names. Each name owns one request/callback
// channel pair; several pipeline nodes may share one worker service.
const (
	WorkerValidation      = "validation"
	WorkerMetadata        = "metadata"
	WorkerTextExtraction  = "text_extraction"
	WorkerAI              = "ai"
	WorkerMediaProcessing = "media_processing"
)

// WorkerNames lists every built-in worker service
func WorkerNames() []string {
	return []string{
		WorkerValidation,
		WorkerMetadata,
		WorkerTextExtraction,
		WorkerAI,
		WorkerMediaProcessing,
	}
}

// DefaultCommandChannel is the channel the ingress listener subscribes to
const DefaultCommandChannel = "command_queue"

// Config is the root configuration for every Conveyor process
type Config struct {
	// BrokerURL is the websocket URL of a standalone broker
	// (e.g. ws://localhost:7420/broker). Empty selects the embedded
	// in-process broker, which only works in single-process mode.
	BrokerURL string `yaml:"broker_url"`

	// DataDir holds the broker's key/value database
	DataDir string `yaml:"data_dir"`

	// APIAddr is the HTTP listen address for the job API
	APIAddr string `yaml:"api_addr"`

	// BrokerAddr is the listen address for the standalone broker server
	BrokerAddr string `yaml:"broker_addr"`

	Log        LogConfig               `yaml:"log"`
	Listener   ListenerConfig          `yaml:"listener"`
	Validation ValidationConfig        `yaml:"validation"`
	Workers    map[string]WorkerConfig `yaml:"workers"`
}

// LogConfig controls log verbosity and format
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ListenerConfig controls the command-queue ingress listener
type ListenerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CommandChannel string `yaml:"command_channel"`

	// MaxConcurrentRuns bounds the number of pipeline runs in flight
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
}

// ValidationConfig is passed through to the validation worker
type ValidationConfig struct {
	AllowedContentTypes []string `yaml:"allowed_content_types"`

	// RejectZeroChecksum enables the dev-only sentinel that fails any
	// checksum ending in '0'. Disable in production.
	RejectZeroChecksum bool `yaml:"reject_zero_checksum"`
}

// WorkerConfig names the channel pair of one worker service and bounds how
// long the orchestrator waits for its callbacks
type WorkerConfig struct {
	RequestChannel  string `yaml:"request_channel"`
	CallbackChannel string `yaml:"callback_channel"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// Timeout returns the invocation deadline as a duration
func (w WorkerConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// Default returns the built-in configuration: embedded broker, listener on
// command_queue, spec channel names, 30s quick workers and 300s heavy workers
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/conveyor",
		APIAddr: ":8080",

		BrokerAddr: ":7420",

		Log: LogConfig{Level: "info"},

		Listener: ListenerConfig{
			Enabled:           true,
			CommandChannel:    DefaultCommandChannel,
			MaxConcurrentRuns: 64,
		},

		Validation: ValidationConfig{
			AllowedContentTypes: append([]string(nil), types.DefaultAllowedContentTypes...),
			RejectZeroChecksum:  true,
		},

		Workers: map[string]WorkerConfig{
			WorkerValidation: {
				RequestChannel:  "validation_queue",
				CallbackChannel: "validation_callback_queue",
				TimeoutSeconds:  30,
			},
			WorkerMetadata: {
				RequestChannel:  "extract_metadata_queue",
				CallbackChannel: "extract_metadata_callback_queue",
				TimeoutSeconds:  30,
			},
			WorkerTextExtraction: {
				RequestChannel:  "extract_text_queue",
				CallbackChannel: "extract_text_callback_queue",
				TimeoutSeconds:  300,
			},
			WorkerAI: {
				RequestChannel:  "ai_queue",
				CallbackChannel: "ai_callback_queue",
				TimeoutSeconds:  300,
			},
			WorkerMediaProcessing: {
				RequestChannel:  "media_processing_queue",
				CallbackChannel: "media_processing_callback_queue",
				TimeoutSeconds:  300,
			},
		},
	}
}

// Load reads a YAML config file and merges it over the defaults. A missing
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime hangs
func (c *Config) Validate() error {
	if c.Listener.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("listener.max_concurrent_runs must be positive")
	}
	if c.Listener.Enabled && c.Listener.CommandChannel == "" {
		return fmt.Errorf("listener.command_channel must be set when the listener is enabled")
	}

	seen := map[string]string{}
	for name, w := range c.Workers {
		if w.RequestChannel == "" || w.CallbackChannel == "" {
			return fmt.Errorf("worker %q: request and callback channels must be set", name)
		}
		if w.TimeoutSeconds <= 0 {
			return fmt.Errorf("worker %q: timeout_seconds must be positive", name)
		}
		if other, dup := seen[w.RequestChannel]; dup {
			return fmt.Errorf("workers %q and %q share request channel %q", other, name, w.RequestChannel)
		}
		seen[w.RequestChannel] = name
	}
	return nil
}

// Worker returns the configuration for the named worker service
func (c *Config) Worker(name string) (WorkerConfig, error) {
	w, ok := c.Workers[name]
	if !ok {
		return WorkerConfig{}, fmt.Errorf("unknown worker %q", name)
	}
	return w, nil
}
