// Package config handles Tigerbee configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/tigerbee/config.yaml, /etc/tigerbee/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tigerbee", "config.yaml"))
	}

	paths = append(paths, "/etc/tigerbee/config.yaml")
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

// Config holds all Tigerbee configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
	DataDir   string `yaml:"data_dir"`

	Agent  AgentConfig  `yaml:"agent"`
	OSC    OSCConfig    `yaml:"osc"`
	Idle   IdleConfig   `yaml:"idle"`
	Speech SpeechConfig `yaml:"speech"`
	Models ModelsConfig `yaml:"models"`
	VRChat VRChatConfig `yaml:"vrchat"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

// AgentConfig shapes the persona.
type AgentConfig struct {
	// Title prefixes every chat box message.
	Title        string `yaml:"title"`
	SystemPrompt string `yaml:"system_prompt"`
	// FilterFile is the blocklist, one phrase per line. Required.
	FilterFile string `yaml:"filter_file"`
	// Names are the spellings speech recognition produces for the
	// agent's name; with "reset" or "restart" they force a new session.
	Names []string `yaml:"names"`
	// Greeting is spoken at startup ahead of the model's first reply.
	Greeting       string        `yaml:"greeting"`
	MaxResponseLen int           `yaml:"max_response_len"`
	EmoteHold      time.Duration `yaml:"emote_hold"`
}

// OSCConfig locates the avatar's OSC input.
type OSCConfig struct {
	Address string `yaml:"address"` // host:port
}

// IdleConfig tunes the idle behavior loop.
type IdleConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// SpeechConfig selects the speech input and output programs. Command
// arguments are templates; see the speech package for placeholders.
type SpeechConfig struct {
	// Input is "console" (typed lines on stdin) or "command".
	Input              string        `yaml:"input"`
	RecognizerCommand  []string      `yaml:"recognizer_command"`
	ListenTimeout      time.Duration `yaml:"listen_timeout"`
	PhraseLimit        time.Duration `yaml:"phrase_limit"`
	SynthesizerCommand []string      `yaml:"synthesizer_command"`
	PlayerCommand      []string      `yaml:"player_command"`
	// AudioDir holds numbered synthesized clips. Defaults to
	// DataDir/audio.
	AudioDir string `yaml:"audio_dir"`
	AudioExt string `yaml:"audio_ext"`
}

// ModelsConfig lists backend models in failover order.
type ModelsConfig struct {
	// InitialIndex is used on first start; afterwards the persisted
	// index wins.
	InitialIndex      int           `yaml:"initial_index"`
	OllamaURL         string        `yaml:"ollama_url"`
	GeminiAPIKey      string        `yaml:"gemini_api_key"`
	HealthIntervalSec int           `yaml:"health_interval_sec"`
	Available         []ModelConfig `yaml:"available"`
}

// ModelConfig names one model and the provider serving it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama or gemini
}

// VRChatConfig enables the friend-request greeter.
type VRChatConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// UserAgent must identify the bot and a contact address.
	UserAgent       string `yaml:"user_agent"`
	GroupID         string `yaml:"group_id"`
	BaseURL         string `yaml:"base_url"`
	Pipeline        bool   `yaml:"pipeline"`
	PipelineURL     string `yaml:"pipeline_url"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
}

// MQTTConfig configures the Home Assistant state publisher. Leave
// Broker empty to disable it.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded and unset fields take their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	if len(cfg.Models.Available) == 0 {
		cfg.Models = Default().Models
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			InitialIndex: 1,
			Available: []ModelConfig{
				{Name: "gemma3:4b", Provider: "ollama"},
				{Name: "llama3.2:3b", Provider: "ollama"},
				{Name: "gemini-2.5-flash", Provider: "gemini"},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}

	a := &c.Agent
	if a.Title == "" {
		a.Title = "Tigerbee🐝Bot"
	}
	if a.FilterFile == "" {
		a.FilterFile = "filtered-list.txt"
	}
	if len(a.Names) == 0 {
		a.Names = []string{"box", "bot", "bbott", "bebop", "butt"}
	}
	if a.Greeting == "" {
		a.Greeting = "This is the lower-end version of Tiger-bee bot. Things will change."
	}
	if a.MaxResponseLen <= 0 {
		a.MaxResponseLen = 300
	}
	if a.EmoteHold <= 0 {
		a.EmoteHold = 2 * time.Second
	}

	if c.OSC.Address == "" {
		c.OSC.Address = "127.0.0.1:9000"
	}
	if c.Idle.Interval <= 0 {
		c.Idle.Interval = 2600 * time.Millisecond
	}

	s := &c.Speech
	if s.Input == "" {
		s.Input = "console"
	}
	if s.ListenTimeout <= 0 {
		s.ListenTimeout = 1500 * time.Millisecond
	}
	if s.PhraseLimit <= 0 {
		s.PhraseLimit = 6 * time.Second
	}
	if s.AudioDir == "" {
		s.AudioDir = filepath.Join(c.DataDir, "audio")
	}
	if s.AudioExt == "" {
		s.AudioExt = ".wav"
	}

	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.HealthIntervalSec <= 0 {
		c.Models.HealthIntervalSec = 60
	}

	if c.VRChat.PollIntervalSec <= 0 {
		c.VRChat.PollIntervalSec = 10
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "tigerbee"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	if len(c.Models.Available) == 0 {
		errs = append(errs, errors.New("models.available must list at least one model"))
	}
	for i, m := range c.Models.Available {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("models.available[%d]: name is required", i))
		}
		switch m.Provider {
		case "ollama":
		case "gemini":
			if c.Models.GeminiAPIKey == "" {
				errs = append(errs, fmt.Errorf("models.available[%d]: gemini model %q needs models.gemini_api_key", i, m.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("models.available[%d]: unknown provider %q (valid: ollama, gemini)", i, m.Provider))
		}
	}
	if n := len(c.Models.Available); n > 0 && (c.Models.InitialIndex < 0 || c.Models.InitialIndex >= n) {
		errs = append(errs, fmt.Errorf("models.initial_index %d out of range (have %d models)", c.Models.InitialIndex, n))
	}

	switch c.Speech.Input {
	case "console":
	case "command":
		if len(c.Speech.RecognizerCommand) == 0 {
			errs = append(errs, errors.New("speech.recognizer_command is required when speech.input is command"))
		}
	default:
		errs = append(errs, fmt.Errorf("speech.input %q must be console or command", c.Speech.Input))
	}

	if c.VRChat.Enabled {
		if c.VRChat.Username == "" || c.VRChat.Password == "" {
			errs = append(errs, errors.New("vrchat.username and vrchat.password are required when vrchat is enabled"))
		}
		if c.VRChat.UserAgent == "" {
			errs = append(errs, errors.New("vrchat.user_agent is required when vrchat is enabled"))
		}
	}

	return errors.Join(errs...)
}
