// Package config handles Mimir configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mimir/config.yaml, /etc/mimir/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mimir", "config.yaml"))
	}

	paths = append(paths, "/etc/mimir/config.yaml")
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

// Config holds all Mimir configuration.
type Config struct {
	Listen      ListenConfig   `yaml:"listen"`
	LLM         LLMConfig      `yaml:"llm"`
	Agent       AgentConfig    `yaml:"agent"`
	Search      SearchConfig   `yaml:"search"`
	Weather     WeatherConfig  `yaml:"weather"`
	Location    LocationConfig `yaml:"location"`
	News        NewsConfig     `yaml:"news"`
	Voice       VoiceConfig    `yaml:"voice"`
	CalDAV      CalDAVConfig   `yaml:"caldav"`
	MQTT        MQTTConfig     `yaml:"mqtt"`
	Tasks       TasksConfig    `yaml:"tasks"`
	Outbound    OutboundConfig `yaml:"outbound"`
	DataDir     string         `yaml:"data_dir"`
	PersonaFile string         `yaml:"persona_file"`
	DefaultUser string         `yaml:"default_user"`
	LogLevel    string         `yaml:"log_level"`

	// LogFormat selects the log handler: "text" (default), "json", or
	// "console" for colourised human output.
	LogFormat string `yaml:"log_format"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig selects and configures the model providers.
type LLMConfig struct {
	// Default is the model used for chat turns and summaries.
	Default   string          `yaml:"default"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Anthropic AnthropicConfig `yaml:"anthropic"`

	// Models maps model names to providers. Models not listed fall
	// through to the provider of the default model.
	Models []ModelConfig `yaml:"models"`
}

// GeminiConfig defines Google Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig defines the Ollama server location.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// ModelConfig binds a model name to a provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // gemini, ollama, anthropic
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	MaxIterations int     `yaml:"max_iterations"`
	Temperature   float64 `yaml:"temperature"`

	// PersonalityIntensity is used when a request does not carry one.
	PersonalityIntensity int `yaml:"personality_intensity"`

	// HistoryLimit caps stored messages per user, preamble excluded.
	// Zero keeps everything.
	HistoryLimit int `yaml:"history_limit"`
}

// SearchConfig configures web search providers.
type SearchConfig struct {
	// Default names the provider used by web_search: google, searxng, brave.
	Default     string             `yaml:"default"`
	Google      GoogleSearchConfig `yaml:"google"`
	SearXNG     SearXNGConfig      `yaml:"searxng"`
	Brave       BraveConfig        `yaml:"brave"`
	DigestPages int                `yaml:"digest_pages"`
}

// GoogleSearchConfig holds Custom Search JSON API credentials.
type GoogleSearchConfig struct {
	APIKey   string `yaml:"api_key"`
	EngineID string `yaml:"engine_id"`
}

// SearXNGConfig points at a SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// BraveConfig holds Brave Search API credentials.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// WeatherConfig configures the OpenWeather provider.
type WeatherConfig struct {
	APIKey string `yaml:"api_key"`
	Units  string `yaml:"units"` // metric or imperial
}

// LocationConfig configures IP geolocation.
type LocationConfig struct {
	URL string `yaml:"url"`
}

// NewsConfig configures the headline feed.
type NewsConfig struct {
	FeedURL string `yaml:"feed_url"`
	Limit   int    `yaml:"limit"`
}

// VoiceConfig configures speech synthesis.
type VoiceConfig struct {
	Enabled      bool    `yaml:"enabled"`
	APIKey       string  `yaml:"api_key"`
	Voice        string  `yaml:"voice"`
	LanguageCode string  `yaml:"language_code"`
	Pitch        float64 `yaml:"pitch"`
	MaxInflight  int     `yaml:"max_inflight"`
}

// CalDAVConfig points calendar sync at a CalDAV collection. Sync is
// disabled when URL is empty.
type CalDAVConfig struct {
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	CalendarPath string `yaml:"calendar_path"`
}

// Configured reports whether CalDAV sync should run.
func (c CalDAVConfig) Configured() bool {
	return c.URL != "" && c.CalendarPath != ""
}

// MQTTConfig configures the status publisher. Publishing is disabled
// when Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// Configured reports whether MQTT publishing should run.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// TasksConfig bounds the background task queue.
type TasksConfig struct {
	Workers int `yaml:"workers"`
}

// OutboundConfig tunes outbound HTTP to third-party providers.
type OutboundConfig struct {
	TimeoutSec        int     `yaml:"timeout_sec"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Timeout returns the outbound timeout as a duration.
func (o OutboundConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSec) * time.Second
}

// Load reads configuration from a YAML file, expands environment
// variables, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.LLM.Default == "" {
		c.LLM.Default = "gemini-2.5-pro"
	}
	if c.LLM.Ollama.URL == "" {
		c.LLM.Ollama.URL = "http://localhost:11434"
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 5
	}
	if c.Agent.Temperature == 0 {
		c.Agent.Temperature = 0.7
	}
	if c.Agent.PersonalityIntensity == 0 {
		c.Agent.PersonalityIntensity = 50
	}
	if c.Search.Default == "" {
		c.Search.Default = "google"
	}
	if c.Search.DigestPages <= 0 {
		c.Search.DigestPages = 3
	}
	if c.Weather.Units == "" {
		c.Weather.Units = "metric"
	}
	if c.Location.URL == "" {
		c.Location.URL = "https://ipapi.co"
	}
	if c.News.FeedURL == "" {
		c.News.FeedURL = "https://news.google.com/rss?hl=en-GB&gl=GB&ceid=GB:en"
	}
	if c.News.Limit <= 0 {
		c.News.Limit = 10
	}
	if c.Voice.Voice == "" {
		c.Voice.Voice = "en-GB-Wavenet-D"
	}
	if c.Voice.LanguageCode == "" {
		c.Voice.LanguageCode = "en-GB"
	}
	if c.Voice.Pitch == 0 {
		c.Voice.Pitch = -10
	}
	if c.Voice.MaxInflight <= 0 {
		c.Voice.MaxInflight = 4
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "mimir"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mimir"
	}
	if c.Tasks.Workers <= 0 {
		c.Tasks.Workers = 2
	}
	if c.Outbound.TimeoutSec <= 0 {
		c.Outbound.TimeoutSec = 15
	}
	if c.Outbound.RequestsPerSecond <= 0 {
		c.Outbound.RequestsPerSecond = 5
	}
	if c.Outbound.Burst <= 0 {
		c.Outbound.Burst = 5
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.DefaultUser == "" {
		c.DefaultUser = "default"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json, console)", c.LogFormat))
	}
	switch c.Search.Default {
	case "google", "searxng", "brave":
	default:
		errs = append(errs, fmt.Errorf("unknown search.default %q (valid: google, searxng, brave)", c.Search.Default))
	}
	for _, m := range c.LLM.Models {
		switch strings.ToLower(m.Provider) {
		case "gemini", "ollama", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}
	if c.Agent.PersonalityIntensity < 0 || c.Agent.PersonalityIntensity > 100 {
		errs = append(errs, fmt.Errorf("agent.personality_intensity %d outside 0-100", c.Agent.PersonalityIntensity))
	}

	return errors.Join(errs...)
}

// ProviderFor returns the configured provider for a model name. Models
// without an explicit entry are inferred from their name.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.LLM.Models {
		if m.Name == model {
			return strings.ToLower(m.Provider)
		}
	}
	switch {
	case strings.HasPrefix(model, "gemini"):
		return "gemini"
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	default:
		return "ollama"
	}
}
