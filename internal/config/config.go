// Package config loads the callpersona configuration file and applies
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	openRouterModel   = "google/gemini-3-flash-preview"
	ollamaBaseURL     = "http://localhost:11434/v1"
	ollamaAPIKey      = "ollama"
	ollamaModel       = "llama3.1:8b"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("15s", "5m"). Bare numbers are taken as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number: %s", data)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	HTTP     struct {
		Listen       string `json:"listen"`
		PublicURL    string `json:"public_url"`
		ScenarioMode string `json:"scenario_mode"`
	} `json:"http"`
	Scenarios struct {
		Path         string `json:"path"`
		Default      string `json:"default"`
		TemplatePath string `json:"template_path"`
	} `json:"scenarios"`
	Transcripts struct {
		Dir               string   `json:"dir"`
		Backend           string   `json:"backend"`
		RedisURL          string   `json:"redis_url"`
		TTL               Duration `json:"ttl"`
		RetentionSchedule string   `json:"retention_schedule"`
		MaxAge            Duration `json:"max_age"`
	} `json:"transcripts"`
	Deepgram struct {
		APIKey      string `json:"api_key"`
		ListenURL   string `json:"listen_url"`
		SpeakURL    string `json:"speak_url"`
		Model       string `json:"model"`
		Language    string `json:"language"`
		EndpointMS  int    `json:"endpointing"`
		TTSModel    string `json:"tts_model"`
		SmartFormat bool   `json:"smart_format"`
	} `json:"deepgram"`
	LLM struct {
		Provider         string   `json:"provider"`
		BaseURL          string   `json:"base_url"`
		APIKey           string   `json:"api_key"`
		Model            string   `json:"model"`
		MaxTokens        int      `json:"max_tokens"`
		Temperature      float32  `json:"temperature"`
		Timeout          Duration `json:"timeout"`
		MaxContextTokens int      `json:"max_context_tokens"`
		OutputReserve    int      `json:"output_reserve"`
	} `json:"llm"`
	OpenRouter struct {
		APIKey string `json:"api_key"`
	} `json:"openrouter"`
	Session struct {
		CompletionTimeout Duration `json:"completion_timeout"`
		SynthesisTimeout  Duration `json:"synthesis_timeout"`
		CloseGrace        Duration `json:"close_grace"`
		MaxInboundFPS     float64  `json:"max_inbound_fps"`
	} `json:"session"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	Notify struct {
		Targets []string `json:"targets"`
	} `json:"notify"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".callpersona"),
		LogLevel: "info",
	}
	cfg.HTTP.Listen = ":5050"
	cfg.HTTP.ScenarioMode = "query"
	cfg.Scenarios.Path = "scenarios.json"
	cfg.Scenarios.Default = "new_appointment"
	cfg.Transcripts.Dir = "transcripts"
	cfg.Transcripts.Backend = "file"
	cfg.Transcripts.TTL = Duration(7 * 24 * time.Hour)
	cfg.Transcripts.MaxAge = Duration(30 * 24 * time.Hour)
	cfg.Transcripts.RetentionSchedule = "@daily"
	cfg.Deepgram.ListenURL = "wss://api.deepgram.com/v1/listen"
	cfg.Deepgram.SpeakURL = "https://api.deepgram.com/v1/speak"
	cfg.Deepgram.Model = "nova-2"
	cfg.Deepgram.Language = "en-US"
	cfg.Deepgram.EndpointMS = 5000
	cfg.Deepgram.TTSModel = "aura-asteria-en"
	cfg.Deepgram.SmartFormat = true
	cfg.LLM.MaxTokens = 500
	cfg.LLM.Temperature = 0.7
	cfg.LLM.Timeout = Duration(30 * time.Second)
	cfg.LLM.MaxContextTokens = 32000
	cfg.LLM.OutputReserve = 1024
	cfg.Session.CompletionTimeout = Duration(20 * time.Second)
	cfg.Session.SynthesisTimeout = Duration(15 * time.Second)
	cfg.Session.CloseGrace = Duration(2 * time.Second)
	cfg.Session.MaxInboundFPS = 100
	return cfg
}

// Load reads the config file at path over the defaults, writing the defaults
// to path first if it does not exist. Environment variables override file
// values, and the chat backend is then resolved.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	cfg.resolveLLM()
	cfg.resolvePaths()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DEEPGRAM_API_KEY"); v != "" {
		cfg.Deepgram.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.OpenRouter.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.HTTP.Listen = ":" + strings.TrimPrefix(v, ":")
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		cfg.HTTP.PublicURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Transcripts.RedisURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
}

// resolveLLM picks the chat backend. A hosted OpenRouter key wins; an explicit
// provider or base URL is kept as configured; otherwise the local Ollama
// backend is used.
func (c *Config) resolveLLM() {
	switch {
	case c.OpenRouter.APIKey != "" && (c.LLM.Provider == "" || c.LLM.Provider == "openrouter"):
		c.LLM.Provider = "openrouter"
		c.LLM.APIKey = c.OpenRouter.APIKey
		if c.LLM.BaseURL == "" {
			c.LLM.BaseURL = openRouterBaseURL
		}
		if c.LLM.Model == "" {
			c.LLM.Model = openRouterModel
		}
	case c.LLM.Provider == "openai" || (c.LLM.Provider == "" && c.LLM.BaseURL != ""):
		c.LLM.Provider = "openai"
		if c.LLM.BaseURL == "" {
			c.LLM.BaseURL = "https://api.openai.com/v1"
		}
		if c.LLM.Model == "" {
			c.LLM.Model = "gpt-4o-mini"
		}
	default:
		c.LLM.Provider = "ollama"
		if c.LLM.BaseURL == "" {
			c.LLM.BaseURL = ollamaBaseURL
		}
		if c.LLM.APIKey == "" {
			c.LLM.APIKey = ollamaAPIKey
		}
		if c.LLM.Model == "" {
			c.LLM.Model = ollamaModel
		}
	}
}

// resolvePaths anchors relative transcript and scenario paths under DataDir.
func (c *Config) resolvePaths() {
	if c.Transcripts.Dir != "" && !filepath.IsAbs(c.Transcripts.Dir) {
		c.Transcripts.Dir = filepath.Join(c.DataDir, c.Transcripts.Dir)
	}
	if c.Scenarios.Path != "" && !filepath.IsAbs(c.Scenarios.Path) {
		c.Scenarios.Path = filepath.Join(c.DataDir, c.Scenarios.Path)
	}
	if c.Scenarios.TemplatePath != "" && !filepath.IsAbs(c.Scenarios.TemplatePath) {
		c.Scenarios.TemplatePath = filepath.Join(c.DataDir, c.Scenarios.TemplatePath)
	}
}

// ConfigError reports an invalid or missing setting.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// Validate checks the settings required to serve calls.
func (c *Config) Validate() error {
	if c.Deepgram.APIKey == "" {
		return &ConfigError{Key: "deepgram.api_key", Reason: "required (set DEEPGRAM_API_KEY)"}
	}
	switch c.HTTP.ScenarioMode {
	case "", "query", "parameter":
	default:
		return &ConfigError{Key: "http.scenario_mode", Reason: fmt.Sprintf("unknown mode %q (want query or parameter)", c.HTTP.ScenarioMode)}
	}
	switch c.Transcripts.Backend {
	case "", "file":
	case "redis":
		if c.Transcripts.RedisURL == "" {
			return &ConfigError{Key: "transcripts.redis_url", Reason: "required when transcripts.backend is redis"}
		}
	default:
		return &ConfigError{Key: "transcripts.backend", Reason: fmt.Sprintf("unknown backend %q", c.Transcripts.Backend)}
	}
	for _, target := range c.Notify.Targets {
		if strings.HasPrefix(target, "telegram:") && c.Telegram.Token == "" {
			return &ConfigError{Key: "telegram.token", Reason: "required for telegram notify targets"}
		}
	}
	if c.LLM.MaxTokens <= 0 {
		return &ConfigError{Key: "llm.max_tokens", Reason: "must be positive"}
	}
	return nil
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its generic JSON shape.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as dot-keyed values, optionally masking secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := make(map[string]any)
	leaves(m, func(key string, v any) {
		if mask {
			v = MaskValue(key, v)
		}
		flat[key] = v
	})
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return m, nil
}

// GetValue reads a single dot-keyed value straight from the file at path,
// without defaults or environment overrides.
func GetValue(path, key string) (any, error) {
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := lookup(m, key)
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue sets a dot-keyed value in the file at path. The value is parsed as
// JSON when possible (numbers, booleans, arrays) and stored as a string
// otherwise.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}

	if m == nil {
		m = map[string]any{}
	}
	assign(m, key, parsed)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}
