// Package config loads and edits the JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Duration is a time.Duration that reads and writes Go duration strings.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare numbers are nanoseconds.
		var n int64
		if nerr := json.Unmarshal(b, &n); nerr != nil {
			return fmt.Errorf("duration must be a string like \"5m\": %w", err)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type LLM struct {
	Provider         string  `json:"provider"`
	BaseURL          string  `json:"base_url"`
	APIKey           string  `json:"api_key"`
	Model            string  `json:"model"`
	MaxTokens        int     `json:"max_tokens"`
	Temperature      float32 `json:"temperature"`
	MaxContextTokens int     `json:"max_context_tokens"`
	OutputReserve    int     `json:"output_reserve"`
	ThinkingBudget   int     `json:"thinking_budget"`
}

type Approval struct {
	Timeout       Duration `json:"timeout"`
	SweepSchedule string   `json:"sweep_schedule"`
	// Require and Exempt override each tool's own mutating flag.
	Require []string `json:"require"`
	Exempt  []string `json:"exempt"`
}

type Writer struct {
	MaxAttempts   int      `json:"max_attempts"`
	InitialDelay  Duration `json:"initial_delay"`
	MaxDelay      Duration `json:"max_delay"`
	Multiplier    float64  `json:"multiplier"`
	MaxConcurrent int      `json:"max_concurrent"`
}

type Sessions struct {
	ArchiveAfter    Duration `json:"archive_after"`
	ArchiveSchedule string   `json:"archive_schedule"`
}

type HTTP struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

type Auth struct {
	// Tokens maps each principal to its bearer token.
	Tokens map[string]string `json:"tokens"`
}

// TokenPrincipals inverts Tokens for lookup by bearer token.
func (a Auth) TokenPrincipals() map[string]string {
	out := make(map[string]string, len(a.Tokens))
	for principal, token := range a.Tokens {
		out[token] = principal
	}
	return out
}

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxToolRounds int    `json:"max_tool_rounds"`
	// LaneSize bounds the turns queued per session.
	LaneSize int      `json:"lane_size"`
	LLM      LLM      `json:"llm"`
	Approval Approval `json:"approval"`
	Writer   Writer   `json:"writer"`
	Sessions Sessions `json:"sessions"`
	HTTP     HTTP     `json:"http"`
	Auth     Auth     `json:"auth"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	Tools struct {
		BashEnabled bool `json:"bash_enabled"`
	} `json:"tools"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".turnstile"),
		MaxConcurrent: 4,
	}
	cfg.LogLevel = "info"
	cfg.MaxToolRounds = 10
	cfg.LaneSize = 16
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.Model = "claude-sonnet-4-5"
	cfg.LLM.MaxTokens = 4096
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 200000
	cfg.LLM.OutputReserve = 4096
	cfg.Approval.Timeout = Duration(5 * time.Minute)
	cfg.Approval.SweepSchedule = "@every 30s"
	cfg.Writer.MaxAttempts = 5
	cfg.Writer.InitialDelay = Duration(50 * time.Millisecond)
	cfg.Writer.MaxDelay = Duration(2 * time.Second)
	cfg.Writer.Multiplier = 2
	cfg.Writer.MaxConcurrent = 8
	cfg.Sessions.ArchiveAfter = Duration(30 * 24 * time.Hour)
	cfg.Sessions.ArchiveSchedule = "@hourly"
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:8420"
	return cfg
}

// DefaultPath returns ~/.turnstile/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".turnstile", "config.json")
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" && cfg.LLM.Provider == "anthropic" {
		cfg.LLM.APIKey = apiKey
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && cfg.LLM.Provider == "openai" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" && cfg.LLM.Provider == "openai" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if dataDir := os.Getenv("TURNSTILE_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	return cfg, nil
}

// Save writes cfg to path through a temp file and rename.
func Save(path string, cfg any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
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

// ToMap round-trips cfg through JSON into a generic nested map.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every setting as a flat dot-keyed map.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads one dot-separated key from the file at path.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	// Keys unknown to Config survive only in the raw file.
	if raw, err := readRaw(path); err == nil {
		for k, v := range Flatten(raw) {
			if _, ok := flat[k]; !ok {
				flat[k] = v
			}
		}
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue sets one dot-separated key in an existing config file. The value
// is parsed as JSON when it can be, otherwise stored as a string. The file
// is left untouched if the result would not load.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		v = value
	}
	flat := Flatten(raw)
	flat[key] = v
	next := Unflatten(flat)

	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	check := Default()
	if err := json.Unmarshal(data, check); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := check.Validate(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return Save(path, next)
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be anthropic or openai, got %q", c.LLM.Provider)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	if c.MaxToolRounds < 1 {
		return fmt.Errorf("max_tool_rounds must be at least 1")
	}
	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be positive")
	}
	if c.Writer.MaxAttempts < 1 {
		return fmt.Errorf("writer.max_attempts must be at least 1")
	}
	if c.Sessions.ArchiveAfter < 0 {
		return fmt.Errorf("sessions.archive_after must not be negative")
	}
	return nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}
