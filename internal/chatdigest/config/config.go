// Package config loads chatdigest configuration.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// CHATDIGEST_CONFIG_FILE (validated against an embedded JSON schema), then
// environment variables. A .env file in the working directory is loaded into
// the environment first when present.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/chatdigest/common/environment"
	"github.com/bdobrica/chatdigest/internal/chatdigest/schedule"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "chatdigest://config.schema.json"

// maxTickInterval mirrors the scheduler's upper bound.
const maxTickInterval = 60 * time.Second

// DigestConfig configures scheduled digests.
type DigestConfig struct {
	DefaultTime    string        `yaml:"default_time"`
	Timezone       string        `yaml:"timezone"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	Concurrency    int           `yaml:"concurrency"`
	MaxAttempts    int           `yaml:"max_attempts"`
	AnnounceEmpty  bool          `yaml:"announce_empty"`
	SummaryTimeout time.Duration `yaml:"summary_timeout"`
}

// MatrixConfig holds Matrix credentials.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
}

// Enabled reports whether any Matrix setting is present.
func (m MatrixConfig) Enabled() bool {
	return m.Homeserver != "" || m.UserID != "" || m.AccessToken != ""
}

// LLMConfig configures the summarisation gateway.
type LLMConfig struct {
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	RatePerMinute int    `yaml:"rate_per_minute"`
	ChunkChars    int    `yaml:"chunk_chars"`
	SystemPrompt  string `yaml:"system_prompt"`
}

// NATSConfig configures the JetStream transport.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full process configuration.
type Config struct {
	DatabasePath   string       `yaml:"database_path"`
	Digest         DigestConfig `yaml:"digest"`
	AllowedChatIDs []string     `yaml:"allowed_chat_ids"`
	KeywordReply   bool         `yaml:"keyword_reply"`
	Matrix         MatrixConfig `yaml:"matrix"`
	LLM            LLMConfig    `yaml:"llm"`
	RedisURL       string       `yaml:"redis_url"`
	NATS           NATSConfig   `yaml:"nats"`
	HTTPAddr       string       `yaml:"http_addr"`
	Log            LogConfig    `yaml:"log"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DatabasePath: "./chatdigest.db",
		Digest: DigestConfig{
			DefaultTime:    "21:00",
			Timezone:       "Asia/Tashkent",
			TickInterval:   30 * time.Second,
			Concurrency:    4,
			AnnounceEmpty:  true,
			SummaryTimeout: 2 * time.Minute,
		},
		LLM: LLMConfig{
			Model:         "gpt-4o-mini",
			RatePerMinute: 30,
			ChunkChars:    8000,
		},
		NATS: NATSConfig{
			Stream:        "CHAT",
			SubjectPrefix: "chat",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads .env, the optional config file and the environment, then
// validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return load(environment.New())
}

func load(env *environment.Reader) (*Config, error) {
	cfg := Defaults()

	if path := env.String("CHATDIGEST_CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := applyFile(&cfg, data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	applyEnv(&cfg, env)
	if err := env.Err(); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if cfg.Digest.TickInterval > maxTickInterval {
		slog.Warn("config: tick interval clamped", "requested", cfg.Digest.TickInterval, "max", maxTickInterval)
		cfg.Digest.TickInterval = maxTickInterval
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyFile validates a YAML document against the schema and merges it over
// cfg. Keys absent from the document keep their current values.
func applyFile(cfg *Config, data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := validateDocument(doc); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// validateDocument checks a decoded YAML document against the schema. The
// document is round-tripped through JSON so that the validator sees JSON
// types.
func validateDocument(doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert to json: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("convert to json: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("invalid config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, env *environment.Reader) {
	cfg.DatabasePath = env.String("CHATDIGEST_DB_PATH", cfg.DatabasePath)

	cfg.Digest.DefaultTime = env.String("DEFAULT_DIGEST_TIME", cfg.Digest.DefaultTime)
	cfg.Digest.Timezone = env.String("LOCAL_TZ", cfg.Digest.Timezone)
	cfg.Digest.TickInterval = env.Duration("TICK_INTERVAL", cfg.Digest.TickInterval)
	cfg.Digest.Concurrency = env.Int("DIGEST_CONCURRENCY", cfg.Digest.Concurrency)
	cfg.Digest.MaxAttempts = env.Int("DIGEST_MAX_ATTEMPTS", cfg.Digest.MaxAttempts)
	cfg.Digest.AnnounceEmpty = env.Bool("DIGEST_ANNOUNCE_EMPTY", cfg.Digest.AnnounceEmpty)
	cfg.Digest.SummaryTimeout = env.Duration("SUMMARY_TIMEOUT", cfg.Digest.SummaryTimeout)

	cfg.AllowedChatIDs = env.List("ALLOWED_CHAT_IDS", cfg.AllowedChatIDs)
	cfg.KeywordReply = env.Bool("KEYWORD_REPLY", cfg.KeywordReply)

	cfg.Matrix.Homeserver = env.String("MATRIX_HOMESERVER", cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = env.String("MATRIX_USER_ID", cfg.Matrix.UserID)
	cfg.Matrix.AccessToken = env.String("MATRIX_ACCESS_TOKEN", cfg.Matrix.AccessToken)

	cfg.LLM.APIKey = env.String("LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.BaseURL = env.String("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.Model = env.String("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.RatePerMinute = env.Int("LLM_RATE_PER_MINUTE", cfg.LLM.RatePerMinute)
	cfg.LLM.ChunkChars = env.Int("SUMMARY_CHUNK_CHARS", cfg.LLM.ChunkChars)
	cfg.LLM.SystemPrompt = env.String("SUMMARY_SYSTEM_PROMPT", cfg.LLM.SystemPrompt)

	cfg.RedisURL = env.String("REDIS_URL", cfg.RedisURL)

	cfg.NATS.URL = env.String("NATS_URL", cfg.NATS.URL)
	cfg.NATS.Stream = env.String("NATS_STREAM", cfg.NATS.Stream)
	cfg.NATS.SubjectPrefix = env.String("NATS_SUBJECT_PREFIX", cfg.NATS.SubjectPrefix)

	cfg.HTTPAddr = env.String("HTTP_ADDR", cfg.HTTPAddr)
	cfg.Log.Level = env.String("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = env.String("LOG_FORMAT", cfg.Log.Format)
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database path is empty"))
	}
	if _, err := schedule.ParseTimeOfDay(c.Digest.DefaultTime); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_DIGEST_TIME: %w", err))
	}
	if _, err := schedule.LoadLocation(c.Digest.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("LOCAL_TZ: %w", err))
	}
	if c.Digest.TickInterval <= 0 {
		errs = append(errs, errors.New("TICK_INTERVAL must be positive"))
	}
	if c.Digest.Concurrency < 1 {
		errs = append(errs, errors.New("DIGEST_CONCURRENCY must be at least 1"))
	}
	if c.Digest.MaxAttempts < 0 {
		errs = append(errs, errors.New("DIGEST_MAX_ATTEMPTS must not be negative"))
	}
	if c.Digest.SummaryTimeout <= 0 {
		errs = append(errs, errors.New("SUMMARY_TIMEOUT must be positive"))
	}
	if c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("LLM_API_KEY is required unless LLM_BASE_URL points at a keyless endpoint"))
	}
	if c.LLM.RatePerMinute < 0 {
		errs = append(errs, errors.New("LLM_RATE_PER_MINUTE must not be negative"))
	}
	if c.Matrix.Enabled() && (c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "") {
		errs = append(errs, errors.New("MATRIX_HOMESERVER, MATRIX_USER_ID and MATRIX_ACCESS_TOKEN must be set together"))
	}
	if !c.Matrix.Enabled() && c.NATS.URL == "" {
		errs = append(errs, errors.New("no transport configured: set the MATRIX_* variables or NATS_URL"))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q: expected text or json", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Secrets returns the credential values that must never appear in logs or
// chat messages.
func (c *Config) Secrets() []string {
	return []string{c.LLM.APIKey, c.Matrix.AccessToken, redisPassword(c.RedisURL)}
}

func redisPassword(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return ""
	}
	p, _ := u.User.Password()
	return p
}
