package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the AR caller.  Values are
// resolved in order: defaults, optional YAML file, environment.
type Config struct {
	Addr          string `yaml:"addr"`
	PublicBaseURL string `yaml:"public_base_url"`
	DatabaseURL   string `yaml:"database_url"`
	NotifyChannel string `yaml:"notify_channel"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MetricsNamespace string `yaml:"metrics_namespace"`

	OpenAI    OpenAI    `yaml:"openai"`
	Reasoning Reasoning `yaml:"reasoning"`
	ARI       ARI       `yaml:"ari"`
	Call      Call      `yaml:"call"`
}

// OpenAI configures the chat, transcription and speech backends.
type OpenAI struct {
	APIKey             string `yaml:"api_key"`
	BaseURL            string `yaml:"base_url"`
	Azure              bool   `yaml:"azure"`
	APIVersion         string `yaml:"api_version"`
	ChatModel          string `yaml:"chat_model"`
	TranscriptionModel string `yaml:"transcription_model"`
	SpeechModel        string `yaml:"speech_model"`
	SpeechVoice        string `yaml:"speech_voice"`
}

// Reasoning bounds the retry budget of the reasoning client.
type Reasoning struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// ARI configures the Asterisk REST interface and its event stream.
type ARI struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	App            string        `yaml:"app"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	Endpoint       string        `yaml:"endpoint"`
	CallerID       string        `yaml:"caller_id"`
}

// Call configures per-call behavior.
type Call struct {
	RecordingDir        string   `yaml:"recording_dir"`
	RecordingFormat     string   `yaml:"recording_format"`
	MaxSilenceSeconds   int      `yaml:"max_silence_seconds"`
	SoundsDir           string   `yaml:"sounds_dir"`
	EndKeywords         []string `yaml:"end_keywords"`
	EndPressExtra       int      `yaml:"end_press_extra"`
	SideEffectQueueSize int      `yaml:"side_effect_queue_size"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Addr:             ":8080",
		NotifyChannel:    "call_updates",
		LogLevel:         "info",
		LogFormat:        "json",
		MetricsEnabled:   true,
		MetricsNamespace: "arsip",
		OpenAI: OpenAI{
			APIVersion:         "2024-02-15-preview",
			ChatModel:          "gpt-4o-mini",
			TranscriptionModel: "whisper-1",
			SpeechModel:        "tts-1",
			SpeechVoice:        "onyx",
		},
		Reasoning: Reasoning{
			MaxAttempts: 5,
			RetryDelay:  10 * time.Second,
		},
		ARI: ARI{
			Host:           "localhost",
			Port:           8088,
			App:            "ar-caller",
			ReconnectDelay: 5 * time.Second,
			Endpoint:       "PJSIP/%s@sonetel",
		},
		Call: Call{
			RecordingDir:        "/var/spool/asterisk/recording",
			RecordingFormat:     "wav",
			MaxSilenceSeconds:   2,
			SoundsDir:           "/var/lib/asterisk/sounds/ar-caller",
			EndKeywords:         []string{"goodbye", "thank you for calling"},
			EndPressExtra:       1,
			SideEffectQueueSize: 64,
		},
	}
}

// Load resolves the configuration.  A .env file in the working directory is
// loaded first without overriding variables already present.  path may be
// empty, in which case ARSIP_CONFIG is consulted.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("ARSIP_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config: %w", err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = envOr("ARSIP_ADDR", cfg.Addr)
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Addr = ":" + port
	}
	cfg.PublicBaseURL = envOr("ARSIP_PUBLIC_BASE_URL", cfg.PublicBaseURL)
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.NotifyChannel = envOr("POSTGRES_NOTIFY_CHANNEL", cfg.NotifyChannel)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.MetricsEnabled = envBoolOr("ARSIP_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsNamespace = envOr("ARSIP_METRICS_NAMESPACE", cfg.MetricsNamespace)

	cfg.OpenAI.APIKey = envOr("OPENAI_API_KEY", cfg.OpenAI.APIKey)
	cfg.OpenAI.BaseURL = envOr("OPENAI_BASE_URL", cfg.OpenAI.BaseURL)
	cfg.OpenAI.Azure = envBoolOr("OPENAI_AZURE", cfg.OpenAI.Azure)
	cfg.OpenAI.APIVersion = envOr("OPENAI_API_VERSION", cfg.OpenAI.APIVersion)
	cfg.OpenAI.ChatModel = envOr("OPENAI_MODEL_CHAT", cfg.OpenAI.ChatModel)
	cfg.OpenAI.TranscriptionModel = envOr("OPENAI_MODEL_TRANSCRIBE", cfg.OpenAI.TranscriptionModel)
	cfg.OpenAI.SpeechModel = envOr("OPENAI_MODEL_SPEECH", cfg.OpenAI.SpeechModel)
	cfg.OpenAI.SpeechVoice = envOr("OPENAI_SPEECH_VOICE", cfg.OpenAI.SpeechVoice)

	cfg.Reasoning.MaxAttempts = envIntOr("ARSIP_REASONING_MAX_ATTEMPTS", cfg.Reasoning.MaxAttempts)
	cfg.Reasoning.RetryDelay = envDurationOr("ARSIP_REASONING_RETRY_DELAY", cfg.Reasoning.RetryDelay)

	cfg.ARI.Host = envOr("ARI_HOST", cfg.ARI.Host)
	cfg.ARI.Port = envIntOr("ARI_PORT", cfg.ARI.Port)
	cfg.ARI.User = envOr("ARI_USER", cfg.ARI.User)
	cfg.ARI.Password = envOr("ARI_PASSWORD", cfg.ARI.Password)
	cfg.ARI.App = envOr("ARI_APP", cfg.ARI.App)
	cfg.ARI.ReconnectDelay = envDurationOr("ARI_RECONNECT_DELAY", cfg.ARI.ReconnectDelay)
	cfg.ARI.Endpoint = envOr("ARI_ENDPOINT", cfg.ARI.Endpoint)
	cfg.ARI.CallerID = envOr("ARI_CALLER_ID", cfg.ARI.CallerID)

	cfg.Call.RecordingDir = envOr("ARSIP_RECORDING_DIR", cfg.Call.RecordingDir)
	cfg.Call.RecordingFormat = envOr("ARSIP_RECORDING_FORMAT", cfg.Call.RecordingFormat)
	cfg.Call.MaxSilenceSeconds = envIntOr("ARSIP_MAX_SILENCE_SECONDS", cfg.Call.MaxSilenceSeconds)
	cfg.Call.SoundsDir = envOr("ARSIP_SOUNDS_DIR", cfg.Call.SoundsDir)
	if kw := splitCSV(os.Getenv("ARSIP_END_KEYWORDS")); len(kw) > 0 {
		cfg.Call.EndKeywords = kw
	}
	cfg.Call.EndPressExtra = envIntOr("ARSIP_END_PRESS_EXTRA", cfg.Call.EndPressExtra)
	cfg.Call.SideEffectQueueSize = envIntOr("ARSIP_SIDE_EFFECT_QUEUE_SIZE", cfg.Call.SideEffectQueueSize)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.Reasoning.MaxAttempts < 1 {
		return fmt.Errorf("ARSIP_REASONING_MAX_ATTEMPTS must be >= 1")
	}
	if c.Reasoning.RetryDelay <= 0 {
		return fmt.Errorf("ARSIP_REASONING_RETRY_DELAY must be > 0")
	}
	if c.ARI.ReconnectDelay <= 0 {
		return fmt.Errorf("ARI_RECONNECT_DELAY must be > 0")
	}
	if strings.TrimSpace(c.ARI.App) == "" {
		return fmt.Errorf("ARI_APP must not be empty")
	}
	if c.Call.EndPressExtra < 0 {
		return fmt.Errorf("ARSIP_END_PRESS_EXTRA must be >= 0")
	}
	if c.Call.SideEffectQueueSize < 1 {
		return fmt.Errorf("ARSIP_SIDE_EFFECT_QUEUE_SIZE must be >= 1")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of json|console")
	}
	return nil
}

// ARIBaseURL is the REST root of the Asterisk REST interface.
func (c Config) ARIBaseURL() string {
	return fmt.Sprintf("http://%s:%d/ari", c.ARI.Host, c.ARI.Port)
}

// ARIEventsURL is the websocket URL of the ARI event stream for the app.
func (c Config) ARIEventsURL() string {
	return fmt.Sprintf("ws://%s:%d/ari/events?app=%s&subscribeAll=false", c.ARI.Host, c.ARI.Port, c.ARI.App)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
