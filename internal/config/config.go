package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Voice       VoiceConfig      `yaml:"voice"`
	AI          AIConfig         `yaml:"ai"`
	Recovery    RecoveryConfig   `yaml:"recovery"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// VoiceConfig describes the realtime voice engine and the payload handed to it.
type VoiceConfig struct {
	Mode             string  `yaml:"mode"` // mock, ws
	Endpoint         string  `yaml:"endpoint"`
	APIKey           string  `yaml:"api_key"`
	ModelProvider    string  `yaml:"model_provider"`
	Model            string  `yaml:"model"`
	VoiceProvider    string  `yaml:"voice_provider"`
	VoiceID          string  `yaml:"voice_id"`
	Speed            float64 `yaml:"speed"`
	SettleDelayMS    int     `yaml:"settle_delay_ms"`
	ConnectTimeoutMS int     `yaml:"connect_timeout_ms"`
	SystemPrompt     string  `yaml:"system_prompt"`
}

// AIConfig selects the text/vision completion backend.
type AIConfig struct {
	Mode        string  `yaml:"mode"` // mock, gemini, ollama, exec
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

// RecoveryConfig bounds the automatic reinitialization of the voice engine.
type RecoveryConfig struct {
	Markers           []string `yaml:"markers"`
	BackoffMS         int      `yaml:"backoff_ms"`
	MaxAutoRecoveries int      `yaml:"max_auto_recoveries"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-sous",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/sous-timeline.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   1000,
		},
		Voice: VoiceConfig{
			Mode:             "mock",
			ModelProvider:    "openai",
			Model:            "gpt-3.5-turbo",
			VoiceProvider:    "11labs",
			VoiceID:          "burt",
			Speed:            0.85,
			SettleDelayMS:    500,
			ConnectTimeoutMS: 5000,
		},
		AI: AIConfig{
			Mode:        "mock",
			Model:       "gemini-1.5-flash",
			Endpoint:    "http://localhost:11434",
			MaxTokens:   1024,
			Temperature: 0.7,
			TimeoutMS:   60000,
		},
		Recovery: RecoveryConfig{
			Markers:           []string{"Duplicate DailyIframe"},
			BackoffMS:         1000,
			MaxAutoRecoveries: 1,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SOUS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SOUS_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SOUS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SOUS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SOUS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SOUS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SOUS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SOUS_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "SOUS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SOUS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SOUS_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SOUS_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SOUS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SOUS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SOUS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SOUS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SOUS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SOUS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SOUS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SOUS_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SOUS_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SOUS_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SOUS_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Voice.Mode, "SOUS_VOICE_MODE")
	overrideString(&cfg.Voice.Endpoint, "SOUS_VOICE_ENDPOINT")
	overrideString(&cfg.Voice.APIKey, "SOUS_VOICE_API_KEY")
	overrideString(&cfg.Voice.ModelProvider, "SOUS_VOICE_MODEL_PROVIDER")
	overrideString(&cfg.Voice.Model, "SOUS_VOICE_MODEL")
	overrideString(&cfg.Voice.VoiceProvider, "SOUS_VOICE_PROVIDER")
	overrideString(&cfg.Voice.VoiceID, "SOUS_VOICE_ID")
	overrideFloat(&cfg.Voice.Speed, "SOUS_VOICE_SPEED")
	overrideInt(&cfg.Voice.SettleDelayMS, "SOUS_VOICE_SETTLE_DELAY_MS")
	overrideInt(&cfg.Voice.ConnectTimeoutMS, "SOUS_VOICE_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Voice.SystemPrompt, "SOUS_VOICE_SYSTEM_PROMPT")
	overrideString(&cfg.AI.Mode, "SOUS_AI_MODE")
	overrideString(&cfg.AI.APIKey, "SOUS_AI_API_KEY")
	overrideString(&cfg.AI.Model, "SOUS_AI_MODEL")
	overrideString(&cfg.AI.Endpoint, "SOUS_AI_ENDPOINT")
	overrideString(&cfg.AI.Command, "SOUS_AI_COMMAND")
	overrideInt(&cfg.AI.MaxTokens, "SOUS_AI_MAX_TOKENS")
	overrideFloat(&cfg.AI.Temperature, "SOUS_AI_TEMPERATURE")
	overrideInt(&cfg.AI.TimeoutMS, "SOUS_AI_TIMEOUT_MS")
	overrideStringSlice(&cfg.Recovery.Markers, "SOUS_RECOVERY_MARKERS")
	overrideInt(&cfg.Recovery.BackoffMS, "SOUS_RECOVERY_BACKOFF_MS")
	overrideInt(&cfg.Recovery.MaxAutoRecoveries, "SOUS_RECOVERY_MAX_AUTO_RECOVERIES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Voice.Mode {
	case "mock":
	case "ws":
		if cfg.Voice.Endpoint == "" {
			return errors.New("voice.endpoint must be set when mode=ws")
		}
	default:
		return errors.New("voice.mode must be one of mock|ws")
	}
	if cfg.Voice.SettleDelayMS < 0 {
		return errors.New("voice.settle_delay_ms must be >= 0")
	}
	if cfg.Voice.Speed < 0 {
		return errors.New("voice.speed must be >= 0")
	}
	switch cfg.AI.Mode {
	case "mock":
	case "gemini":
		if cfg.AI.APIKey == "" {
			return errors.New("ai.api_key must be set when mode=gemini")
		}
	case "ollama":
		if cfg.AI.Endpoint == "" {
			return errors.New("ai.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.AI.Command == "" {
			return errors.New("ai.command must be set when mode=exec")
		}
	default:
		return errors.New("ai.mode must be one of mock|gemini|ollama|exec")
	}
	if cfg.AI.MaxTokens < 0 {
		return errors.New("ai.max_tokens must be >= 0")
	}
	if len(cfg.Recovery.Markers) == 0 {
		return errors.New("recovery.markers must not be empty")
	}
	if cfg.Recovery.BackoffMS < 0 {
		return errors.New("recovery.backoff_ms must be >= 0")
	}
	if cfg.Recovery.MaxAutoRecoveries < 0 {
		return errors.New("recovery.max_auto_recoveries must be >= 0")
	}
	return nil
}
