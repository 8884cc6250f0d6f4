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
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Model         ModelConfig         `yaml:"model"`
	Transcription TranscriptionConfig `yaml:"transcription"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// MaxPayload caps a single bus message in bytes. Generate commands carry
	// the whole recording, about 85KB per second of 16kHz audio.
	MaxPayload int `yaml:"max_payload"`
}

// MaxBusPayload is the largest max_payload NATS accepts.
const MaxBusPayload = 64 << 20

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ModelConfig selects the speech model backend.
type ModelConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelID   string `yaml:"model_id"`
	ModelPath string `yaml:"model_path"`
	Device    string `yaml:"device"`
	Preload   bool   `yaml:"preload"`
	// MockTokenDelayMS paces the mock backend's token stream.
	MockTokenDelayMS int `yaml:"mock_token_delay_ms"`
}

type TranscriptionConfig struct {
	SampleRate         int      `yaml:"sample_rate"`
	ChunkSeconds       float64  `yaml:"chunk_seconds"`
	MaxNewTokens       int      `yaml:"max_new_tokens"`
	DefaultLanguage    string   `yaml:"default_language"`
	Timestamps         bool     `yaml:"timestamps"`
	SupportedLanguages []string `yaml:"supported_languages"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-transcribe",
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
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MaxPayload:     8 << 20,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/transcribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Model: ModelConfig{
			Mode:    "mock",
			ModelID: "onnx-community/whisper-base",
			Device:  "auto",
		},
		Transcription: TranscriptionConfig{
			SampleRate:      16000,
			ChunkSeconds:    30,
			MaxNewTokens:    128,
			DefaultLanguage: "en",
			SupportedLanguages: []string{
				"en", "tr", "fr", "de", "es", "it", "pt",
				"nl", "pl", "ru", "ja", "ko", "zh",
			},
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayload, "LOQA_BUS_MAX_PAYLOAD")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LOQA_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Model.Mode, "LOQA_MODEL_MODE")
	overrideString(&cfg.Model.Command, "LOQA_MODEL_COMMAND")
	overrideString(&cfg.Model.ModelID, "LOQA_MODEL_ID")
	overrideString(&cfg.Model.ModelPath, "LOQA_MODEL_PATH")
	overrideString(&cfg.Model.Device, "LOQA_MODEL_DEVICE")
	overrideBool(&cfg.Model.Preload, "LOQA_MODEL_PRELOAD")
	overrideInt(&cfg.Model.MockTokenDelayMS, "LOQA_MODEL_MOCK_TOKEN_DELAY_MS")
	overrideInt(&cfg.Transcription.SampleRate, "LOQA_TRANSCRIPTION_SAMPLE_RATE")
	overrideFloat(&cfg.Transcription.ChunkSeconds, "LOQA_TRANSCRIPTION_CHUNK_SECONDS")
	overrideInt(&cfg.Transcription.MaxNewTokens, "LOQA_TRANSCRIPTION_MAX_NEW_TOKENS")
	overrideString(&cfg.Transcription.DefaultLanguage, "LOQA_TRANSCRIPTION_DEFAULT_LANGUAGE")
	overrideBool(&cfg.Transcription.Timestamps, "LOQA_TRANSCRIPTION_TIMESTAMPS")
	overrideStringSlice(&cfg.Transcription.SupportedLanguages, "LOQA_TRANSCRIPTION_SUPPORTED_LANGUAGES")
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.StoreDir == "" {
			return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.MaxPayload <= 0 || cfg.Bus.MaxPayload > MaxBusPayload {
		return fmt.Errorf("bus.max_payload must be between 1 and %d", MaxBusPayload)
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
	switch cfg.Model.Mode {
	case "mock", "exec":
	default:
		return errors.New("model.mode must be one of mock|exec")
	}
	if cfg.Model.Mode == "exec" && cfg.Model.Command == "" {
		return errors.New("model.command must be set when mode=exec")
	}
	if cfg.Model.MockTokenDelayMS < 0 {
		return errors.New("model.mock_token_delay_ms must be >= 0")
	}
	if cfg.Transcription.SampleRate <= 0 {
		return errors.New("transcription.sample_rate must be positive")
	}
	if cfg.Transcription.ChunkSeconds <= 0 {
		return errors.New("transcription.chunk_seconds must be positive")
	}
	if cfg.Transcription.MaxNewTokens <= 0 {
		return errors.New("transcription.max_new_tokens must be positive")
	}
	if cfg.Transcription.DefaultLanguage == "" {
		return errors.New("transcription.default_language must not be empty")
	}
	if len(cfg.Transcription.SupportedLanguages) > 0 {
		found := false
		for _, lang := range cfg.Transcription.SupportedLanguages {
			if lang == cfg.Transcription.DefaultLanguage {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("transcription.default_language %q must be listed in supported_languages", cfg.Transcription.DefaultLanguage)
		}
	}
	return nil
}
