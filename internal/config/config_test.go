package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Transcription.SampleRate != 16000 || cfg.Transcription.ChunkSeconds != 30 {
		t.Fatalf("unexpected transcription defaults: %+v", cfg.Transcription)
	}
	if cfg.Model.Mode != "mock" {
		t.Fatalf("expected mock model by default, got %q", cfg.Model.Mode)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcribe.yaml")
	body := `runtime_name: scribe
model:
  mode: exec
  command: "whisper-stream --beam 1"
  model_path: /models/whisper-base
transcription:
  chunk_seconds: 20
  default_language: de
  supported_languages: [en, de]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "scribe" || cfg.Model.Command != "whisper-stream --beam 1" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Transcription.ChunkSeconds != 20 || cfg.Transcription.SampleRate != 16000 {
		t.Fatalf("expected file value merged over defaults: %+v", cfg.Transcription)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_BUS_MAX_PAYLOAD", "16777216")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_JOBS", "123")
	t.Setenv("LOQA_MODEL_PRELOAD", "true")
	t.Setenv("LOQA_TRANSCRIPTION_CHUNK_SECONDS", "12.5")
	t.Setenv("LOQA_TRANSCRIPTION_MAX_NEW_TOKENS", "64")
	t.Setenv("LOQA_TRANSCRIPTION_SUPPORTED_LANGUAGES", "en, fr")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Bus.MaxPayload != 16<<20 {
		t.Fatalf("expected max payload override, got %d", cfg.Bus.MaxPayload)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxJobs != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if !cfg.Model.Preload {
		t.Fatal("expected preload override")
	}
	if cfg.Transcription.ChunkSeconds != 12.5 || cfg.Transcription.MaxNewTokens != 64 {
		t.Fatalf("expected transcription overrides, got %+v", cfg.Transcription)
	}
	if len(cfg.Transcription.SupportedLanguages) != 2 || cfg.Transcription.SupportedLanguages[1] != "fr" {
		t.Fatalf("expected language override, got %v", cfg.Transcription.SupportedLanguages)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"chunk seconds":    func(c *Config) { c.Transcription.ChunkSeconds = 0 },
		"sample rate":      func(c *Config) { c.Transcription.SampleRate = -1 },
		"model mode":       func(c *Config) { c.Model.Mode = "webgpu" },
		"exec command":     func(c *Config) { c.Model.Mode = "exec" },
		"default language": func(c *Config) { c.Transcription.DefaultLanguage = "xx" },
		"log level":        func(c *Config) { c.Telemetry.LogLevel = "loud" },
		"retention mode":   func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"max payload":      func(c *Config) { c.Bus.MaxPayload = MaxBusPayload + 1 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
