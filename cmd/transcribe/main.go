package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/runtime"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/worker"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		audioPath  string
		language   string
		timestamps bool
		quiet      bool
	)
	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	runCmd.StringVar(&audioPath, "file", "", "Path to a mono or stereo WAV file")
	runCmd.StringVar(&language, "language", "", "Spoken language (defaults to transcription.default_language)")
	runCmd.BoolVar(&timestamps, "timestamps", false, "Request segment timestamps")
	runCmd.BoolVar(&quiet, "quiet", false, "Print only the final transcript")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'run' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd.Parse(os.Args[2:])
		if audioPath == "" {
			fmt.Fprintln(os.Stderr, "-file is required")
			os.Exit(2)
		}
		if err := runTranscribe(configPath, audioPath, language, timestamps, quiet); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runTranscribe loads the model and transcribes one file in-process, writing
// every worker event to stdout as a JSON line.
func runTranscribe(configPath, audioPath, language string, timestamps, quiet bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	f, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	samples, err := audio.DecodeWAV(f, cfg.Transcription.SampleRate)
	f.Close()
	if err != nil {
		return err
	}

	loader, err := runtime.NewLoader(cfg.Model)
	if err != nil {
		return err
	}
	sessions := session.NewProvider(loader, logger)
	defer sessions.Close()

	enc := json.NewEncoder(os.Stdout)
	var final string
	emitter := worker.EmitterFunc(func(evt protocol.Event) {
		if evt.Status == protocol.StatusComplete {
			final = evt.Output
		}
		if !quiet {
			_ = enc.Encode(evt)
		}
	})
	orch := worker.New(sessions, emitter, worker.Options{
		SampleRate:      cfg.Transcription.SampleRate,
		ChunkSeconds:    cfg.Transcription.ChunkSeconds,
		MaxNewTokens:    cfg.Transcription.MaxNewTokens,
		DefaultLanguage: cfg.Transcription.DefaultLanguage,
		Languages:       cfg.Transcription.SupportedLanguages,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Load(ctx); err != nil {
		return err
	}
	if err := orch.Generate(ctx, worker.Request{
		Samples:    samples,
		Language:   language,
		Timestamps: timestamps || cfg.Transcription.Timestamps,
	}); err != nil {
		return err
	}
	if quiet {
		fmt.Println(final)
	}
	return nil
}
