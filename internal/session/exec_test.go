package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "model.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecSessionStreamsJSONLines(t *testing.T) {
	script := writeScript(t, `
echo '{"token":" hello"}'
echo '{"token":" world"}'
echo '{"done":true,"text":"<|startoftranscript|> hello world<|endoftext|>"}'
`)
	modelDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(modelDir, "encoder.onnx"), []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
	loader, err := NewExecLoader(ExecOptions{Command: script, ModelPath: modelDir})
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	var files []string
	s, err := loader.Load(context.Background(), func(p LoadProgress) {
		if p.Status == ProgressDone {
			files = append(files, p.File)
		}
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 1 || !strings.HasSuffix(files[0], "encoder.onnx") {
		t.Fatalf("unexpected load progress: %v", files)
	}

	stream, err := s.Generate(context.Background(), GenerateRequest{Samples: make([]float32, 160), SampleRate: 16000, Language: "en"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var tokens []string
	for stream.Next() {
		tokens = append(tokens, stream.Token())
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(tokens, "") != " hello world" {
		t.Fatalf("tokens = %q", tokens)
	}
	if stream.Text() != "<|startoftranscript|> hello world<|endoftext|>" {
		t.Fatalf("text = %q", stream.Text())
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// the session lock must be released by Close
	if err := s.Warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
}

func TestExecSessionReportsCommandError(t *testing.T) {
	script := writeScript(t, `echo '{"token":"x"}'
echo '{"error":"out of memory"}'
`)
	loader, err := NewExecLoader(ExecOptions{Command: script})
	if err != nil {
		t.Fatal(err)
	}
	s, err := loader.Load(context.Background(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stream, err := s.Generate(context.Background(), GenerateRequest{Samples: make([]float32, 16), SampleRate: 16000})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	defer stream.Close()
	for stream.Next() {
	}
	if !errors.Is(stream.Err(), ErrGeneration) || !strings.Contains(stream.Err().Error(), "out of memory") {
		t.Fatalf("expected generation error, got %v", stream.Err())
	}
}

func TestExecSessionNonZeroExit(t *testing.T) {
	script := writeScript(t, "echo 'cuda unavailable' >&2\nexit 3\n")
	loader, _ := NewExecLoader(ExecOptions{Command: script})
	s, err := loader.Load(context.Background(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stream, err := s.Generate(context.Background(), GenerateRequest{Samples: make([]float32, 16), SampleRate: 16000})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	defer stream.Close()
	for stream.Next() {
	}
	if !errors.Is(stream.Err(), ErrGeneration) || !strings.Contains(stream.Err().Error(), "cuda unavailable") {
		t.Fatalf("expected exit error with stderr, got %v", stream.Err())
	}
}

func TestExecLoaderMissingBinary(t *testing.T) {
	loader, err := NewExecLoader(ExecOptions{Command: "/nonexistent/whisper-run --fast"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loader.Load(context.Background(), nil); err == nil {
		t.Fatal("expected error for missing binary")
	}
	if _, err := NewExecLoader(ExecOptions{Command: "  "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecSessionRejectsEmptyAudio(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	loader, _ := NewExecLoader(ExecOptions{Command: script})
	s, err := loader.Load(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Generate(context.Background(), GenerateRequest{SampleRate: 16000}); !errors.Is(err, ErrInputProcessing) {
		t.Fatalf("expected ErrInputProcessing, got %v", err)
	}
}

func TestExecSessionDrainsOutputAfterDone(t *testing.T) {
	script := writeScript(t, `
echo '{"token":" tail"}'
echo '{"done":true,"text":" tail"}'
head -c 262144 /dev/zero | tr '\0' 'a'
echo
`)
	loader, err := NewExecLoader(ExecOptions{Command: script})
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	s, err := loader.Load(context.Background(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stream, err := s.Generate(context.Background(), GenerateRequest{Samples: make([]float32, 160), SampleRate: 16000})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	defer stream.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for stream.Next() {
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream blocked on trailing engine output")
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if stream.Text() != " tail" {
		t.Fatalf("text = %q", stream.Text())
	}
}
