package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecOptions configures a session backed by an external inference command.
type ExecOptions struct {
	Command   string
	ModelID   string
	ModelPath string
	Device    string
}

type execLoader struct {
	cmd  []string
	opts ExecOptions
}

// execLine is one JSON line written by the inference command on stdout.
type execLine struct {
	Token *string `json:"token,omitempty"`
	Text  string  `json:"text,omitempty"`
	Done  bool    `json:"done,omitempty"`
	Error string  `json:"error,omitempty"`
}

// NewExecLoader parses the command line once; the binary is resolved on Load.
func NewExecLoader(opts ExecOptions) (Loader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command is empty")
	}
	return &execLoader{cmd: args, opts: opts}, nil
}

func (l *execLoader) Load(ctx context.Context, progress ProgressFunc) (Session, error) {
	if _, err := exec.LookPath(l.cmd[0]); err != nil {
		return nil, fmt.Errorf("resolve model command: %w", err)
	}
	if l.opts.ModelPath != "" {
		if err := reportModelFiles(ctx, l.opts.ModelPath, progress); err != nil {
			return nil, err
		}
	}
	return &execSession{cmd: l.cmd, opts: l.opts}, nil
}

func reportModelFiles(ctx context.Context, root string, progress ProgressFunc) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("read model files: %w", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat model file: %w", err)
		}
		name, relErr := filepath.Rel(filepath.Dir(root), path)
		if relErr != nil {
			name = path
		}
		size := info.Size()
		report(progress, LoadProgress{Status: ProgressInitiate, File: name, Total: size})
		report(progress, LoadProgress{Status: ProgressDone, File: name, Loaded: size, Total: size, Progress: 100})
		return nil
	})
}

type execSession struct {
	cmd  []string
	opts ExecOptions
	mu   sync.Mutex
}

func (s *execSession) Warmup(ctx context.Context) error {
	stream, err := s.Generate(ctx, GenerateRequest{Samples: make([]float32, 1600), SampleRate: 16000, MaxNewTokens: 1})
	if err != nil {
		return err
	}
	defer stream.Close()
	for stream.Next() {
	}
	return stream.Err()
}

// Generate runs the command for one chunk. Calls are serialised: the session
// stays locked until the returned stream is closed.
func (s *execSession) Generate(ctx context.Context, req GenerateRequest) (TokenStream, error) {
	if len(req.Samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrInputProcessing)
	}
	s.mu.Lock()

	file, err := os.CreateTemp(os.TempDir(), "loqa_transcribe_*.wav")
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: temp file: %w", ErrInputProcessing, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(file.Name())
	}
	if err := audio.EncodeWAV(file, req.Samples, req.SampleRate); err != nil {
		cleanup()
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrInputProcessing, err)
	}

	args := append([]string{}, s.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if s.opts.ModelPath != "" {
		args = append(args, "--model", s.opts.ModelPath)
	} else if s.opts.ModelID != "" {
		args = append(args, "--model", s.opts.ModelID)
	}
	if s.opts.Device != "" {
		args = append(args, "--device", s.opts.Device)
	}
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}
	if req.MaxNewTokens > 0 {
		args = append(args, "--max-new-tokens", strconv.Itoa(req.MaxNewTokens))
	}
	if req.Timestamps {
		args = append(args, "--timestamps")
	}

	command := exec.CommandContext(ctx, s.cmd[0], args...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		cleanup()
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	stream := &execStream{cmd: command, stdout: stdout}
	command.Stderr = &stream.stderr
	if err := command.Start(); err != nil {
		cleanup()
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: start model command: %w", ErrGeneration, err)
	}
	stream.scanner = bufio.NewScanner(stdout)
	stream.scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	stream.release = func() {
		cleanup()
		s.mu.Unlock()
	}
	return stream, nil
}

func (s *execSession) Close() error { return nil }

type execStream struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  bytes.Buffer
	scanner *bufio.Scanner
	release func()

	cur     string
	text    string
	tokens  bytes.Buffer
	err     error
	done    bool
	waited  bool
	closeMu sync.Once
}

func (e *execStream) Next() bool {
	if e.done {
		return false
	}
	for e.scanner.Scan() {
		line := bytes.TrimSpace(e.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			e.finish(fmt.Errorf("%w: decode model output: %w", ErrGeneration, err))
			return false
		}
		if msg.Error != "" {
			e.finish(fmt.Errorf("%w: %s", ErrGeneration, msg.Error))
			return false
		}
		if msg.Done {
			e.text = msg.Text
			e.finish(nil)
			return false
		}
		if msg.Token != nil {
			e.cur = *msg.Token
			e.tokens.WriteString(e.cur)
			return true
		}
	}
	if err := e.scanner.Err(); err != nil {
		e.finish(fmt.Errorf("%w: read model output: %w", ErrGeneration, err))
		return false
	}
	e.text = e.tokens.String()
	e.finish(nil)
	return false
}

func (e *execStream) finish(err error) {
	e.done = true
	e.cur = ""
	e.err = err
	if err == nil {
		e.err = e.wait()
	}
}

func (e *execStream) wait() error {
	if e.waited {
		return nil
	}
	e.waited = true
	// Wait closes stdout, so anything written after the done line is drained
	// first or the engine could block on a full pipe.
	_, _ = io.Copy(io.Discard, e.stdout)
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: model command failed: %w: %s", ErrGeneration, err, bytes.TrimSpace(e.stderr.Bytes()))
	}
	return nil
}

func (e *execStream) Token() string { return e.cur }

func (e *execStream) Err() error { return e.err }

func (e *execStream) Text() string {
	if !e.done || e.err != nil {
		return ""
	}
	return e.text
}

func (e *execStream) Close() error {
	e.closeMu.Do(func() {
		if !e.waited {
			if e.cmd.Process != nil {
				_ = e.cmd.Process.Kill()
			}
			e.waited = true
			_ = e.cmd.Wait()
		}
		e.done = true
		e.release()
	})
	return nil
}
