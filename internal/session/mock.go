package session

import (
	"context"
	"fmt"
	"strings"
	"time"
)

var mockFiles = []struct {
	name string
	size int64
}{
	{"config.json", 2_048},
	{"tokenizer.json", 2_480_000},
	{"preprocessor_config.json", 340},
	{"onnx/encoder_model.onnx", 82_000_000},
	{"onnx/decoder_model_merged_q4.onnx", 48_000_000},
}

type mockLoader struct {
	modelID string
	delay   time.Duration
}

// NewMockLoader returns a loader whose sessions describe the audio they receive
// instead of recognising speech. tokenDelay paces streamed tokens.
func NewMockLoader(modelID string, tokenDelay time.Duration) Loader {
	return &mockLoader{modelID: modelID, delay: tokenDelay}
}

func (m *mockLoader) Load(ctx context.Context, progress ProgressFunc) (Session, error) {
	for _, f := range mockFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file := m.modelID + "/" + f.name
		report(progress, LoadProgress{Status: ProgressInitiate, File: file, Total: f.size})
		report(progress, LoadProgress{Status: ProgressUpdate, File: file, Loaded: f.size / 2, Total: f.size, Progress: 50})
		report(progress, LoadProgress{Status: ProgressUpdate, File: file, Loaded: f.size, Total: f.size, Progress: 100})
		report(progress, LoadProgress{Status: ProgressDone, File: file, Loaded: f.size, Total: f.size, Progress: 100})
	}
	return &mockSession{delay: m.delay}, nil
}

type mockSession struct {
	delay time.Duration
}

func (s *mockSession) Warmup(ctx context.Context) error {
	stream, err := s.Generate(ctx, GenerateRequest{Samples: make([]float32, 1600), SampleRate: 16000, MaxNewTokens: 1})
	if err != nil {
		return err
	}
	defer stream.Close()
	for stream.Next() {
	}
	return stream.Err()
}

func (s *mockSession) Generate(ctx context.Context, req GenerateRequest) (TokenStream, error) {
	if req.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate must be positive", ErrInputProcessing)
	}
	seconds := float64(len(req.Samples)) / float64(req.SampleRate)
	lang := req.Language
	if lang == "" {
		lang = "en"
	}

	var tokens []string
	if req.Timestamps {
		tokens = append(tokens, "<|0.00|>")
	}
	for _, word := range strings.Fields(fmt.Sprintf("mock transcript of %.2f seconds", seconds)) {
		tokens = append(tokens, " "+word)
	}
	if req.Timestamps {
		tokens = append(tokens, fmt.Sprintf("<|%.2f|>", seconds))
	}
	if req.MaxNewTokens > 0 && len(tokens) > req.MaxNewTokens {
		tokens = tokens[:req.MaxNewTokens]
	}

	prefix := "<|startoftranscript|><|" + lang + "|><|transcribe|>"
	if !req.Timestamps {
		prefix += "<|notimestamps|>"
	}
	text := prefix + strings.Join(tokens, "") + "<|endoftext|>"
	return &pacedStream{ctx: ctx, delay: s.delay, TokenStream: NewStaticStream(tokens, text, nil)}, nil
}

func (s *mockSession) Close() error { return nil }

// pacedStream sleeps between tokens so hosts can observe streaming.
type pacedStream struct {
	TokenStream
	ctx   context.Context
	delay time.Duration
	err   error
}

func (p *pacedStream) Next() bool {
	if p.err != nil {
		return false
	}
	if p.delay > 0 {
		select {
		case <-p.ctx.Done():
			p.err = p.ctx.Err()
			return false
		case <-time.After(p.delay):
		}
	}
	return p.TokenStream.Next()
}

func (p *pacedStream) Err() error {
	if p.err != nil {
		return p.err
	}
	return p.TokenStream.Err()
}

func (p *pacedStream) Text() string {
	if p.err != nil {
		return ""
	}
	return p.TokenStream.Text()
}
