// Package session defines the speech model capability consumed by the worker
// and the lazily initialised, process-wide provider that owns it.
package session

import (
	"context"
	"errors"
)

var (
	// ErrAcquisition covers model, tokenizer or processor load failures.
	ErrAcquisition = errors.New("session acquisition failed")
	// ErrInputProcessing reports audio that could not become model features.
	ErrInputProcessing = errors.New("input processing failed")
	// ErrGeneration reports a failure while decoding a chunk.
	ErrGeneration = errors.New("generation failed")
)

// Load progress statuses, passed through unmodified to the host.
const (
	ProgressInitiate = "initiate"
	ProgressUpdate   = "progress"
	ProgressDone     = "done"
)

// LoadProgress is one notification emitted while model files are fetched.
type LoadProgress struct {
	Status   string
	File     string
	Loaded   int64
	Total    int64
	Progress float64
}

// ProgressFunc receives load notifications. It may be nil.
type ProgressFunc func(LoadProgress)

// GenerateRequest describes one chunk of audio to decode.
type GenerateRequest struct {
	Samples      []float32
	SampleRate   int
	Language     string
	Timestamps   bool
	MaxNewTokens int
}

// TokenStream yields decoded text fragments for a single generate call.
// It is finite and cannot be restarted. Text returns the full decoded output
// once Next has returned false and Err is nil.
type TokenStream interface {
	Next() bool
	Token() string
	Err() error
	Text() string
	Close() error
}

// Session is a loaded model ready for inference.
type Session interface {
	// Warmup runs one trivial forward pass to force backend compilation.
	Warmup(ctx context.Context) error
	Generate(ctx context.Context, req GenerateRequest) (TokenStream, error)
	Close() error
}

// Loader acquires a Session, reporting progress as files load.
type Loader interface {
	Load(ctx context.Context, progress ProgressFunc) (Session, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, progress ProgressFunc) (Session, error)

func (f LoaderFunc) Load(ctx context.Context, progress ProgressFunc) (Session, error) {
	return f(ctx, progress)
}

func report(progress ProgressFunc, p LoadProgress) {
	if progress != nil {
		progress(p)
	}
}
