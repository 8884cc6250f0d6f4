// Package worker owns the single transcription job slot: it sequences model
// loading, chunked decoding and progress reporting, and emits protocol events.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/audio"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	msgModelLoading = "Model loading..."
	msgWarmingUp    = "Compiling and warming up model..."
)

// Acquirer hands out the process-wide model session.
type Acquirer interface {
	Acquire(ctx context.Context, progress session.ProgressFunc) (session.Session, error)
}

// Emitter receives worker events in order.
type Emitter interface {
	Emit(evt protocol.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(evt protocol.Event)

func (f EmitterFunc) Emit(evt protocol.Event) { f(evt) }

// Options tunes chunking and decoding.
type Options struct {
	SampleRate      int
	ChunkSeconds    float64
	MaxNewTokens    int
	DefaultLanguage string
	Languages       []string
}

// Request is an immutable transcription request.
type Request struct {
	Samples    []float32
	Language   string
	Timestamps bool
}

// Orchestrator drives the model session through load and generate phases.
// Only one job occupies the slot at a time; a generate that arrives while a job
// is in flight is dropped, never queued.
type Orchestrator struct {
	sessions Acquirer
	emitter  Emitter
	opts     Options
	log      *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer
	clock    func() time.Time
	newID    func() string

	mu      sync.Mutex
	job     Job
	session session.Session
}

// New creates an idle orchestrator.
func New(sessions Acquirer, emitter Emitter, opts Options, logger *slog.Logger) *Orchestrator {
	log := logger.With(slog.String("component", "worker"))
	return &Orchestrator{
		sessions: sessions,
		emitter:  emitter,
		opts:     opts,
		log:      log,
		metrics:  newMetrics(log),
		tracer:   otel.Tracer(instrumentationName),
		clock:    time.Now,
		newID:    uuid.NewString,
		job:      Job{State: StateIdle},
	}
}

// Job returns a snapshot of the job slot.
func (o *Orchestrator) Job() Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.job
}

// Ready reports whether a warmed-up session is available.
func (o *Orchestrator) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session != nil
}

// Load acquires and warms up the model session. It is only valid from Idle.
// When a session is already loaded it re-announces readiness.
func (o *Orchestrator) Load(ctx context.Context) error {
	o.mu.Lock()
	if o.job.State != StateIdle {
		state := o.job.State
		o.mu.Unlock()
		o.log.Debug("load ignored", slog.String("state", string(state)))
		return fmt.Errorf("%w: load requested while %s", ErrInvalidState, state)
	}
	if o.session != nil {
		id := o.job.ID
		o.mu.Unlock()
		o.emit(ctx, protocol.Event{JobID: id, Status: protocol.StatusReady})
		return nil
	}
	o.job = Job{ID: o.newID(), State: StateIdle, StartedAt: o.clock().UTC()}
	_ = o.job.transition(StateLoading)
	id := o.job.ID
	o.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "worker.load", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	o.emit(ctx, protocol.Event{JobID: id, Status: protocol.StatusLoading, Data: msgModelLoading})
	sess, err := o.sessions.Acquire(ctx, func(p session.LoadProgress) {
		o.emit(ctx, protocol.Event{
			JobID:    id,
			Status:   p.Status,
			File:     p.File,
			Loaded:   p.Loaded,
			Total:    p.Total,
			Progress: p.Progress,
		})
	})
	if err != nil {
		o.metrics.load(ctx, "failed")
		o.fail(ctx, span, err)
		return err
	}

	o.emit(ctx, protocol.Event{JobID: id, Status: protocol.StatusLoading, Data: msgWarmingUp})
	if err := sess.Warmup(ctx); err != nil {
		err = fmt.Errorf("%w: warm-up: %w", session.ErrAcquisition, err)
		o.metrics.load(ctx, "failed")
		o.fail(ctx, span, err)
		return err
	}

	o.mu.Lock()
	o.session = sess
	_ = o.job.transition(StateIdle)
	o.job.FinishedAt = o.clock().UTC()
	o.mu.Unlock()

	o.metrics.load(ctx, "ok")
	o.log.Info("model ready", slog.String("job_id", id))
	o.emit(ctx, protocol.Event{JobID: id, Status: protocol.StatusReady})
	return nil
}

// Generate transcribes req chunk by chunk, blocking until the job completes or
// fails. A call made while another job is in flight is a silent no-op.
func (o *Orchestrator) Generate(ctx context.Context, req Request) error {
	o.mu.Lock()
	if o.job.Active() {
		state := o.job.State
		o.mu.Unlock()
		o.log.Debug("generate ignored, job in flight", slog.String("state", string(state)))
		return nil
	}
	if o.session == nil {
		id := o.job.ID
		o.mu.Unlock()
		o.emit(ctx, protocol.Event{JobID: id, Status: protocol.StatusError, Error: ErrSessionNotReady.Error()})
		return ErrSessionNotReady
	}
	if err := o.job.transition(StateRunning); err != nil {
		id := o.job.ID
		o.mu.Unlock()
		err = fmt.Errorf("%w; reset required", err)
		o.emit(ctx, protocol.Event{JobID: id, Status: protocol.StatusError, Error: err.Error()})
		return err
	}
	o.job = Job{
		ID:        o.newID(),
		State:     StateRunning,
		Language:  req.Language,
		StartedAt: o.clock().UTC(),
	}
	id := o.job.ID
	sess := o.session
	o.mu.Unlock()

	return o.run(ctx, id, sess, req)
}

func (o *Orchestrator) run(ctx context.Context, id string, sess session.Session, req Request) error {
	ctx, span := o.tracer.Start(ctx, "worker.generate", trace.WithAttributes(
		attribute.String("job.id", id),
		attribute.Int("audio.samples", len(req.Samples)),
		attribute.Bool("timestamps", req.Timestamps),
	))
	defer span.End()

	o.emit(ctx, protocol.Event{JobID: id, Status: protocol.StatusStart})

	lang, err := o.language(req.Language)
	if err != nil {
		o.fail(ctx, span, err)
		return err
	}
	if len(req.Samples) == 0 {
		err := fmt.Errorf("%w: no audio samples", session.ErrInputProcessing)
		o.fail(ctx, span, err)
		return err
	}
	chunker, err := audio.NewChunker(req.Samples, o.opts.ChunkSeconds, o.opts.SampleRate)
	if err != nil {
		o.fail(ctx, span, err)
		return err
	}

	total := chunker.Count()
	span.SetAttributes(attribute.String("language", lang), attribute.Int("chunks", total))
	o.mu.Lock()
	o.job.Language = lang
	o.job.TotalChunks = total
	o.mu.Unlock()

	meter := newThroughput(o.clock)
	var (
		parts   []string
		lastTPS *float64
	)
	for {
		chunk, ok := chunker.Next()
		if !ok {
			break
		}
		text, tps, err := o.decodeChunk(ctx, id, sess, chunk, total, lang, req.Timestamps, parts, meter)
		if err != nil {
			o.fail(ctx, span, err)
			return err
		}
		if tps != nil {
			lastTPS = tps
		}
		parts = append(parts, text)
		o.metrics.chunk(ctx)

		o.mu.Lock()
		o.job.CurrentChunk = chunk.Index + 1
		o.mu.Unlock()
		o.emit(ctx, protocol.Event{
			JobID:        id,
			Status:       protocol.StatusProgress,
			Progress:     float64(chunk.Index+1) / float64(total) * 100,
			CurrentChunk: chunk.Index + 1,
			TotalChunks:  total,
		})
	}

	final := transcript.NormalizeParts(parts...)

	o.mu.Lock()
	o.job.Transcript = final
	_ = o.job.transition(StateCompleted)
	o.job.FinishedAt = o.clock().UTC()
	o.mu.Unlock()

	o.metrics.job(ctx, "completed")
	o.metrics.tps(ctx, lastTPS)
	o.log.Info("transcription complete", slog.String("job_id", id), slog.Int("chunks", total))
	o.emit(ctx, protocol.Event{JobID: id, Status: protocol.StatusComplete, Output: final})
	return nil
}

// decodeChunk streams one chunk through the session and returns its raw
// decoded text with timestamp markers shifted to the chunk's position.
func (o *Orchestrator) decodeChunk(ctx context.Context, id string, sess session.Session, chunk audio.Chunk, total int, lang string, timestamps bool, previous []string, meter *throughput) (string, *float64, error) {
	stream, err := sess.Generate(ctx, session.GenerateRequest{
		Samples:      chunk.Samples,
		SampleRate:   o.opts.SampleRate,
		Language:     lang,
		Timestamps:   timestamps,
		MaxNewTokens: o.opts.MaxNewTokens,
	})
	if err != nil {
		return "", nil, generationError(err)
	}
	defer stream.Close()

	offset := chunk.StartSeconds(o.opts.SampleRate)
	parts := make([]string, len(previous), len(previous)+1)
	copy(parts, previous)
	var (
		decoded     strings.Builder
		chunkTokens int
		tps         *float64
	)
	for stream.Next() {
		token := stream.Token()
		chunkTokens++
		count, rate := meter.observe()
		tps = rate
		if token == "" {
			continue
		}
		decoded.WriteString(token)
		partial := transcript.ShiftTimestamps(decoded.String(), offset)
		o.emit(ctx, protocol.Event{
			JobID:        id,
			Status:       protocol.StatusUpdate,
			Output:       transcript.NormalizeParts(append(parts, partial)...),
			TPS:          rate,
			NumTokens:    count,
			Progress:     o.progress(chunk.Index, total, chunkTokens),
			CurrentChunk: chunk.Index + 1,
			TotalChunks:  total,
		})
	}
	if err := stream.Err(); err != nil {
		return "", nil, generationError(err)
	}
	text := stream.Text()
	if text == "" {
		text = decoded.String()
	}
	return transcript.ShiftTimestamps(text, offset), tps, nil
}

// progress estimates job completion in percent; the in-chunk share is capped
// so a single-pass job never reports more than 100.
func (o *Orchestrator) progress(index, total, chunkTokens int) float64 {
	share := 1.0
	if o.opts.MaxNewTokens > 0 {
		share = math.Min(float64(chunkTokens)/float64(o.opts.MaxNewTokens), 1)
	}
	return (float64(index) + share) / float64(total) * 100
}

// Reset clears a finished job. The loaded session is kept.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.job.State {
	case StateIdle:
		return nil
	case StateCompleted, StateFailed:
		_ = o.job.transition(StateIdle)
		o.job = Job{State: StateIdle}
		o.log.Info("job reset")
		return nil
	default:
		return fmt.Errorf("%w: reset requested while %s", ErrInvalidState, o.job.State)
	}
}

func (o *Orchestrator) language(requested string) (string, error) {
	lang := strings.ToLower(strings.TrimSpace(requested))
	if lang == "" {
		lang = o.opts.DefaultLanguage
	}
	if len(o.opts.Languages) > 0 && !slices.Contains(o.opts.Languages, lang) {
		return "", fmt.Errorf("%w: unsupported language %q", session.ErrInputProcessing, lang)
	}
	return lang, nil
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, err error) {
	o.mu.Lock()
	if transErr := o.job.transition(StateFailed); transErr != nil {
		o.log.Warn("unexpected failure transition", slogError(transErr))
		o.job.State = StateFailed
	}
	o.job.Error = err.Error()
	o.job.FinishedAt = o.clock().UTC()
	id := o.job.ID
	o.mu.Unlock()

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.metrics.job(ctx, "failed")
	o.log.Warn("job failed", slog.String("job_id", id), slogError(err))
	o.emit(ctx, protocol.Event{JobID: id, Status: protocol.StatusError, Error: err.Error()})
}

// emit stamps evt with the time and the trace of the span active in ctx.
func (o *Orchestrator) emit(ctx context.Context, evt protocol.Event) {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		evt.TraceID = sc.TraceID().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = o.clock().UTC()
	}
	o.emitter.Emit(evt)
}

func generationError(err error) error {
	if errors.Is(err, session.ErrGeneration) || errors.Is(err, session.ErrInputProcessing) {
		return err
	}
	return fmt.Errorf("%w: %w", session.ErrGeneration, err)
}
