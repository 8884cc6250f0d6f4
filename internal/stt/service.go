// Package stt bridges the transcription worker to the message bus: commands
// arrive on one subject and every worker event is published and recorded.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/worker"
	"github.com/nats-io/nats.go"
)

// EventStream is the JetStream stream retaining published worker events.
const EventStream = "TRANSCRIBE_EVENTS"

const eventRetention = 24 * time.Hour

// ErrClosed is returned for commands dispatched after Close.
var ErrClosed = errors.New("stt service closed")

type Service struct {
	cfg    config.TranscriptionConfig
	bus    *bus.Client
	store  *eventstore.Store
	worker *worker.Orchestrator
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup

	mu     sync.Mutex
	ready  bool
	closed bool
}

// NewService wires an orchestrator whose events flow through the service.
// store may be nil.
func NewService(parent context.Context, cfg config.TranscriptionConfig, busClient *bus.Client, sessions worker.Acquirer, store *eventstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:    cfg,
		bus:    busClient,
		store:  store,
		log:    logger.With(slog.String("component", "stt")),
		ctx:    ctx,
		cancel: cancel,
	}
	s.worker = worker.New(sessions, s, worker.Options{
		SampleRate:      cfg.SampleRate,
		ChunkSeconds:    cfg.ChunkSeconds,
		MaxNewTokens:    cfg.MaxNewTokens,
		DefaultLanguage: cfg.DefaultLanguage,
		Languages:       cfg.SupportedLanguages,
	}, logger)
	return s
}

func (s *Service) Start() error {
	if err := s.bus.EnsureStream(EventStream, []string{protocol.SubjectEventPrefix + ".>"}, eventRetention); err != nil {
		s.log.Warn("event stream unavailable, publishing core NATS only", slogError(err))
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectCommand, s.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	s.sub = sub
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

// Close stops accepting commands, cancels running work and waits for it.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.ready = false
	s.mu.Unlock()

	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Worker exposes the orchestrator for status queries.
func (s *Service) Worker() *worker.Orchestrator {
	return s.worker
}

// Preload starts a model load without waiting for a command.
func (s *Service) Preload() {
	s.Dispatch(protocol.Command{Type: protocol.CommandLoad})
}

func (s *Service) handleCommand(msg *nats.Msg) {
	var cmd protocol.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.log.Warn("failed to decode command", slogError(err))
		s.reply(msg, err)
		return
	}
	err := s.Dispatch(cmd)
	s.reply(msg, err)
}

func (s *Service) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	ack := map[string]any{"accepted": err == nil}
	if err != nil {
		ack["error"] = err.Error()
	}
	data, _ := json.Marshal(ack)
	if err := msg.Respond(data); err != nil {
		s.log.Debug("failed to acknowledge command", slogError(err))
	}
}

// Dispatch routes a command to the worker. Load and generate run in the
// background; their outcome is reported through events only.
func (s *Service) Dispatch(cmd protocol.Command) error {
	switch cmd.Type {
	case protocol.CommandLoad:
		return s.goWorker(func(ctx context.Context) error { return s.worker.Load(ctx) })
	case protocol.CommandGenerate:
		if cmd.Data == nil {
			err := errors.New("generate command missing data")
			s.Emit(protocol.Event{Status: protocol.StatusError, Error: err.Error()})
			return err
		}
		req := worker.Request{
			Samples:    cmd.Data.Audio,
			Language:   cmd.Data.Language,
			Timestamps: cmd.Data.Timestamps,
		}
		return s.goWorker(func(ctx context.Context) error { return s.worker.Generate(ctx, req) })
	case protocol.CommandReset:
		if err := s.worker.Reset(); err != nil {
			s.Emit(protocol.Event{Status: protocol.StatusError, Error: err.Error()})
			return err
		}
		return nil
	default:
		err := fmt.Errorf("unknown command type %q", cmd.Type)
		s.log.Warn("ignoring command", slogError(err))
		s.Emit(protocol.Event{Status: protocol.StatusError, Error: err.Error()})
		return err
	}
}

// goWorker runs fn in the background. The closed check and wg.Add share the
// lock with Close so no goroutine starts once Close is waiting.
func (s *Service) goWorker(fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil {
			s.log.Debug("worker command finished with error", slogError(err))
		}
	}()
	return nil
}

// Emit appends evt to the job timeline, then publishes it.
func (s *Service) Emit(evt protocol.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		s.log.Warn("failed to marshal event", slogError(err))
		return
	}
	s.record(evt, data)
	if err := s.bus.Conn().Publish(protocol.EventSubject(evt.Status), data); err != nil {
		s.log.Warn("failed to publish event", slog.String("status", evt.Status), slogError(err))
	}
}

func (s *Service) record(evt protocol.Event, payload []byte) {
	if s.store == nil || evt.JobID == "" {
		return
	}
	ctx := context.WithoutCancel(s.ctx)
	language, state := "", jobState(evt)
	if job := s.worker.Job(); job.ID == evt.JobID {
		language, state = job.Language, string(job.State)
	}
	if err := s.store.AppendJob(ctx, evt.JobID, language, state); err != nil {
		s.log.Warn("failed to record job", slog.String("job_id", evt.JobID), slogError(err))
		return
	}
	if err := s.store.AppendEvent(ctx, eventstore.Event{
		JobID:     evt.JobID,
		TraceID:   evt.TraceID,
		Type:      evt.Status,
		Payload:   payload,
		CreatedAt: evt.Timestamp,
	}); err != nil {
		s.log.Warn("failed to record event", slog.String("job_id", evt.JobID), slogError(err))
	}
}

// jobState maps an event to the job state it implies when the worker has
// already moved on to another job. Progress is shared by model loading and
// chunk decoding; only the latter carries chunk counts.
func jobState(evt protocol.Event) string {
	switch evt.Status {
	case protocol.StatusProgress:
		if evt.TotalChunks > 0 {
			return string(worker.StateRunning)
		}
		return string(worker.StateLoading)
	case protocol.StatusLoading, protocol.StatusInitiate, protocol.StatusDone:
		return string(worker.StateLoading)
	case protocol.StatusReady:
		return string(worker.StateIdle)
	case protocol.StatusStart, protocol.StatusUpdate:
		return string(worker.StateRunning)
	case protocol.StatusComplete:
		return string(worker.StateCompleted)
	default:
		return string(worker.StateFailed)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
