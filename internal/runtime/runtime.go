package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg         config.Config
	version     string
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	store       *eventstore.Store
	sessions    *session.Provider
	stt         *stt.Service
	ready       atomic.Bool
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startServices(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /v1/job", r.handleJob)
	mux.HandleFunc("GET /v1/jobs/{id}/events", r.handleJobEvents)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(r.httpServer, "http") })

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error { return serve(r.metricsSrv, "metrics") })
	}

	if r.cfg.Model.Preload {
		r.stt.Preload()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("version", r.version),
		slog.String("model_mode", r.cfg.Model.Mode))

	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("runtime stopping")
		r.ready.Store(false)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		if r.metricsSrv != nil {
			if err := r.metricsSrv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	return g.Wait()
}

func serve(srv *http.Server, name string) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	loader, err := NewLoader(r.cfg.Model)
	if err != nil {
		return err
	}
	r.sessions = session.NewProvider(loader, r.logger)

	r.stt = stt.NewService(ctx, r.cfg.Transcription, r.bus, r.sessions, r.store, r.logger)
	if err := r.stt.Start(); err != nil {
		return fmt.Errorf("start stt service: %w", err)
	}
	return nil
}

// NewLoader builds the model loader selected by cfg.Mode.
func NewLoader(cfg config.ModelConfig) (session.Loader, error) {
	switch cfg.Mode {
	case "exec":
		return session.NewExecLoader(session.ExecOptions{
			Command:   cfg.Command,
			ModelID:   cfg.ModelID,
			ModelPath: cfg.ModelPath,
			Device:    cfg.Device,
		})
	case "mock":
		return session.NewMockLoader(cfg.ModelID, time.Duration(cfg.MockTokenDelayMS)*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported model mode %q", cfg.Mode)
	}
}

// shutdown releases components in reverse start order.
func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.stt != nil {
		r.stt.Close()
	}
	var errs []error
	if r.sessions != nil {
		errs = append(errs, r.sessions.Close())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.tracerClose != nil {
		errs = append(errs, r.tracerClose(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.stt.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type jobStatus struct {
	ID           string    `json:"id,omitempty"`
	State        string    `json:"state"`
	ModelReady   bool      `json:"model_ready"`
	Language     string    `json:"language,omitempty"`
	CurrentChunk int       `json:"current_chunk,omitempty"`
	TotalChunks  int       `json:"total_chunks,omitempty"`
	Transcript   string    `json:"transcript,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
}

func (r *Runtime) handleJob(w http.ResponseWriter, _ *http.Request) {
	orch := r.stt.Worker()
	job := orch.Job()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jobStatus{
		ID:           job.ID,
		State:        string(job.State),
		ModelReady:   orch.Ready(),
		Language:     job.Language,
		CurrentChunk: job.CurrentChunk,
		TotalChunks:  job.TotalChunks,
		Transcript:   job.Transcript,
		Error:        job.Error,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	})
}

type jobTimeline struct {
	ID        string          `json:"id"`
	Language  string          `json:"language,omitempty"`
	State     string          `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Events    []timelineEntry `json:"events"`
}

type timelineEntry struct {
	Type      string          `json:"type"`
	TraceID   string          `json:"trace_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Event     json.RawMessage `json:"event,omitempty"`
}

const maxTimelineEvents = 1000

// handleJobEvents serves a recorded job and its events in emission order.
func (r *Runtime) handleJobEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	job, err := r.store.GetJob(req.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Warn("job lookup failed", slog.String("job_id", id), slog.String("error", err.Error()))
		http.Error(w, "job lookup failed", http.StatusInternalServerError)
		return
	}
	events, err := r.store.ListJobEvents(req.Context(), id, maxTimelineEvents)
	if err != nil {
		r.logger.Warn("job events lookup failed", slog.String("job_id", id), slog.String("error", err.Error()))
		http.Error(w, "job events lookup failed", http.StatusInternalServerError)
		return
	}

	out := jobTimeline{
		ID:        job.ID,
		Language:  job.Language,
		State:     job.State,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Events:    make([]timelineEntry, 0, len(events)),
	}
	for _, e := range events {
		entry := timelineEntry{Type: e.Type, TraceID: e.TraceID, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			entry.Event = e.Payload
		}
		out.Events = append(out.Events, entry)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
