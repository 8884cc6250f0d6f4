package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/worker"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewLoader(t *testing.T) {
	if _, err := NewLoader(config.ModelConfig{Mode: "mock", ModelID: "m"}); err != nil {
		t.Fatalf("mock loader: %v", err)
	}
	if _, err := NewLoader(config.ModelConfig{Mode: "exec", Command: "/bin/sh -c true"}); err != nil {
		t.Fatalf("exec loader: %v", err)
	}
	if _, err := NewLoader(config.ModelConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for exec without command")
	}
	if _, err := NewLoader(config.ModelConfig{Mode: "gpu"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestServicesAndStatusEndpoints(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Host = "127.0.0.1"
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.EventStore.RetentionMode = "ephemeral"

	r := New(cfg, "test", newLogger())
	if err := r.startServices(context.Background()); err != nil {
		r.shutdown()
		t.Fatalf("start services: %v", err)
	}
	t.Cleanup(r.shutdown)

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start completes, got %d", rec.Code)
	}
	r.ready.Store(true)
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.handleJob(rec, httptest.NewRequest(http.MethodGet, "/v1/job", nil))
	var status jobStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode job status: %v", err)
	}
	if status.State != "idle" || status.ModelReady {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestJobTimelineEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Host = "127.0.0.1"
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")

	r := New(cfg, "test", newLogger())
	if err := r.startServices(context.Background()); err != nil {
		r.shutdown()
		t.Fatalf("start services: %v", err)
	}
	t.Cleanup(r.shutdown)

	orch := r.stt.Worker()
	if err := r.stt.Dispatch(protocol.Command{Type: protocol.CommandLoad}); err != nil {
		t.Fatalf("load: %v", err)
	}
	waitUntil(t, orch.Ready)
	if err := r.stt.Dispatch(protocol.Command{
		Type: protocol.CommandGenerate,
		Data: &protocol.GenerateData{Audio: make(protocol.Samples, 16000), Language: "en"},
	}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	waitUntil(t, func() bool { return orch.Job().State == worker.StateCompleted })
	jobID := orch.Job().ID
	waitUntil(t, func() bool {
		events, err := r.store.ListJobEvents(context.Background(), jobID, 100)
		return err == nil && len(events) > 0 && events[len(events)-1].Type == protocol.StatusComplete
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/{id}/events", r.handleJobEvents)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID+"/events", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var timeline jobTimeline
	if err := json.NewDecoder(rec.Body).Decode(&timeline); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	if timeline.ID != jobID || timeline.State != string(worker.StateCompleted) || timeline.Language != "en" {
		t.Fatalf("unexpected job %+v", timeline)
	}
	first, last := timeline.Events[0], timeline.Events[len(timeline.Events)-1]
	if first.Type != protocol.StatusStart || last.Type != protocol.StatusComplete {
		t.Fatalf("unexpected timeline order: first %s last %s", first.Type, last.Type)
	}
	var done protocol.Event
	if err := json.Unmarshal(last.Event, &done); err != nil {
		t.Fatalf("decode stored event: %v", err)
	}
	if done.Output != "mock transcript of 1.00 seconds" {
		t.Fatalf("unexpected stored output %q", done.Output)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/unknown/events", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
