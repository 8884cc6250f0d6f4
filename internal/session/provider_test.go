package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type nopSession struct{}

func (nopSession) Warmup(context.Context) error { return nil }
func (nopSession) Generate(context.Context, GenerateRequest) (TokenStream, error) {
	return NewStaticStream(nil, "", nil), nil
}
func (nopSession) Close() error { return nil }

func TestProviderCollapsesConcurrentAcquire(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	loader := LoaderFunc(func(ctx context.Context, progress ProgressFunc) (Session, error) {
		loads.Add(1)
		<-release
		return nopSession{}, nil
	})
	p := NewProvider(loader, newLogger())

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Acquire(context.Background(), nil)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("expected a single load, got %d", got)
	}
	if !p.Ready() {
		t.Fatal("provider should be ready")
	}
	if _, err := p.Acquire(context.Background(), nil); err != nil || loads.Load() != 1 {
		t.Fatalf("cached acquire should not reload (err=%v loads=%d)", err, loads.Load())
	}
}

func TestProviderRetriesAfterFailure(t *testing.T) {
	var calls int
	loader := LoaderFunc(func(ctx context.Context, progress ProgressFunc) (Session, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("no gpu adapter")
		}
		return nopSession{}, nil
	})
	p := NewProvider(loader, newLogger())

	_, err := p.Acquire(context.Background(), nil)
	if !errors.Is(err, ErrAcquisition) {
		t.Fatalf("expected ErrAcquisition, got %v", err)
	}
	if p.Ready() {
		t.Fatal("failed load must not mark provider ready")
	}
	if _, err := p.Acquire(context.Background(), nil); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 load attempts, got %d", calls)
	}
}

func TestMockLoaderReportsProgress(t *testing.T) {
	var events []LoadProgress
	s, err := NewMockLoader("whisper-base", 0).Load(context.Background(), func(p LoadProgress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) == 0 || events[0].Status != ProgressInitiate || events[len(events)-1].Status != ProgressDone {
		t.Fatalf("unexpected progress sequence: %+v", events)
	}
	if err := s.Warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
}

func TestMockSessionStreamsTokens(t *testing.T) {
	s, err := NewMockLoader("m", 0).Load(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := s.Generate(context.Background(), GenerateRequest{
		Samples:    make([]float32, 32000),
		SampleRate: 16000,
		Language:   "de",
		Timestamps: true,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	defer stream.Close()
	var tokens []string
	for stream.Next() {
		tokens = append(tokens, stream.Token())
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if tokens[0] != "<|0.00|>" || tokens[len(tokens)-1] != "<|2.00|>" {
		t.Fatalf("expected timestamp tokens at the edges: %q", tokens)
	}
	want := "<|startoftranscript|><|de|><|transcribe|><|0.00|> mock transcript of 2.00 seconds<|2.00|><|endoftext|>"
	if stream.Text() != want {
		t.Fatalf("text = %q", stream.Text())
	}
}

func TestStaticStreamSurfacesError(t *testing.T) {
	boom := errors.New("boom")
	stream := NewStaticStream([]string{"a"}, "", boom)
	if !stream.Next() || stream.Err() != nil {
		t.Fatal("error must not surface before tokens are exhausted")
	}
	if stream.Next() {
		t.Fatal("stream should be exhausted")
	}
	if !errors.Is(stream.Err(), boom) || stream.Text() != "" {
		t.Fatalf("unexpected end state: err=%v text=%q", stream.Err(), stream.Text())
	}
}
