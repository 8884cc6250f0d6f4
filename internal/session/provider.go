package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

const acquireKey = "session"

// Provider lazily loads a single Session. Concurrent Acquire calls share one
// in-flight load; a failed load is not cached so a later call retries.
type Provider struct {
	loader Loader
	log    *slog.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	session Session
}

// NewProvider wraps loader in a single-flight provider.
func NewProvider(loader Loader, logger *slog.Logger) *Provider {
	return &Provider{
		loader: loader,
		log:    logger.With(slog.String("component", "session-provider")),
	}
}

// Acquire returns the loaded session, loading it on first use. Progress is
// only reported to the caller that triggered the load.
func (p *Provider) Acquire(ctx context.Context, progress ProgressFunc) (Session, error) {
	if s := p.current(); s != nil {
		return s, nil
	}
	v, err, shared := p.group.Do(acquireKey, func() (any, error) {
		if s := p.current(); s != nil {
			return s, nil
		}
		p.log.Info("loading model session")
		s, err := p.loader.Load(ctx, progress)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.session = s
		p.mu.Unlock()
		p.log.Info("model session loaded")
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcquisition, err)
	}
	if shared {
		p.log.Debug("joined in-flight session load")
	}
	return v.(Session), nil
}

// Ready reports whether a session has been loaded.
func (p *Provider) Ready() bool {
	return p.current() != nil
}

// Close releases the loaded session, if any.
func (p *Provider) Close() error {
	p.mu.Lock()
	s := p.session
	p.session = nil
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

func (p *Provider) current() Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}
