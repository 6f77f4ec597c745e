package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttscache/internal/metrics"
	"github.com/dgnsrekt/ttscache/internal/synth"
	"golang.org/x/sync/singleflight"
)

// Manager turns text into playable audio URIs. It reads through the backend,
// falls back to the synthesis endpoint on a miss, and lets concurrent
// requests for the same key share one retrieval.
type Manager struct {
	backend Backend
	params  synth.Params
	logger  *log.Logger

	initOnce sync.Once
	initErr  error
	disabled atomic.Bool

	// inflight holds at most one retrieval per key. Keys are forgotten as
	// soon as their retrieval finishes, successful or not.
	inflight singleflight.Group
}

// NewManager creates a manager over backend. The backend is initialized by
// the first call to Initialize or GetPlayableURI.
func NewManager(backend Backend, params synth.Params, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		backend: backend,
		params:  params,
		logger:  logger,
	}
}

// Initialize prepares the backend exactly once. Concurrent callers wait for
// the same initialization and see the same result. A backend without
// durable storage puts the manager into passthrough mode instead of failing.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		err := m.backend.Init(context.WithoutCancel(ctx))
		if errors.Is(err, ErrCacheDisabled) {
			m.logger.Warn("TTS cache disabled, requests go straight to the network")
			m.disabled.Store(true)
			return
		}
		m.initErr = err
	})
	return m.initErr
}

// Disabled reports whether the manager is passing requests through.
func (m *Manager) Disabled() bool {
	return m.disabled.Load()
}

// GetPlayableURI returns a URI the application can play for text.
//
// Once started, a retrieval runs to completion even if ctx is cancelled; a
// cancelled caller only stops waiting for it. Every successful caller owns
// the returned URI and should Release it when done.
func (m *Manager) GetPlayableURI(ctx context.Context, text string) (PlayableResult, error) {
	if err := m.Initialize(ctx); err != nil {
		return PlayableResult{}, fmt.Errorf("unable to initialize tts cache: %w", err)
	}

	if NormalizeText(text) == "" {
		return PlayableResult{}, ErrEmptyText
	}

	key := DeriveKey(text, m.params)

	if m.disabled.Load() {
		u, err := m.params.BuildURL(text)
		if err != nil {
			return PlayableResult{}, err
		}
		metrics.Retrievals.WithLabelValues("passthrough").Inc()
		return PlayableResult{URI: u, Source: SourceNetwork}, nil
	}

	// led is set only when this caller's function ran the retrieval. It is
	// read after the result arrives on ch, which orders it after the write.
	var led bool
	detached := context.WithoutCancel(ctx)
	ch := m.inflight.DoChan(key, func() (any, error) {
		led = true
		return m.retrieve(detached, key, text)
	})

	select {
	case res := <-ch:
		if res.Shared && !led {
			metrics.Coalesced.Inc()
		}
		if res.Err != nil {
			return PlayableResult{}, res.Err
		}
		return m.backend.Claim(res.Val.(*Hit)), nil
	case <-ctx.Done():
		return PlayableResult{}, ctx.Err()
	}
}

// retrieve is the body of one coalesced retrieval. Its hit is shared by
// every caller that joined, each of which claims it separately.
func (m *Manager) retrieve(ctx context.Context, key, text string) (*Hit, error) {
	start := time.Now()

	hit, err := m.backend.Lookup(ctx, key)
	if err == nil {
		m.backend.Touch(key)
		m.observe(hit.Source, start)
		return hit, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		metrics.Retrievals.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("tts cache lookup %s: %w", key, err)
	}

	u, err := m.params.BuildURL(text)
	if err != nil {
		metrics.Retrievals.WithLabelValues("error").Inc()
		return nil, err
	}

	out, err := m.backend.Store(ctx, key, u)
	if err != nil {
		metrics.Retrievals.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("tts cache store %s: %w", key, err)
	}

	m.observe(out.Source, start)
	return out, nil
}

func (m *Manager) observe(source Source, start time.Time) {
	elapsed := time.Since(start)
	metrics.Retrievals.WithLabelValues(string(source)).Inc()
	metrics.RetrievalDuration.WithLabelValues(string(source)).Observe(elapsed.Seconds())
	m.logger.Debug("Playable URI ready", "source", source, "elapsed", elapsed.Round(time.Millisecond))
}

// Open returns the audio behind a URI this manager produced.
func (m *Manager) Open(ctx context.Context, uri string) (*Audio, error) {
	return m.backend.Open(ctx, uri)
}

// Release frees a URI once the caller is done playing it. Blob references
// must be released; file URIs stay cached.
func (m *Manager) Release(uri string) {
	m.backend.Release(uri)
}

// Stats reports the backend's holdings.
func (m *Manager) Stats() Stats {
	return m.backend.Stats()
}

// Close flushes and closes the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}
