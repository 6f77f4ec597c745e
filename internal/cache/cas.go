package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttscache/internal/blobstore"
	"github.com/dgnsrekt/ttscache/internal/metrics"
	"github.com/dgnsrekt/ttscache/internal/synth"
	"github.com/dustin/go-humanize"
)

// StoreConfig configures a StoreBackend.
type StoreConfig struct {
	Store    blobstore.Store
	Registry *blobstore.Registry
	Fetcher  synth.Fetcher
	Logger   *log.Logger
}

// StoreBackend caches responses in a named, request-keyed store and hands
// out blob references for playback. It keeps no index of its own: presence
// in the store is the truth, and eviction is left to the store's quota.
type StoreBackend struct {
	store    blobstore.Store
	registry *blobstore.Registry
	fetcher  synth.Fetcher
	logger   *log.Logger

	openOnce sync.Once
	bucket   blobstore.Bucket
	openErr  error
}

// NewStoreBackend creates a store-backed cache.
func NewStoreBackend(cfg StoreConfig) *StoreBackend {
	if cfg.Registry == nil {
		cfg.Registry = blobstore.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &StoreBackend{
		store:    cfg.Store,
		registry: cfg.Registry,
		fetcher:  cfg.Fetcher,
		logger:   cfg.Logger,
	}
}

// Init does nothing; the bucket is opened on first use.
func (s *StoreBackend) Init(context.Context) error {
	if s.store == nil {
		return errors.New("response store is required")
	}
	return nil
}

func (s *StoreBackend) open(ctx context.Context) (blobstore.Bucket, error) {
	s.openOnce.Do(func() {
		s.bucket, s.openErr = s.store.Open(ctx, DirName)
	})
	if s.openErr != nil {
		return nil, fmt.Errorf("unable to open response store: %w", s.openErr)
	}
	return s.bucket, nil
}

func requestPath(key string) string {
	return "/__tts_cache__/tts/" + key + FileExt
}

// Lookup returns a stored audio response. A stored response that is not
// audio is deleted and reported as a miss.
func (s *StoreBackend) Lookup(ctx context.Context, key string) (*Hit, error) {
	bucket, err := s.open(ctx)
	if err != nil {
		return nil, err
	}

	path := requestPath(key)
	resp, err := bucket.Match(ctx, path)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	if !synth.IsAudioContentType(resp.ContentType) {
		if err := bucket.Delete(ctx, path); err != nil {
			s.logger.Debug("Unable to delete non-audio response", "key", key, "err", err)
		}
		metrics.Evictions.WithLabelValues("not_audio").Inc()
		return nil, ErrCacheMiss
	}

	s.logger.Debug("Store hit", "key", key, "size", humanize.Bytes(uint64(resp.Size())), "contentType", resp.ContentType)

	return &Hit{
		PlayableResult: PlayableResult{
			Source:      SourceCache,
			ContentType: resp.ContentType,
			SizeBytes:   resp.Size(),
		},
		Body: resp.Body,
	}, nil
}

// Store fetches sourceURL and keeps a copy in the store. Failing to keep the
// copy does not fail the call.
func (s *StoreBackend) Store(ctx context.Context, key, sourceURL string) (*Hit, error) {
	if s.fetcher == nil {
		return nil, errors.New("response store has no fetcher")
	}
	bucket, err := s.open(ctx)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Store miss, fetching", "key", key, "url", synth.RedactURL(sourceURL))

	resp, err := s.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		metrics.FetchErrors.WithLabelValues("transport").Inc()
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if !resp.OK() || !synth.IsAudioContentType(resp.ContentType) {
		metrics.FetchErrors.WithLabelValues("not_audio").Inc()
		return nil, &synth.FetchError{StatusCode: resp.StatusCode, ContentType: resp.ContentType}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.FetchErrors.WithLabelValues("io").Inc()
		return nil, fmt.Errorf("unable to read synthesis response: %w", err)
	}

	stored := blobstore.Response{
		ContentType: resp.ContentType,
		Body:        body,
		StoredAt:    time.Now(),
	}
	if err := bucket.Put(ctx, requestPath(key), stored); err != nil {
		s.logger.Warn("Unable to store response", "key", key, "err", err)
	}

	s.logger.Info("Stored audio", "key", key, "size", humanize.Bytes(uint64(len(body))), "contentType", resp.ContentType)

	return &Hit{
		PlayableResult: PlayableResult{
			Source:      SourceNetwork,
			ContentType: resp.ContentType,
			SizeBytes:   int64(len(body)),
		},
		Body: body,
	}, nil
}

// Claim mints a blob reference the caller owns and must release.
func (s *StoreBackend) Claim(hit *Hit) PlayableResult {
	res := hit.PlayableResult
	res.URI = s.registry.CreateObjectURL(hit.ContentType, hit.Body)
	return res
}

// Touch is a no-op; the store tracks its own recency.
func (s *StoreBackend) Touch(string) {}

// Open returns the blob behind a reference.
func (s *StoreBackend) Open(_ context.Context, uri string) (*Audio, error) {
	blob, ok := s.registry.Open(uri)
	if !ok {
		return nil, ErrUnknownURI
	}
	return &Audio{
		ReadSeekCloser: nopSeekCloser{bytes.NewReader(blob.Data)},
		ContentType:    blob.ContentType,
		Size:           int64(len(blob.Data)),
	}, nil
}

// Release revokes a blob reference.
func (s *StoreBackend) Release(uri string) {
	s.registry.Revoke(uri)
}

// Stats reports the live blob references.
func (s *StoreBackend) Stats() Stats {
	return Stats{Backend: "store", Location: DirName, LiveBlobs: s.registry.Len()}
}

// Close closes the underlying store.
func (s *StoreBackend) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }
