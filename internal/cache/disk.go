package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttscache/internal/metrics"
	"github.com/dgnsrekt/ttscache/internal/synth"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// DiskConfig configures a DiskBackend.
type DiskConfig struct {
	// Fs is the filesystem to cache on. Defaults to the OS filesystem.
	Fs afero.Fs

	// BaseDir is the platform cache directory. The cache lives in
	// BaseDir/tts-cache-v1. An empty BaseDir disables the backend.
	BaseDir string

	TTL             time.Duration
	MaxBytes        int64
	CleanupInterval time.Duration

	Fetcher synth.Fetcher
	Logger  *log.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DiskBackend keeps audio as files next to a JSON index, so cached speech
// survives process restarts.
type DiskBackend struct {
	fs        afero.Fs
	baseDir   string
	dir       string
	indexPath string

	ttl             time.Duration
	maxBytes        int64
	cleanupInterval time.Duration

	fetcher synth.Fetcher
	logger  *log.Logger
	now     func() time.Time

	// mu guards index and the files it names.
	mu    sync.Mutex
	index *Index

	// persistMu serializes index writes.
	persistMu sync.Mutex
	pending   sync.WaitGroup
}

// NewDiskBackend creates a file-backed cache. Call Init before use.
func NewDiskBackend(cfg DiskConfig) *DiskBackend {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	d := &DiskBackend{
		fs:              cfg.Fs,
		baseDir:         cfg.BaseDir,
		ttl:             cfg.TTL,
		maxBytes:        cfg.MaxBytes,
		cleanupInterval: cfg.CleanupInterval,
		fetcher:         cfg.Fetcher,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}
	if cfg.BaseDir != "" {
		d.dir = filepath.Join(cfg.BaseDir, DirName)
		d.indexPath = filepath.Join(d.dir, IndexFile)
	}
	return d
}

// Init creates the cache directory and loads the index. A missing or
// unreadable index, or one written by another version, is replaced by an
// empty one.
func (d *DiskBackend) Init(_ context.Context) error {
	if d.baseDir == "" {
		d.logger.Warn("No cache directory available, file cache disabled")
		return ErrCacheDisabled
	}

	if err := d.fs.MkdirAll(d.dir, 0o755); err != nil {
		d.logger.Warn("Unable to create cache directory", "dir", d.dir, "err", err)
	}

	idx, err := d.loadIndex()
	if err != nil {
		d.logger.Warn("Discarding unreadable cache index", "path", d.indexPath, "err", err)
	}

	d.mu.Lock()
	fresh := idx == nil
	if fresh {
		idx = newIndex(d.now())
	}
	d.index = idx
	metrics.CachedBytes.Set(float64(idx.TotalBytes()))
	d.mu.Unlock()

	if fresh {
		d.persistLogged()
	}

	d.logger.Debug("File cache ready", "dir", d.dir, "entries", len(idx.Items))
	return nil
}

// loadIndex returns nil without error when no index exists yet.
func (d *DiskBackend) loadIndex() (*Index, error) {
	data, err := afero.ReadFile(d.fs, d.indexPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var idx Index
	if err := sonic.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("malformed index: %w", err)
	}
	if idx.Version != IndexVersion {
		return nil, fmt.Errorf("index version %d, want %d", idx.Version, IndexVersion)
	}
	if idx.Items == nil {
		return nil, errors.New("index has no items")
	}
	return &idx, nil
}

// Lookup returns the entry for key if its file still exists and it has not
// outlived the TTL. Anything else drops the entry and reports a miss.
func (d *DiskBackend) Lookup(_ context.Context, key string) (*Hit, error) {
	d.mu.Lock()
	if d.index == nil {
		d.mu.Unlock()
		return nil, ErrCacheMiss
	}

	entry, ok := d.index.Items[key]
	if !ok {
		d.mu.Unlock()
		return nil, ErrCacheMiss
	}

	path := pathFromFileURI(entry.FileURI)
	if _, err := d.fs.Stat(path); errors.Is(err, os.ErrNotExist) {
		d.dropLocked(key, "missing")
		d.mu.Unlock()
		d.logger.Debug("Cached file vanished, dropping entry", "key", key)
		d.persistLogged()
		return nil, ErrCacheMiss
	}

	if d.expired(entry, d.now()) {
		d.removeFile(path)
		d.dropLocked(key, "ttl")
		d.mu.Unlock()
		d.logger.Debug("Cached entry expired", "key", key)
		d.persistLogged()
		return nil, ErrCacheMiss
	}

	res := &Hit{PlayableResult: PlayableResult{
		URI:         entry.FileURI,
		Source:      SourceCache,
		ContentType: entry.ContentType,
		SizeBytes:   entry.SizeBytes,
	}}
	d.mu.Unlock()

	d.logger.Debug("Cache hit", "key", key, "size", humanize.Bytes(uint64(res.SizeBytes)))
	return res, nil
}

// Store downloads sourceURL into the cache under key. Only a 200 response
// with an audio content type is kept; nothing is indexed otherwise.
func (d *DiskBackend) Store(ctx context.Context, key, sourceURL string) (*Hit, error) {
	d.mu.Lock()
	ready := d.index != nil
	d.mu.Unlock()
	if !ready {
		return nil, ErrNotInitialized
	}
	if d.fetcher == nil {
		return nil, errors.New("file cache has no fetcher")
	}

	d.logger.Info("Cache miss, downloading", "key", key, "url", synth.RedactURL(sourceURL))

	tmpPath := filepath.Join(d.dir, fmt.Sprintf("%s.tmp.%s%s", key, uuid.NewString(), FileExt))
	finalPath := d.entryPath(key)

	contentType, err := d.download(ctx, sourceURL, tmpPath)
	if err != nil {
		d.removeFile(tmpPath)
		d.logger.Error("Download failed", "key", key, "err", err)
		return nil, err
	}

	d.mu.Lock()
	d.removeFile(finalPath)
	if err := d.fs.Rename(tmpPath, finalPath); err != nil {
		d.mu.Unlock()
		d.removeFile(tmpPath)
		metrics.FetchErrors.WithLabelValues("io").Inc()
		return nil, fmt.Errorf("unable to move downloaded audio into place: %w", err)
	}

	var size int64
	if info, err := d.fs.Stat(finalPath); err == nil {
		size = info.Size()
	}

	now := d.now().UnixMilli()
	entry := &Entry{
		Key:          key,
		FileURI:      fileURI(finalPath),
		ContentType:  contentType,
		SizeBytes:    size,
		CreatedAt:    now,
		LastAccessAt: now,
	}
	d.index.Items[key] = entry
	metrics.CachedBytes.Set(float64(d.index.TotalBytes()))
	d.mu.Unlock()

	d.persistAsync()
	d.maybeCleanup(key)

	d.logger.Info("Cached audio", "key", key, "size", humanize.Bytes(uint64(size)), "contentType", contentType)

	return &Hit{PlayableResult: PlayableResult{
		URI:         entry.FileURI,
		Source:      SourceNetwork,
		ContentType: contentType,
		SizeBytes:   size,
	}}, nil
}

// Claim returns the hit as is; every caller shares the cached file.
func (d *DiskBackend) Claim(hit *Hit) PlayableResult {
	return hit.PlayableResult
}

// download streams sourceURL into dst and returns the response content type.
func (d *DiskBackend) download(ctx context.Context, sourceURL, dst string) (string, error) {
	resp, err := d.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		metrics.FetchErrors.WithLabelValues("transport").Inc()
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK || !synth.IsAudioContentType(resp.ContentType) {
		metrics.FetchErrors.WithLabelValues("not_audio").Inc()
		return "", &synth.FetchError{StatusCode: resp.StatusCode, ContentType: resp.ContentType}
	}

	f, err := d.fs.Create(dst)
	if err != nil {
		metrics.FetchErrors.WithLabelValues("io").Inc()
		return "", fmt.Errorf("unable to create download file: %w", err)
	}

	_, err = io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		metrics.FetchErrors.WithLabelValues("io").Inc()
		return "", fmt.Errorf("unable to write download file: %w", err)
	}

	return resp.ContentType, nil
}

// Touch marks key as just read and persists the index in the background.
func (d *DiskBackend) Touch(key string) {
	d.mu.Lock()
	if d.index == nil {
		d.mu.Unlock()
		return
	}
	entry, ok := d.index.Items[key]
	if ok {
		entry.LastAccessAt = d.now().UnixMilli()
	}
	d.mu.Unlock()

	if ok {
		d.persistAsync()
	}
}

// maybeCleanup evicts expired entries, then least recently accessed ones
// until the cache fits in maxBytes. It runs at most once per cleanup
// interval and never evicts keep, the entry the caller is about to hand out.
func (d *DiskBackend) maybeCleanup(keep string) {
	now := d.now()

	d.mu.Lock()
	if now.UnixMilli()-d.index.LastCleanupAt < d.cleanupInterval.Milliseconds() {
		d.mu.Unlock()
		return
	}
	d.index.LastCleanupAt = now.UnixMilli()
	expired, evicted := d.cleanupLocked(now, keep)
	d.mu.Unlock()

	if expired+evicted > 0 {
		d.logger.Info("Cache cleanup", "expired", expired, "evicted", evicted)
	}
	d.persistAsync()
}

// Cleanup runs eviction immediately, ignoring the cleanup interval.
func (d *DiskBackend) Cleanup() (expired, evicted int) {
	now := d.now()

	d.mu.Lock()
	if d.index == nil {
		d.mu.Unlock()
		return 0, 0
	}
	d.index.LastCleanupAt = now.UnixMilli()
	expired, evicted = d.cleanupLocked(now, "")
	d.mu.Unlock()

	d.persistLogged()
	return expired, evicted
}

func (d *DiskBackend) cleanupLocked(now time.Time, keep string) (expired, evicted int) {
	for key, entry := range d.index.Items {
		if d.expired(entry, now) {
			d.removeFile(pathFromFileURI(entry.FileURI))
			d.dropLocked(key, "ttl")
			expired++
		}
	}

	total := d.index.TotalBytes()
	if total <= d.maxBytes {
		return expired, 0
	}

	entries := make([]*Entry, 0, len(d.index.Items))
	for key, entry := range d.index.Items {
		if key != keep {
			entries = append(entries, entry)
		}
	}
	slices.SortFunc(entries, func(a, b *Entry) int {
		if c := cmp.Compare(a.LastAccessAt, b.LastAccessAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})

	for _, entry := range entries {
		if total <= d.maxBytes {
			break
		}
		d.removeFile(pathFromFileURI(entry.FileURI))
		total -= entry.SizeBytes
		d.dropLocked(entry.Key, "capacity")
		evicted++
	}
	return expired, evicted
}

func (d *DiskBackend) expired(entry *Entry, now time.Time) bool {
	return now.UnixMilli()-entry.CreatedAt > d.ttl.Milliseconds()
}

func (d *DiskBackend) dropLocked(key, reason string) {
	delete(d.index.Items, key)
	metrics.Evictions.WithLabelValues(reason).Inc()
	metrics.CachedBytes.Set(float64(d.index.TotalBytes()))
}

// removeFile deletes path, ignoring files that are already gone.
func (d *DiskBackend) removeFile(path string) {
	if err := d.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Debug("Unable to remove cache file", "path", path, "err", err)
	}
}

func (d *DiskBackend) entryPath(key string) string {
	return filepath.Join(d.dir, key+FileExt)
}

// persist writes the current index atomically.
func (d *DiskBackend) persist() error {
	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	d.mu.Lock()
	if d.index == nil {
		d.mu.Unlock()
		return nil
	}
	data, err := sonic.Marshal(d.index)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("unable to encode index: %w", err)
	}

	tmpPath := d.indexPath + ".tmp"
	if err := afero.WriteFile(d.fs, tmpPath, data, 0o644); err != nil {
		_ = d.fs.Remove(tmpPath)
		return fmt.Errorf("unable to write index: %w", err)
	}
	if err := d.fs.Rename(tmpPath, d.indexPath); err != nil {
		_ = d.fs.Remove(tmpPath)
		return fmt.Errorf("unable to replace index: %w", err)
	}
	return nil
}

// persistLogged writes the index; failures leave the in-memory index
// authoritative.
func (d *DiskBackend) persistLogged() {
	if err := d.persist(); err != nil {
		metrics.IndexPersistFailures.Inc()
		d.logger.Warn("Unable to persist cache index", "err", err)
	}
}

// persistAsync writes the index in the background. Callers never wait on
// it; Wait and Close do.
func (d *DiskBackend) persistAsync() {
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		d.persistLogged()
	}()
}

// Open opens a cached file by the URI Lookup or Store returned.
func (d *DiskBackend) Open(_ context.Context, uri string) (*Audio, error) {
	if !strings.HasPrefix(uri, fileURIPrefix) || d.dir == "" {
		return nil, ErrUnknownURI
	}
	path := pathFromFileURI(uri)
	if filepath.Dir(path) != d.dir {
		return nil, ErrUnknownURI
	}

	key := strings.TrimSuffix(filepath.Base(path), FileExt)
	contentType := "audio/mpeg"
	d.mu.Lock()
	if d.index != nil {
		if entry, ok := d.index.Items[key]; ok && entry.ContentType != "" {
			contentType = entry.ContentType
		}
	}
	d.mu.Unlock()

	f, err := d.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open cached audio: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("unable to stat cached audio: %w", err)
	}

	return &Audio{
		ReadSeekCloser: f,
		ContentType:    contentType,
		Size:           info.Size(),
		ModTime:        info.ModTime(),
	}, nil
}

// Release is a no-op; cached files stay for reuse.
func (d *DiskBackend) Release(string) {}

// Stats reports the indexed entries.
func (d *DiskBackend) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{Backend: "file", Location: d.dir}
	if d.index == nil {
		return s
	}
	s.Entries = len(d.index.Items)
	s.Bytes = d.index.TotalBytes()
	if d.index.LastCleanupAt > 0 {
		s.LastCleanup = time.UnixMilli(d.index.LastCleanupAt)
	}
	return s
}

// Wait blocks until background index writes have finished.
func (d *DiskBackend) Wait() {
	d.pending.Wait()
}

// Close waits for pending writes and persists the index one last time.
func (d *DiskBackend) Close() error {
	d.pending.Wait()
	return d.persist()
}

const fileURIPrefix = "file://"

func fileURI(path string) string {
	return fileURIPrefix + filepath.ToSlash(path)
}

func pathFromFileURI(uri string) string {
	return filepath.FromSlash(strings.TrimPrefix(uri, fileURIPrefix))
}
