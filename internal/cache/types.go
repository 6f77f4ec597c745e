package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Common errors for cache operations
var (
	// ErrCacheMiss is returned by Backend.Lookup when no usable entry exists.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheDisabled is returned by Backend.Init when the platform offers no
	// durable storage. The manager then passes requests straight through.
	ErrCacheDisabled = errors.New("cache disabled")

	// ErrEmptyText is returned for text that is empty after normalization.
	ErrEmptyText = errors.New("text is empty")

	// ErrNotInitialized is returned when a backend is used before Init.
	ErrNotInitialized = errors.New("cache not initialized")

	// ErrUnknownURI is returned when a URI was not produced by this cache.
	ErrUnknownURI = errors.New("uri not served by this cache")
)

// Defaults for the durable file cache.
const (
	DirName                = "tts-cache-v1"
	IndexFile              = "index.json"
	FileExt                = ".mp3"
	IndexVersion           = 1
	DefaultTTL             = 30 * 24 * time.Hour
	DefaultMaxBytes        = 80 * 1024 * 1024
	DefaultCleanupInterval = 24 * time.Hour
)

// Source tells a caller where a playable URI came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// PlayableResult is what the application plays.
type PlayableResult struct {
	URI         string `json:"uri"`
	Source      Source `json:"source"`
	ContentType string `json:"contentType,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
}

// Hit is a retrieved entry before it is handed to a caller. Body holds the
// audio for backends that mint a separate reference for every caller.
type Hit struct {
	PlayableResult
	Body []byte
}

// Entry is one cached audio file. Timestamps are Unix milliseconds.
type Entry struct {
	Key          string `json:"key"`
	FileURI      string `json:"fileUri"`
	ContentType  string `json:"contentType"`
	SizeBytes    int64  `json:"sizeBytes"`
	CreatedAt    int64  `json:"createdAt"`
	LastAccessAt int64  `json:"lastAccessAt"`
}

// Index is the persisted catalog of the file cache.
type Index struct {
	Version       int               `json:"version"`
	CreatedAt     int64             `json:"createdAt"`
	LastCleanupAt int64             `json:"lastCleanupAt"`
	Items         map[string]*Entry `json:"items"`
}

func newIndex(now time.Time) *Index {
	return &Index{
		Version:   IndexVersion,
		CreatedAt: now.UnixMilli(),
		Items:     make(map[string]*Entry),
	}
}

// TotalBytes sums the sizes of all entries.
func (idx *Index) TotalBytes() int64 {
	var total int64
	for _, it := range idx.Items {
		total += it.SizeBytes
	}
	return total
}

// Audio is an opened cached artifact. The caller must close it.
type Audio struct {
	io.ReadSeekCloser
	ContentType string
	Size        int64
	ModTime     time.Time
}

// Stats describes a backend's current holdings.
type Stats struct {
	Backend     string
	Location    string
	Entries     int
	Bytes       int64
	LastCleanup time.Time
	LiveBlobs   int
}

// Backend stores synthesized audio for the manager. Implementations are
// chosen once at startup and must be safe for concurrent use.
type Backend interface {
	// Init prepares the backend. It may return ErrCacheDisabled.
	Init(ctx context.Context) error

	// Lookup returns the cached result for key or ErrCacheMiss. Stale
	// entries are dropped and reported as misses.
	Lookup(ctx context.Context, key string) (*Hit, error)

	// Store downloads sourceURL and caches it under key.
	Store(ctx context.Context, key, sourceURL string) (*Hit, error)

	// Claim turns a hit into one caller's result. A hit shared by coalesced
	// callers is claimed once per caller, and each claim must be released
	// on its own.
	Claim(hit *Hit) PlayableResult

	// Touch records a read of key. It never blocks on persistence.
	Touch(key string)

	// Open returns the audio behind a URI previously returned by the backend.
	Open(ctx context.Context, uri string) (*Audio, error)

	// Release frees a URI the caller no longer needs.
	Release(uri string)

	Stats() Stats
	Close() error
}
