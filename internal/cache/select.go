package cache

import (
	"fmt"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttscache/internal/blobstore"
	"github.com/dgnsrekt/ttscache/internal/synth"
	"github.com/spf13/afero"
)

// Backend kinds accepted by SelectBackend.
const (
	BackendAuto  = "auto"
	BackendFile  = "file"
	BackendStore = "store"
)

// Options picks and configures a backend.
type Options struct {
	// Kind is one of BackendAuto, BackendFile or BackendStore.
	Kind string

	// GOOS overrides runtime.GOOS for auto selection.
	GOOS string

	// File backend.
	Fs              afero.Fs
	BaseDir         string
	TTL             time.Duration
	MaxBytes        int64
	CleanupInterval time.Duration

	// Store backend. An empty StorePath keeps responses in memory, bounded
	// by StoreQuota bytes.
	StorePath  string
	StoreQuota int64
	Registry   *blobstore.Registry

	Fetcher synth.Fetcher
	Logger  *log.Logger
}

// SelectBackend builds the backend for this platform. Auto picks the
// response store in the browser (GOOS=js) and the file cache everywhere
// else.
func SelectBackend(opts Options) (Backend, error) {
	kind := opts.Kind
	if kind == "" || kind == BackendAuto {
		goos := opts.GOOS
		if goos == "" {
			goos = runtime.GOOS
		}
		kind = BackendFile
		if goos == "js" {
			kind = BackendStore
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	switch kind {
	case BackendFile:
		logger.Debug("Using file cache backend", "dir", opts.BaseDir)
		return NewDiskBackend(DiskConfig{
			Fs:              opts.Fs,
			BaseDir:         opts.BaseDir,
			TTL:             opts.TTL,
			MaxBytes:        opts.MaxBytes,
			CleanupInterval: opts.CleanupInterval,
			Fetcher:         opts.Fetcher,
			Logger:          logger,
		}), nil

	case BackendStore:
		var store blobstore.Store
		if opts.StorePath != "" {
			s, err := blobstore.NewSQLite(opts.StorePath)
			if err != nil {
				return nil, err
			}
			store = s
		} else {
			store = blobstore.NewMemory(opts.StoreQuota)
		}
		logger.Debug("Using response store backend", "path", opts.StorePath)
		return NewStoreBackend(StoreConfig{
			Store:    store,
			Registry: opts.Registry,
			Fetcher:  opts.Fetcher,
			Logger:   logger,
		}), nil

	default:
		return nil, fmt.Errorf("unknown cache backend %q (want %s, %s or %s)", kind, BackendAuto, BackendFile, BackendStore)
	}
}
