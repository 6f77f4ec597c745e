package blobstore

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// URLPrefix starts every blob reference handed out by a Registry.
const URLPrefix = "blob:ttscache/"

// Blob is the content behind a blob reference.
type Blob struct {
	ContentType string
	Data        []byte
}

// Registry hands out locally addressable references to in-memory blobs.
// References stay alive until revoked; whoever receives one owns it.
type Registry struct {
	mu    sync.RWMutex
	blobs map[string]*Blob
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{blobs: make(map[string]*Blob)}
}

// CreateObjectURL registers data and returns a new reference to it.
func (r *Registry) CreateObjectURL(contentType string, data []byte) string {
	id := uuid.NewString()

	r.mu.Lock()
	r.blobs[id] = &Blob{ContentType: contentType, Data: data}
	r.mu.Unlock()

	return URLPrefix + id
}

// Open returns the blob behind uri.
func (r *Registry) Open(uri string) (*Blob, bool) {
	id, ok := ID(uri)
	if !ok {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.blobs[id]
	return b, ok
}

// Revoke releases uri. Revoking twice, or revoking an unknown reference, is
// a no-op.
func (r *Registry) Revoke(uri string) {
	id, ok := ID(uri)
	if !ok {
		return
	}

	r.mu.Lock()
	delete(r.blobs, id)
	r.mu.Unlock()
}

// Len returns the number of live references.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blobs)
}

// ID extracts the identifier from a blob reference.
func ID(uri string) (string, bool) {
	id, ok := strings.CutPrefix(uri, URLPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// IsBlobURL reports whether uri is a blob reference.
func IsBlobURL(uri string) bool {
	return strings.HasPrefix(uri, URLPrefix)
}
