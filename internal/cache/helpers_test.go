package cache

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttscache/internal/synth"
)

// fakeFetcher serves a canned response and counts calls.
type fakeFetcher struct {
	mu          sync.Mutex
	calls       int
	urls        []string
	status      int
	contentType string
	body        []byte
	err         error
}

func newAudioFetcher(body string) *fakeFetcher {
	return &fakeFetcher{status: 200, contentType: "audio/mpeg", body: []byte(body)}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*synth.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	return &synth.Response{
		StatusCode:  f.status,
		ContentType: f.contentType,
		Body:        io.NopCloser(bytes.NewReader(f.body)),
	}, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) set(status int, contentType, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.contentType, f.body = status, contentType, []byte(body)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.NewWithOptions(io.Discard, log.Options{Level: log.DebugLevel})
}
