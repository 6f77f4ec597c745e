package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/ttscache/internal/blobstore"
	"github.com/dgnsrekt/ttscache/internal/metrics"
	"github.com/dgnsrekt/ttscache/internal/synth"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/afero"
)

const testAudio = "ID3\x04\x00fake-mp3-frames"

// synthServer is a stand-in synthesis endpoint.
type synthServer struct {
	*httptest.Server
	hits atomic.Int64

	mu          sync.Mutex
	status      int
	contentType string
	gate        chan struct{}
}

func newSynthServer(t *testing.T) *synthServer {
	t.Helper()

	s := &synthServer{status: http.StatusOK, contentType: "audio/mpeg"}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)

		s.mu.Lock()
		status, ct, gate := s.status, s.contentType, s.gate
		s.mu.Unlock()

		if gate != nil {
			<-gate
		}

		w.Header().Set("Content-Type", ct)
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = io.WriteString(w, testAudio)
			return
		}
		_, _ = io.WriteString(w, `{"message":"Internal Server Error"}`)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *synthServer) respond(status int, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.contentType = status, contentType
}

func (s *synthServer) hold() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	return s.gate
}

func (s *synthServer) params() synth.Params {
	p := synth.DefaultParams()
	p.Endpoint = s.URL + "/"
	return p
}

func newFileManager(t *testing.T, srv *synthServer, clock *fakeClock) (*Manager, *DiskBackend) {
	t.Helper()

	cfg := DiskConfig{
		BaseDir: t.TempDir(),
		Fetcher: synth.NewClient(synth.ClientConfig{Timeout: 5 * time.Second}),
		Logger:  testLogger(t),
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	disk := NewDiskBackend(cfg)

	m := NewManager(disk, srv.params(), testLogger(t))
	t.Cleanup(func() { _ = m.Close() })
	return m, disk
}

func TestManager_ReadThrough(t *testing.T) {
	srv := newSynthServer(t)
	m, _ := newFileManager(t, srv, nil)
	ctx := context.Background()

	first, err := m.GetPlayableURI(ctx, "Hello World")
	if err != nil {
		t.Fatalf("first GetPlayableURI failed: %v", err)
	}
	if first.Source != SourceNetwork {
		t.Errorf("first source = %s, want network", first.Source)
	}

	second, err := m.GetPlayableURI(ctx, "Hello   World")
	if err != nil {
		t.Fatalf("second GetPlayableURI failed: %v", err)
	}
	if second.Source != SourceCache {
		t.Errorf("second source = %s, want cache", second.Source)
	}

	if second.ContentType != first.ContentType || second.SizeBytes != first.SizeBytes || second.URI != first.URI {
		t.Errorf("cache result %+v differs from network result %+v", second, first)
	}
	if first.SizeBytes != int64(len(testAudio)) {
		t.Errorf("SizeBytes = %d, want %d", first.SizeBytes, len(testAudio))
	}
	if srv.hits.Load() != 1 {
		t.Errorf("synthesis hits = %d, want 1", srv.hits.Load())
	}

	audio, err := m.Open(ctx, second.URI)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer audio.Close()
	data, _ := io.ReadAll(audio)
	if string(data) != testAudio {
		t.Errorf("cached audio differs from the first fetch")
	}
}

func TestManager_CoalescesConcurrentRequests(t *testing.T) {
	srv := newSynthServer(t)
	m, _ := newFileManager(t, srv, nil)
	gate := srv.hold()

	const callers = 10
	results := make([]PlayableResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetPlayableURI(context.Background(), "same words")
		}(i)
	}

	// Let every caller join the in-flight retrieval before it completes.
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("caller %d got %+v, want %+v", i, results[i], results[0])
		}
	}
	if results[0].Source != SourceNetwork {
		t.Errorf("shared result source = %s, want network", results[0].Source)
	}
	if srv.hits.Load() != 1 {
		t.Errorf("synthesis hits = %d, want 1", srv.hits.Load())
	}
}

func TestManager_CoalescedFailureReachesEveryCaller(t *testing.T) {
	srv := newSynthServer(t)
	srv.respond(http.StatusInternalServerError, "application/json")
	m, disk := newFileManager(t, srv, nil)
	gate := srv.hold()

	const callers = 5
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.GetPlayableURI(context.Background(), "broken")
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, synth.ErrNotAudio) {
			t.Errorf("caller %d: got %v, want ErrNotAudio", i, err)
		}
	}
	if srv.hits.Load() != 1 {
		t.Errorf("synthesis hits = %d, want 1", srv.hits.Load())
	}
	if s := disk.Stats(); s.Entries != 0 {
		t.Errorf("failed fetch left %d entries", s.Entries)
	}

	// The failure must not stick: a later retry reaches the network again.
	srv.respond(http.StatusOK, "audio/mpeg")
	srv.mu.Lock()
	srv.gate = nil
	srv.mu.Unlock()

	res, err := m.GetPlayableURI(context.Background(), "broken")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Source != SourceNetwork || srv.hits.Load() != 2 {
		t.Errorf("retry: source=%s hits=%d", res.Source, srv.hits.Load())
	}
}

func TestManager_RejectsNonAudio(t *testing.T) {
	srv := newSynthServer(t)
	srv.respond(http.StatusOK, "text/html; charset=utf-8")
	m, disk := newFileManager(t, srv, nil)

	_, err := m.GetPlayableURI(context.Background(), "Hello")
	var fe *synth.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("got %v, want FetchError", err)
	}
	if fe.StatusCode != http.StatusOK || fe.ContentType != "text/html; charset=utf-8" {
		t.Errorf("unexpected FetchError %+v", fe)
	}
	if s := disk.Stats(); s.Entries != 0 {
		t.Errorf("non-audio response cached: %+v", s)
	}
}

func TestManager_TTLExpiryRefetches(t *testing.T) {
	srv := newSynthServer(t)
	clock := newFakeClock()
	m, _ := newFileManager(t, srv, clock)
	ctx := context.Background()

	if res, err := m.GetPlayableURI(ctx, "Hello"); err != nil || res.Source != SourceNetwork {
		t.Fatalf("first call: %+v, %v", res, err)
	}

	clock.Advance(DefaultTTL + time.Minute)

	res, err := m.GetPlayableURI(ctx, "Hello")
	if err != nil {
		t.Fatalf("call after TTL failed: %v", err)
	}
	if res.Source != SourceNetwork {
		t.Errorf("expired entry served from %s", res.Source)
	}
	if srv.hits.Load() != 2 {
		t.Errorf("synthesis hits = %d, want 2", srv.hits.Load())
	}

	if res, _ := m.GetPlayableURI(ctx, "Hello"); res.Source != SourceCache {
		t.Errorf("recreated entry not served from cache: %s", res.Source)
	}
}

func TestManager_PassthroughWhenDisabled(t *testing.T) {
	srv := newSynthServer(t)
	disk := NewDiskBackend(DiskConfig{Fs: afero.NewMemMapFs(), Logger: testLogger(t)})
	m := NewManager(disk, srv.params(), testLogger(t))

	res, err := m.GetPlayableURI(context.Background(), "Hello World")
	if err != nil {
		t.Fatalf("GetPlayableURI failed: %v", err)
	}

	want, _ := srv.params().BuildURL("Hello World")
	if res.URI != want || res.Source != SourceNetwork {
		t.Errorf("passthrough result %+v, want URI %s", res, want)
	}
	if !m.Disabled() {
		t.Error("manager should report disabled")
	}
	if srv.hits.Load() != 0 {
		t.Errorf("passthrough should not fetch, hits = %d", srv.hits.Load())
	}
}

func TestManager_EmptyText(t *testing.T) {
	srv := newSynthServer(t)
	m, _ := newFileManager(t, srv, nil)

	if _, err := m.GetPlayableURI(context.Background(), " \n\t "); !errors.Is(err, ErrEmptyText) {
		t.Errorf("got %v, want ErrEmptyText", err)
	}
	if srv.hits.Load() != 0 {
		t.Error("empty text should not reach the network")
	}
}

func TestManager_CancelledCallerDoesNotAbortRetrieval(t *testing.T) {
	srv := newSynthServer(t)
	m, _ := newFileManager(t, srv, nil)
	gate := srv.hold()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.GetPlayableURI(ctx, "patience")
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}

	close(gate)

	// The abandoned retrieval still completes and fills the cache. Joining
	// it or hitting the cache must not fetch again.
	res, err := m.GetPlayableURI(context.Background(), "patience")
	if err != nil {
		t.Fatalf("follow-up call failed: %v", err)
	}
	if srv.hits.Load() != 1 {
		t.Errorf("synthesis hits = %d, want 1 (source %s)", srv.hits.Load(), res.Source)
	}
}

// countingBackend records how often Init runs.
type countingBackend struct {
	*StoreBackend
	inits atomic.Int64
}

func (b *countingBackend) Init(ctx context.Context) error {
	b.inits.Add(1)
	time.Sleep(20 * time.Millisecond)
	return b.StoreBackend.Init(ctx)
}

func TestManager_InitializeOnce(t *testing.T) {
	backend := &countingBackend{StoreBackend: NewStoreBackend(StoreConfig{Store: blobstore.NewMemory(0)})}
	m := NewManager(backend, synth.DefaultParams(), testLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Initialize(context.Background()); err != nil {
				t.Errorf("Initialize failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := backend.inits.Load(); n != 1 {
		t.Errorf("backend initialized %d times, want 1", n)
	}
}

func TestManager_InitializeErrorIsSticky(t *testing.T) {
	m := NewManager(NewStoreBackend(StoreConfig{}), synth.DefaultParams(), testLogger(t))

	if err := m.Initialize(context.Background()); err == nil {
		t.Fatal("expected init error without a store")
	}
	if _, err := m.GetPlayableURI(context.Background(), "hi"); err == nil {
		t.Error("GetPlayableURI should surface the init error")
	}
}

func TestManager_StoreBackendReadThrough(t *testing.T) {
	srv := newSynthServer(t)
	registry := blobstore.NewRegistry()
	backend := NewStoreBackend(StoreConfig{
		Store:    blobstore.NewMemory(0),
		Registry: registry,
		Fetcher:  synth.NewClient(synth.ClientConfig{}),
		Logger:   testLogger(t),
	})
	m := NewManager(backend, srv.params(), testLogger(t))
	ctx := context.Background()

	first, err := m.GetPlayableURI(ctx, "Hello World")
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	second, err := m.GetPlayableURI(ctx, "Hello   World")
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}

	if first.Source != SourceNetwork || second.Source != SourceCache {
		t.Errorf("sources = %s, %s; want network, cache", first.Source, second.Source)
	}
	if first.URI == second.URI {
		t.Error("each retrieval should hand out its own blob reference")
	}
	if first.SizeBytes != second.SizeBytes || first.ContentType != second.ContentType {
		t.Errorf("metadata differs: %+v vs %+v", first, second)
	}

	audio, err := m.Open(ctx, second.URI)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, _ := io.ReadAll(audio)
	_ = audio.Close()
	if string(data) != testAudio {
		t.Error("blob content differs from the first fetch")
	}

	m.Release(first.URI)
	m.Release(second.URI)
	if registry.Len() != 0 {
		t.Errorf("%d blob references leaked", registry.Len())
	}
	if srv.hits.Load() != 1 {
		t.Errorf("synthesis hits = %d, want 1", srv.hits.Load())
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestManager_CoalescedMetricSkipsLeader(t *testing.T) {
	srv := newSynthServer(t)
	m, _ := newFileManager(t, srv, nil)
	gate := srv.hold()
	before := counterValue(t, metrics.Coalesced)

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetPlayableURI(context.Background(), "counted once"); err != nil {
				t.Errorf("GetPlayableURI failed: %v", err)
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := counterValue(t, metrics.Coalesced) - before; got != callers-1 {
		t.Errorf("coalesced = %v, want %d", got, callers-1)
	}
}

func TestManager_CoalescedStoreCallersOwnTheirReference(t *testing.T) {
	srv := newSynthServer(t)
	registry := blobstore.NewRegistry()
	backend := NewStoreBackend(StoreConfig{
		Store:    blobstore.NewMemory(0),
		Registry: registry,
		Fetcher:  synth.NewClient(synth.ClientConfig{}),
		Logger:   testLogger(t),
	})
	m := NewManager(backend, srv.params(), testLogger(t))
	gate := srv.hold()

	const callers = 8
	results := make([]PlayableResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetPlayableURI(context.Background(), "shared words")
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if seen[results[i].URI] {
			t.Errorf("caller %d reuses reference %s", i, results[i].URI)
		}
		seen[results[i].URI] = true
	}
	if registry.Len() != callers {
		t.Fatalf("live blobs = %d, want %d", registry.Len(), callers)
	}

	// Releasing early callers leaves the rest playable.
	for i := 0; i < callers; i++ {
		audio, err := m.Open(context.Background(), results[i].URI)
		if err != nil {
			t.Fatalf("caller %d cannot open its audio: %v", i, err)
		}
		_ = audio.Close()
		m.Release(results[i].URI)
	}
	if registry.Len() != 0 {
		t.Errorf("%d blob references leaked", registry.Len())
	}
	if srv.hits.Load() != 1 {
		t.Errorf("synthesis hits = %d, want 1", srv.hits.Load())
	}
}
