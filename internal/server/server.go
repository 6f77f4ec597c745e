// Package server exposes the TTS cache over HTTP.
package server

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttscache/internal/blobstore"
	"github.com/dgnsrekt/ttscache/internal/cache"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves playable URIs and cached audio.
type Server struct {
	manager *cache.Manager
	logger  *log.Logger
}

// New creates a server over manager.
func New(manager *cache.Manager, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{manager: manager, logger: logger}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Method(http.MethodGet, "/v1/tts", gzhttp.GzipHandler(http.HandlerFunc(s.playable)))
	r.Get("/v1/tts/audio", s.audio)
	r.Get("/v1/blobs/{id}", s.blob)
	r.Delete("/v1/blobs/{id}", s.releaseBlob)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) playable(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if cache.NormalizeText(text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	res, err := s.manager.GetPlayableURI(r.Context(), text)
	if err != nil {
		s.logger.Error("Unable to get playable URI", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) audio(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if cache.NormalizeText(text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	res, err := s.manager.GetPlayableURI(r.Context(), text)
	if err != nil {
		s.logger.Error("Unable to get playable URI", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if s.manager.Disabled() {
		http.Redirect(w, r, res.URI, http.StatusFound)
		return
	}

	audio, err := s.manager.Open(r.Context(), res.URI)
	if errors.Is(err, fs.ErrNotExist) {
		// Evicted between retrieval and open. The next lookup drops the
		// stale entry and fetches it again.
		s.logger.Debug("Cached audio vanished, retrying", "uri", res.URI)
		s.manager.Release(res.URI)
		res, err = s.manager.GetPlayableURI(r.Context(), text)
		if err != nil {
			s.logger.Error("Unable to get playable URI", "err", err)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		audio, err = s.manager.Open(r.Context(), res.URI)
	}
	defer s.manager.Release(res.URI)

	s.serveAudio(w, r, audio, err, string(res.Source))
}

func (s *Server) blob(w http.ResponseWriter, r *http.Request) {
	uri := blobstore.URLPrefix + chi.URLParam(r, "id")
	audio, err := s.manager.Open(r.Context(), uri)
	s.serveAudio(w, r, audio, err, "")
}

// releaseBlob revokes a blob reference handed out by /v1/tts. Releasing an
// unknown or already released reference succeeds.
func (s *Server) releaseBlob(w http.ResponseWriter, r *http.Request) {
	s.manager.Release(blobstore.URLPrefix + chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// serveAudio writes the result of an Open.
func (s *Server) serveAudio(w http.ResponseWriter, r *http.Request, audio *cache.Audio, err error, source string) {
	if errors.Is(err, cache.ErrUnknownURI) || errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "no such audio")
		return
	}
	if err != nil {
		s.logger.Error("Unable to open audio", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer audio.Close() //nolint:errcheck

	w.Header().Set("Content-Type", audio.ContentType)
	if source != "" {
		w.Header().Set("X-TTS-Source", source)
	}
	http.ServeContent(w, r, "", audio.ModTime, audio)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start).Round(time.Millisecond),
			"id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"status":  status,
		},
	})
}
