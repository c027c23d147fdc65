// Package server exposes a media library over the catalog HTTP API, with
// HLS playlists and static segment files.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/agleyzer/segplay/internal/catalog"
	"github.com/agleyzer/segplay/internal/library"
	"github.com/agleyzer/segplay/internal/playlist"
	"github.com/agleyzer/segplay/internal/segment"
	"github.com/agleyzer/segplay/internal/variant"
)

const (
	contentTypeJSON = "application/json"
	contentTypeHLS  = "application/vnd.apple.mpegurl"
	shutdownTimeout = 10 * time.Second
)

// Server serves the catalog API for a media library.
type Server struct {
	library    *library.Library
	addr       string
	logger     *slog.Logger
	router     *chi.Mux
	httpServer *http.Server
}

// New creates a new HTTP server listening on addr.
func New(lib *library.Library, addr string, logger *slog.Logger) *Server {
	s := &Server{
		library: lib,
		addr:    addr,
		logger:  logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(chimiddleware.Compress(5, contentTypeJSON, contentTypeHLS))

	r.Get("/health", s.handleHealth)
	r.Get("/videos", s.handleVideos)
	r.Get("/metadata/{id}", s.handleMetadata)
	r.Get("/segments/{id}", s.handleBestSegments)
	r.Get("/segments/{id}/{quality}", s.handleSegments)
	r.Delete("/video/{id}", s.handleDelete)
	r.Get("/hls/{id}/master.m3u8", s.handleMaster)
	r.Get("/hls/{id}/{quality}/playlist.m3u8", s.handleMedia)

	media := http.StripPrefix("/media/", http.FileServer(http.Dir(s.library.Dir())))
	r.Handle("/media/*", media)

	return r
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr, "media", s.library.Dir())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	listing, err := s.library.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"videos": listing.Count,
	})
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	listing, err := s.library.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := s.library.Metadata(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

// handleBestSegments redirects to the segment list of the best quality.
func (s *Server) handleBestSegments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	quality, err := s.library.BestQuality(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, "/segments/"+id+"/"+quality, http.StatusFound)
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	resp, err := s.library.Segments(chi.URLParam(r, "id"), chi.URLParam(r, "quality"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.library.Delete(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Video deleted successfully"})
}

func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	meta, err := s.library.Metadata(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	content, err := playlist.GenerateMaster(meta.Qualities, func(quality string) string {
		return quality + "/playlist.m3u8"
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePlaylist(w, content)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	resp, err := s.library.Segments(chi.URLParam(r, "id"), chi.URLParam(r, "quality"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	segments := make([]segment.Segment, len(resp.Segments))
	for i, d := range resp.Segments {
		segments[i] = segment.Segment{Filename: d.Filename, URL: d.URL, Duration: d.Duration}
	}
	segments = segment.Reindex(segments, resp.SegmentDuration)

	content, err := playlist.GenerateMedia(&variant.Variant{
		Quality:         resp.Quality,
		SegmentDuration: resp.SegmentDuration,
		Segments:        segments,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePlaylist(w, content)
}

func (s *Server) writePlaylist(w http.ResponseWriter, content string) {
	// Set HLS-specific headers
	w.Header().Set("Content-Type", contentTypeHLS)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// writeError maps library errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, library.ErrNotFound) || errors.Is(err, catalog.ErrNotFound) {
		status = http.StatusNotFound
	} else {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
