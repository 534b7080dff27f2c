package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"multi-video-grid/camera"
	"multi-video-grid/config"
	"multi-video-grid/mjpeg"
	"multi-video-grid/pipeline"
	"multi-video-grid/stream"
)

// Server represents the operational HTTP server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	listener   net.Listener

	handlers *Handlers
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(cfg, logger),
	}
}

// SetPipeline sets the pipeline reported on by the status endpoints
func (s *Server) SetPipeline(p *pipeline.Pipeline) {
	s.handlers.pipeline = p
}

// SetSource sets the frame source
func (s *Server) SetSource(src *stream.FrameSource) {
	s.handlers.source = src
}

// SetGenerator sets the synthetic camera manager
func (s *Server) SetGenerator(m *camera.Manager) {
	s.handlers.generator = m
}

// SetPreview sets the websocket preview hub
func (s *Server) SetPreview(h *PreviewHub) {
	s.handlers.preview = h
}

// SetRTPStreamer sets the RTP/JPEG preview streamer
func (s *Server) SetRTPStreamer(st *mjpeg.Streamer) {
	s.handlers.rtp = st
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handlers.HandleHome)
	mux.HandleFunc("/health", s.handlers.HandleHealth)

	// API endpoints
	mux.HandleFunc("/api/status", s.handlers.HandleAPIStatus)
	mux.HandleFunc("/api/config", s.handlers.HandleAPIConfig)
	mux.HandleFunc("/api/stats", s.handlers.HandleAPIStats)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws/preview", s.handlers.HandlePreview)

	return s.addMiddleware(mux)
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.BindIP, s.config.Server.WebPort)
	s.logger.Info("Starting web server", zap.String("address", addr))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Web server error", zap.Error(err))
		}
	}()

	s.logger.Info("Web server started", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// addMiddleware adds CORS and request logging
func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		// The preview socket needs the raw writer for hijacking
		if r.URL.Path == "/ws/preview" {
			handler.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler.ServeHTTP(lw, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Stop shuts the server down gracefully within timeout
func (s *Server) Stop(timeout time.Duration) error {
	s.logger.Info("Stopping web server")

	if s.httpServer == nil {
		return nil
	}
	if s.handlers.preview != nil {
		s.handlers.preview.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}

	s.logger.Info("Web server stopped")
	return nil
}
