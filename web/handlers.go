package web

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"multi-video-grid/camera"
	"multi-video-grid/config"
	"multi-video-grid/mjpeg"
	"multi-video-grid/pipeline"
	"multi-video-grid/stream"
)

// Handlers manages HTTP request handlers
type Handlers struct {
	config  *config.Config
	logger  *zap.Logger
	started time.Time

	pipeline  *pipeline.Pipeline
	source    *stream.FrameSource
	generator *camera.Manager
	preview   *PreviewHub
	rtp       *mjpeg.Streamer
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		config:  cfg,
		logger:  logger,
		started: time.Now(),
	}
}

// HandleHome lists the available endpoints
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	h.writeJSONResponse(w, map[string]interface{}{
		"service":   "multi-video-grid",
		"endpoints": []string{"/health", "/api/status", "/api/stats", "/api/config", "/metrics", "/ws/preview"},
	})
}

// HandleAPIStatus returns the status of all components
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	p := h.config.Pipeline
	status := map[string]interface{}{
		"server": map[string]interface{}{
			"web_port": h.config.Server.WebPort,
			"uptime":   time.Since(h.started).Round(time.Second).String(),
		},
		"pipeline": map[string]interface{}{
			"running":             h.pipeline != nil && h.pipeline.IsRunning(),
			"parallelism":         p.Parallelism,
			"cameras_per_monitor": p.CamerasPerMonitor,
			"partitions":          p.EffectivePartitions(),
			"window":              p.WindowLength().String(),
			"source":              h.config.Source.Transport,
			"sink":                h.config.Sink.Transport,
		},
	}

	if h.generator != nil {
		status["generator"] = h.generator.GetStatus()
	}
	if h.preview != nil {
		status["preview_clients"] = h.preview.ClientCount()
	}
	if h.rtp != nil {
		status["rtp"] = map[string]interface{}{
			"running":     h.rtp.IsRunning(),
			"destination": h.rtp.GetDestination(),
		}
	}

	h.writeJSONResponse(w, status)
}

// HandleAPIConfig returns the current configuration
func (h *Handlers) HandleAPIConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, h.config)
}

// HandleAPIStats returns comprehensive statistics
func (h *Handlers) HandleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"timestamp": time.Now().Unix(),
	}

	if h.pipeline != nil {
		stats["pipeline"] = h.pipeline.GetStats()
	}
	if h.source != nil {
		stats["source"] = h.source.GetStats()
	}
	if h.rtp != nil {
		stats["rtp"] = h.rtp.GetStats()
	}

	h.writeJSONResponse(w, stats)
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]interface{}{
		"web_server": "running",
	}
	if h.pipeline != nil {
		if h.pipeline.IsRunning() {
			services["pipeline"] = "running"
		} else {
			services["pipeline"] = "stopped"
		}
	}

	h.writeJSONResponse(w, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}

// HandlePreview upgrades to the websocket preview feed
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	if h.preview == nil {
		h.writeErrorResponse(w, "Preview not enabled", http.StatusServiceUnavailable)
		return
	}
	h.preview.HandleWebSocket(w, r)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
}
