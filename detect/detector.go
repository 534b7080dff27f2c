// Package detect wraps the optional object detection service. Detectors take
// a JPEG and return either the same bytes or an annotated JPEG.
package detect

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// maxResponseBytes bounds the annotated image read back from the service
const maxResponseBytes = 32 << 20

// Detector annotates an encoded image
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]byte, error)
}

// PassThrough returns images unchanged
type PassThrough struct{}

// Detect returns the input
func (PassThrough) Detect(_ context.Context, image []byte) ([]byte, error) {
	return image, nil
}

// HTTPDetector posts JPEG images to a detection endpoint and returns the
// annotated JPEG from the response body
type HTTPDetector struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPDetector creates a detector client for the given endpoint
func NewHTTPDetector(url string, timeout time.Duration, logger *zap.Logger) *HTTPDetector {
	return &HTTPDetector{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Detect sends the image and returns the annotated result
func (d *HTTPDetector) Detect(ctx context.Context, image []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("failed to build detection request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detection service returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read detection response: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("detection service returned an empty image")
	}

	d.logger.Debug("Detection completed",
		zap.Int("in_bytes", len(image)),
		zap.Int("out_bytes", len(body)),
		zap.Duration("took", time.Since(start)))

	return body, nil
}
