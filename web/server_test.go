package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"multi-video-grid/config"
	"multi-video-grid/detect"
	"multi-video-grid/frame"
	"multi-video-grid/grid"
	"multi-video-grid/metrics"
	"multi-video-grid/pipeline"
	"multi-video-grid/sequence"
	"multi-video-grid/stream"
)

func newTestServer(t *testing.T, hub *PreviewHub) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	s := NewServer(cfg, zaptest.NewLogger(t))
	if hub != nil {
		s.SetPreview(hub)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	body := getJSON(t, ts.URL+"/health")
	assert.Equal(t, "ok", body["status"])
}

func TestAPIStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	body := getJSON(t, ts.URL+"/api/status")

	p, ok := body["pipeline"].(map[string]interface{})
	require.True(t, ok, "pipeline section missing")
	assert.Equal(t, false, p["running"])
	assert.EqualValues(t, 4, p["parallelism"])
	assert.Equal(t, "nats", p["source"])
}

func TestAPIConfig(t *testing.T) {
	ts := newTestServer(t, nil)
	body := getJSON(t, ts.URL+"/api/config")

	pl, ok := body["pipeline"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 2, pl["cameras_per_monitor"])
}

func TestAPIStats(t *testing.T) {
	ts := newTestServer(t, nil)
	body := getJSON(t, ts.URL+"/api/stats")
	assert.Contains(t, body, "timestamp")
	assert.NotContains(t, body, "pipeline")
}

func TestAPIStatsWithPipeline(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := config.Default()

	src := stream.NewFrameSource(stream.NewLog(), stream.StartBeginning, frame.ReassemblerConfig{}, logger)
	composer := pipeline.NewGridComposer(grid.NewBuilder(32, 24, 2, 80), detect.PassThrough{}, 2, 0, logger)
	p, err := pipeline.New(pipeline.Options{WindowLength: time.Second, GroupSize: 2, Parallelism: 2, ChunkSize: frame.MinChunkSize},
		src, stream.Discard{}, sequence.NewMemoryStore(), composer, logger)
	require.NoError(t, err)

	s := NewServer(cfg, logger)
	s.SetPipeline(p)
	s.SetSource(src)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	body := getJSON(t, ts.URL+"/api/stats")
	stats, ok := body["pipeline"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, stats, "bytes_chunked")
	assert.Contains(t, stats, "frames_out")
	assert.Contains(t, body, "source")
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.FramesOut.Add(0)
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "videogrid_sink_frames_total")
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPreviewDisabled(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/ws/preview")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func dialPreview(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws/preview"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (FrameHeader, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	kind, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var header FrameHeader
	require.NoError(t, json.Unmarshal(raw, &header))

	kind, image, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	return header, image
}

func waitForClients(t *testing.T, hub *PreviewHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, n, hub.ClientCount())
}

func TestPreviewBroadcast(t *testing.T) {
	hub := NewPreviewHub(nil, 8, zaptest.NewLogger(t))
	ts := newTestServer(t, hub)

	conn := dialPreview(t, ts)
	waitForClients(t, hub, 1)

	hub.Observe(frame.Frame{
		Camera:      1,
		FrameNumber: 7,
		Timestamp:   time.UnixMilli(5000),
		Data:        []byte{0xFF, 0xD8, 0x01},
		Tags:        map[string]string{"cameras": "[2, 3]"},
	})

	header, image := readFrame(t, conn)
	assert.Equal(t, "frame", header.Type)
	assert.Equal(t, 1, header.Monitor)
	assert.EqualValues(t, 7, header.Index)
	assert.EqualValues(t, 5000, header.Timestamp)
	assert.Equal(t, "[2, 3]", header.Cameras)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x01}, image)
}

func TestPreviewReplaysLatest(t *testing.T) {
	hub := NewPreviewHub(nil, 8, zaptest.NewLogger(t))
	ts := newTestServer(t, hub)

	hub.Observe(frame.Frame{Camera: 1, FrameNumber: 1, Timestamp: time.UnixMilli(1000), Data: []byte{1}})
	hub.Observe(frame.Frame{Camera: 0, FrameNumber: 4, Timestamp: time.UnixMilli(1000), Data: []byte{2}})
	hub.Observe(frame.Frame{Camera: 1, FrameNumber: 2, Timestamp: time.UnixMilli(2000), Data: []byte{3}})

	conn := dialPreview(t, ts)

	first, _ := readFrame(t, conn)
	second, img := readFrame(t, conn)
	assert.Equal(t, 0, first.Monitor)
	assert.EqualValues(t, 4, first.Index)
	assert.Equal(t, 1, second.Monitor)
	assert.EqualValues(t, 2, second.Index)
	assert.Equal(t, []byte{3}, img)
}

func TestPreviewClientDisconnect(t *testing.T) {
	hub := NewPreviewHub(nil, 8, zaptest.NewLogger(t))
	ts := newTestServer(t, hub)

	conn := dialPreview(t, ts)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)

	// Observing with no clients must not panic
	hub.Observe(frame.Frame{Camera: 0, Timestamp: time.UnixMilli(1)})
}

func TestCheckOrigin(t *testing.T) {
	hub := NewPreviewHub([]string{"http://viewer.local"}, 0, zaptest.NewLogger(t))

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://viewer.local", true},
		{"http://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws/preview", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, hub.checkOrigin(r), "origin %q", tt.origin)
	}
}
