package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/resident-x/go-buslog/internal/config"
	"github.com/resident-x/go-buslog/internal/domain"
	"github.com/resident-x/go-buslog/internal/scan"
	"github.com/resident-x/go-buslog/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	counters    *domain.Counters
	registry    *domain.StreamRegistry
	recent      []*domain.DecodedFrame
	scan        map[string]map[string]int64
	correlation *scan.Report
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		counters: domain.NewCounters(),
		registry: domain.NewStreamRegistry(),
	}
}

func (f *fakeSource) Status() service.Status {
	return service.Status{Segments: 12, Frames: 3, Records: 2, Streams: 1}
}

func (f *fakeSource) Counters() *domain.Counters { return f.counters }
func (f *fakeSource) Registry() domain.Registry { return f.registry }
func (f *fakeSource) Recent() []*domain.DecodedFrame { return f.recent }
func (f *fakeSource) ScanReport() (map[string]map[string]int64, bool) {
	return f.scan, f.scan != nil
}

func (f *fakeSource) CorrelationReport() (scan.Report, bool) {
	if f.correlation == nil {
		return scan.Report{}, false
	}
	return *f.correlation, true
}

func get(t *testing.T, server *Server, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest("GET", path, http.NoBody)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestNewAPIServer(t *testing.T) {
	cfg := &config.Config{}
	source := newFakeSource()

	server := NewServer(cfg, source, "1.0.0")

	assert.NotNil(t, server)
	assert.Equal(t, cfg, server.config)
	assert.Equal(t, source, server.source)
	assert.NotNil(t, server.router)
	assert.NotZero(t, server.startTime)
}

func TestAPIServer_HandleStatus(t *testing.T) {
	server := NewServer(&config.Config{}, newFakeSource(), "1.0.0")

	w, response := get(t, server, "/api/v1/status")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, "1.0.0", response["version"])
	assert.NotEmpty(t, response["uptime"])

	pipeline, ok := response["pipeline"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(12), pipeline["segments"]) // JSON unmarshals numbers as float64
	assert.Equal(t, float64(2), pipeline["records"])
}

func TestAPIServer_HandleCounters(t *testing.T) {
	source := newFakeSource()
	source.counters.Incr("drop", "crc_mismatch")
	source.counters.Add("drop", "no_stream", 2)
	source.counters.Incr("chan", "B")
	server := NewServer(&config.Config{}, source, "dev")

	w, response := get(t, server, "/api/v1/counters")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, response, "drop")
	assert.Contains(t, response, "chan")

	w, response = get(t, server, "/api/v1/counters/drop")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "drop", response["group"])
	assert.Equal(t, float64(3), response["total"])
	counts := response["counts"].(map[string]interface{})
	assert.Equal(t, float64(2), counts["no_stream"])

	w, response = get(t, server, "/api/v1/counters/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Counter group not found", response["error"])
}

func TestAPIServer_HandleStreams(t *testing.T) {
	source := newFakeSource()
	now := time.Now()
	source.registry.Observe(&domain.DecodedFrame{
		Time:     now,
		Channel:  "B",
		Node:     "B3F96",
		Stream:   "3c-02-01",
		Type:     "20:05",
		Coverage: domain.Coverage{Used: 8, Total: 8},
	}, "aa03")
	_, err := source.registry.AssignSerial("3c-02-01", "M101")
	require.NoError(t, err)
	server := NewServer(&config.Config{}, source, "dev")

	w, response := get(t, server, "/api/v1/streams")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), response["count"])

	w, response = get(t, server, "/api/v1/streams/3c-02-01")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3c-02-01", response["key"])
	assert.Equal(t, "M101", response["serial"])
	assert.Equal(t, "aa03", response["header"])
	assert.Equal(t, float64(1), response["frames"])

	w, response = get(t, server, "/api/v1/streams/ff-ff-ff")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Stream not found", response["error"])
}

func TestAPIServer_HandleRecords(t *testing.T) {
	source := newFakeSource()
	source.recent = []*domain.DecodedFrame{
		{Channel: "D", Stream: "DB3F96", Type: "106", Raw: "01fe"},
		{Channel: "B", Stream: "3c-02-01", Type: "20:05", Values: domain.Record{"volts": int64(520)}},
	}
	server := NewServer(&config.Config{}, source, "dev")

	w, response := get(t, server, "/api/v1/records")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), response["count"])

	records := response["records"].([]interface{})
	first := records[0].(map[string]interface{})
	assert.Equal(t, "01fe", first["raw"])
	second := records[1].(map[string]interface{})
	assert.Equal(t, float64(520), second["values"].(map[string]interface{})["volts"])
}

func TestAPIServer_HandleReports(t *testing.T) {
	source := newFakeSource()
	server := NewServer(&config.Config{}, source, "dev")

	w, response := get(t, server, "/api/v1/scan")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Scanning is disabled", response["error"])

	w, response = get(t, server, "/api/v1/correlation")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Correlation is disabled", response["error"])

	source.scan = map[string]map[string]int64{"20:05": {scan.MatchKey(0, scan.Width2): 4}}
	source.correlation = &scan.Report{
		Fields:        map[string]map[string][]int{"bms.volts": {"3c-02-01": {0}}},
		Intersections: map[string][]string{"bms": {"3c-02-01"}},
		StreamMinutes: map[string]int{"3c-02-01": 5},
	}

	w, response = get(t, server, "/api/v1/scan")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), response["20:05"].(map[string]interface{})["2_000"])

	w, response = get(t, server, "/api/v1/correlation")
	assert.Equal(t, http.StatusOK, w.Code)
	fields := response["fields"].(map[string]interface{})
	assert.Equal(t, []interface{}{float64(0)}, fields["bms.volts"].(map[string]interface{})["3c-02-01"])
	assert.Equal(t, float64(5), response["streamMinutes"].(map[string]interface{})["3c-02-01"])
}

func TestAPIServer_MethodNotAllowed(t *testing.T) {
	server := NewServer(&config.Config{}, newFakeSource(), "dev")

	req := httptest.NewRequest("POST", "/api/v1/status", http.NoBody)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAPIServer_StartAndStop(t *testing.T) {
	cfg := &config.Config{}
	cfg.API.Host = "localhost"
	cfg.API.Port = 0 // Use port 0 to let the OS choose an available port

	server := NewServer(cfg, newFakeSource(), "dev")

	ctx := context.Background()

	err := server.Start(ctx)
	assert.NoError(t, err)

	// Give the server a moment to start
	time.Sleep(10 * time.Millisecond)

	err = server.Stop(ctx)
	assert.NoError(t, err)
}

func TestAPIServer_StopWithoutStart(t *testing.T) {
	server := NewServer(&config.Config{}, newFakeSource(), "dev")
	assert.NoError(t, server.Stop(context.Background()))
}

func TestAPIServer_WriteError(t *testing.T) {
	server := NewServer(&config.Config{}, newFakeSource(), "dev")

	w := httptest.NewRecorder()
	server.writeError(w, "Test error message", http.StatusBadRequest)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)

	assert.Equal(t, "Test error message", response["error"])
}
