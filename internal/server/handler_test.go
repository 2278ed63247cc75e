package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pii-sentinel/internal/buffer"
	"pii-sentinel/internal/config"
	"pii-sentinel/internal/metrics"
	"pii-sentinel/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAppender struct {
	mu   sync.Mutex
	recs []model.LogRecord
	err  error
}

func (a *recordingAppender) Append(_ context.Context, rec model.LogRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.recs = append(a.recs, rec)
	return nil
}

func testConfig() config.Config {
	return config.Config{MaxBodySize: 1024}
}

func TestIngestSplitsLines(t *testing.T) {
	app := &recordingAppender{}
	m := metrics.New()
	h := NewHandler(testConfig(), m, app)

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader("first line\n\n  \nsecond line\r\nthird"))
	req.Header.Set("X-Log-Source", "fn-payments")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-Accepted-Records"))
	require.Len(t, app.recs, 3)
	assert.Equal(t, "first line", string(app.recs[0].Payload))
	assert.Equal(t, "second line", string(app.recs[1].Payload))
	assert.Equal(t, "third", string(app.recs[2].Payload))
	for _, r := range app.recs {
		assert.Equal(t, "fn-payments", r.Source)
	}
	assert.Equal(t, int64(3), m.HTTPRecordsAcceptedTotal)
}

func TestIngestSourceFallsBackToClientIP(t *testing.T) {
	app := &recordingAppender{}
	h := NewHandler(testConfig(), metrics.New(), app)

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader("x"))
	req.Header.Set("X-Forwarded-For", "10.0.1.24, 203.0.113.7")
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, req)

	require.Len(t, app.recs, 1)
	assert.Equal(t, "203.0.113.7", app.recs[0].Source)

	req = httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader("y"))
	req.RemoteAddr = "10.1.2.3:5555"
	h.HandleIngest(httptest.NewRecorder(), req)
	require.Len(t, app.recs, 2)
	assert.Equal(t, "10.1.2.3", app.recs[1].Source)
}

func TestIngestRejectsLargeBody(t *testing.T) {
	m := metrics.New()
	h := NewHandler(testConfig(), m, &recordingAppender{})

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(strings.Repeat("a", 2048)))
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, int64(1), m.HTTPRejectedBodyTooLargeTotal)
}

func TestIngestMethodNotAllowed(t *testing.T) {
	h := NewHandler(testConfig(), metrics.New(), &recordingAppender{})
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, httptest.NewRequest(http.MethodGet, "/ingest", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIngestSaturatedBuffer(t *testing.T) {
	m := metrics.New()
	b, err := buffer.Open(filepath.Join(t.TempDir(), "buffer.db"), buffer.Options{Capacity: 2, Policy: buffer.PolicyFail, Metrics: m})
	require.NoError(t, err)
	defer b.Close()

	h := NewHandler(testConfig(), m, b)
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader("a\nb\nc\n"))
	req.Header.Set("X-Log-Source", "fn-a")
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-Accepted-Records"))
	assert.Equal(t, 2, b.Depth())
	assert.Equal(t, int64(1), m.HTTPRejectedSaturatedTotal)
	assert.Equal(t, int64(1), m.BufferSaturatedTotal)
}

func TestIngestAppendError(t *testing.T) {
	h := NewHandler(testConfig(), metrics.New(), &recordingAppender{err: errors.New("disk I/O error")})
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader("a")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsAndHealth(t *testing.T) {
	m := metrics.New()
	m.BufferDepth = 7
	mux := NewHandler(testConfig(), m, &recordingAppender{}).Routes()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "buffer_depth=7")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "ok", rec.Body.String())
}
