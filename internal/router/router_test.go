package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pii-sentinel/internal/config"
	"pii-sentinel/internal/metrics"
	"pii-sentinel/internal/model"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string]string

func (s staticResolver) Resolve(_ context.Context, ref string) (string, error) {
	return s[ref], nil
}

type memDeadLetter struct {
	mu   sync.Mutex
	recs []DeadRecord
}

func (m *memDeadLetter) Save(rec DeadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func sampleEvent() model.FindingEvent {
	return model.FindingEvent{
		ID:          "ev-1",
		Source:      "pii-scanner",
		DetailType:  "Finding",
		JobID:       "job-42",
		Severity:    "Low",
		FindingType: "SensitiveData:S3Object/Personal",
		Bucket:      "macie-logs-bucket-dev",
		ObjectKey:   "fn-logs-1700000000000",
		Count:       2,
	}
}

func testRoutes(endpoint string) Routes {
	return Routes{
		Destinations: []model.Destination{{Name: "ops", Endpoint: endpoint}},
		Rules:        []model.RoutingRule{{Name: "r", Source: "pii-scanner", DetailType: "Finding", Destination: "ops"}},
	}
}

func newTestRouter(t *testing.T, routes Routes, dl DeadLetterSink, m *metrics.Metrics) *Router {
	t.Helper()
	d := NewDispatcher(nil, staticResolver{"env:WEBHOOK_PASSWORD": "s3cret"}, DispatchOptions{Timeout: 2 * time.Second}, m)
	d.sleep = noSleep
	r, err := New(routes, RenderOptions{Region: "eu-west-1"}, d, dl, m)
	require.NoError(t, err)
	return r
}

func TestRetriesUntilDelivered(t *testing.T) {
	var calls int32
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		received, _ = io.ReadAll(req.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := metrics.New()
	dl := &memDeadLetter{}
	r := newTestRouter(t, testRoutes(srv.URL), dl, m)

	require.NoError(t, r.Handle(context.Background(), sampleEvent()))

	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(4), m.RouterDispatchAttemptsTotal)
	assert.Equal(t, int64(1), m.RouterDeliveredTotal)
	assert.Empty(t, dl.recs)

	var p model.AlertPayload
	require.NoError(t, json.Unmarshal(received, &p))
	assert.Equal(t, "job-42", p.JobID)
}

func TestLowSeverityRendersJobLink(t *testing.T) {
	p, err := Render(sampleEvent(), RenderOptions{Region: "eu-west-1"})
	require.NoError(t, err)

	assert.Contains(t, p.Title, "job-42")
	assert.Equal(t, "Low", p.Severity)
	assert.Equal(t, "Low severity SensitiveData:S3Object/Personal", p.Summary)
	require.NotEmpty(t, p.Links)
	assert.Contains(t, p.Links[0].URL, "job-42")
	assert.Contains(t, p.Links[0].URL, "region=eu-west-1")
	assert.Contains(t, p.Text, "s3://macie-logs-bucket-dev/fn-logs-1700000000000")
}

func TestRenderErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	m := metrics.New()
	dl := &memDeadLetter{}
	r := newTestRouter(t, testRoutes(srv.URL), dl, m)

	ev := sampleEvent()
	ev.JobID = ""
	require.NoError(t, r.Handle(context.Background(), ev))

	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), m.RouterRenderErrorsTotal)
	assert.Empty(t, dl.recs)

	_, err := Render(ev, RenderOptions{})
	var rerr *RenderError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, []string{"jobId"}, rerr.Missing)
}

func TestBasicAuthResolvedAtDispatch(t *testing.T) {
	var user, pass string
	var ok bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		user, pass, ok = req.BasicAuth()
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	}))
	defer srv.Close()

	routes := testRoutes(srv.URL)
	routes.Destinations[0].Auth = model.AuthBasic
	routes.Destinations[0].Username = "alerts"
	routes.Destinations[0].CredentialRef = "env:WEBHOOK_PASSWORD"

	m := metrics.New()
	r := newTestRouter(t, routes, nil, m)
	require.NoError(t, r.Handle(context.Background(), sampleEvent()))

	require.True(t, ok)
	assert.Equal(t, "alerts", user)
	assert.Equal(t, "s3cret", pass)
	assert.Equal(t, int64(1), m.RouterDeliveredTotal)
}

func TestExhaustionWritesDeadLetter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := metrics.New()
	dl := &memDeadLetter{}
	r := newTestRouter(t, testRoutes(srv.URL), dl, m)

	require.NoError(t, r.Handle(context.Background(), sampleEvent()))

	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), m.RouterDeliveryFailuresTotal)
	require.Len(t, dl.recs, 1)
	assert.Equal(t, "ops", dl.recs[0].Destination)
	assert.Equal(t, 5, dl.recs[0].Attempts)
	assert.Contains(t, dl.recs[0].LastError, "500")
	assert.Equal(t, "job-42", dl.recs[0].Payload.JobID)
}

func TestUnmatchedEventIsIgnored(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	m := metrics.New()
	r := newTestRouter(t, testRoutes(srv.URL), nil, m)

	ev := sampleEvent()
	ev.DetailType = "finding"
	require.NoError(t, r.Handle(context.Background(), ev))

	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), m.RouterEventsTotal)
	assert.Zero(t, m.RouterMatchedTotal)
}

func TestCancelledContextIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dl := &memDeadLetter{}
	r := newTestRouter(t, testRoutes(srv.URL), dl, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Handle(ctx, sampleEvent())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, dl.recs)
}

func TestMessageCardBody(t *testing.T) {
	p, err := Render(sampleEvent(), RenderOptions{IssueBoardURL: "https://board.example.com/new"})
	require.NoError(t, err)

	body, err := Body(model.FormatMessageCard, p)
	require.NoError(t, err)

	var card map[string]any
	require.NoError(t, json.Unmarshal(body, &card))
	assert.Equal(t, "MessageCard", card["@type"])
	assert.Equal(t, "Sensitive data finding for job job-42", card["title"])
	assert.NotEmpty(t, card["text"])
	sections := card["sections"].([]any)
	require.Len(t, sections, 1)
	section := sections[0].(map[string]any)
	assert.Equal(t, true, section["startGroup"])
	assert.Equal(t, "Low severity "+sampleEvent().FindingType, section["activityTitle"])
	actions := card["potentialAction"].([]any)
	require.Len(t, actions, 2)
	assert.Equal(t, "Create issue", actions[1].(map[string]any)["name"])
	assert.Contains(t, string(body), "job-42")
}

func TestRoutesValidation(t *testing.T) {
	r := Routes{
		Destinations: []model.Destination{
			{Name: "a", Endpoint: "ftp://x"},
			{Name: "b", Endpoint: "https://x.example.com", Auth: model.AuthBasic},
		},
		Rules: []model.RoutingRule{{Name: "r1", Source: "s", DetailType: "d", Destination: "missing"}},
	}
	err := r.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `destination "a": endpoint`)
	assert.Contains(t, msg, `destination "b": basic auth requires username`)
	assert.Contains(t, msg, `unknown destination "missing"`)
}

func TestLoadRoutesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
destinations:
  - name: teams
    endpoint: https://example.webhook.office.com/hook
    format: messagecard
    auth: basic
    username: alerts
    credential_ref: secretsmanager:webhook/teams
    rate_per_second: 2
rules:
  - name: macie
    source: aws.macie
    detail_type: Macie Finding
    destination: teams
`), 0o600))

	r, err := LoadRoutes(path)
	require.NoError(t, err)
	require.Len(t, r.Destinations, 1)
	assert.Equal(t, model.FormatMessageCard, r.Destinations[0].Format)
	assert.Equal(t, 2.0, r.Destinations[0].RatePerSecond)
	assert.True(t, r.Rules[0].Matches(model.FindingEvent{Source: "aws.macie", DetailType: "Macie Finding"}))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("destinations: []\nrulez: []\n"), 0o600))
	_, err = LoadRoutes(bad)
	require.Error(t, err)
}

func TestDefaultRoutes(t *testing.T) {
	cfg := &config.Config{
		WebhookURL:           "https://hooks.example.com/x",
		WebhookUsername:      "alerts",
		WebhookCredentialRef: "env:WEBHOOK_PASSWORD",
		WebhookFormat:        "alert",
		FindingSource:        "pii-scanner",
		FindingDetailType:    "Finding",
	}
	r := DefaultRoutes(cfg)
	require.NoError(t, r.Validate())
	assert.Equal(t, model.AuthBasic, r.Destinations[0].Auth)
	require.Len(t, r.Rules, 2)
	assert.Equal(t, MacieSource, r.Rules[1].Source)
}

func TestDeadLetterCapacityAndTTL(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	base := time.Unix(1700000000, 0)

	dl, err := NewDeadLetter(dir, "test", 0, time.Hour, m)
	require.NoError(t, err)
	dl.now = func() time.Time { return base }

	rec := DeadRecord{Destination: "ops", Event: sampleEvent(), Attempts: 5, LastError: "webhook responded 500"}
	require.NoError(t, dl.Save(rec))

	dl.now = func() time.Time { return base.Add(2 * time.Hour) }
	require.NoError(t, dl.Save(rec))

	files := dl.List()
	require.Len(t, files, 2)
	assert.True(t, strings.HasPrefix(files[0], "1700000000_test_"))
	assert.Equal(t, int64(2), m.DeadLetterFilesCurrent)

	got, err := dl.Read(files[0])
	require.NoError(t, err)
	assert.Equal(t, "job-42", got.Event.JobID)
	assert.Equal(t, 5, got.Attempts)

	assert.Equal(t, 1, dl.Sweep())
	assert.Len(t, dl.List(), 1)
	assert.Equal(t, int64(1), m.DeadLetterFilesCurrent)

	// 용량: 파일 1개 크기만 허용하면 새 기록이 가장 오래된 기록을 밀어낸다.
	size := m.DeadLetterSizeBytes
	dl.maxBytes = size + size/2
	dl.now = func() time.Time { return base.Add(3 * time.Hour) }
	require.NoError(t, dl.Save(rec))
	remaining := dl.List()
	require.Len(t, remaining, 1)
	assert.True(t, strings.HasPrefix(remaining[0], "1700010800_test_"))
}

func TestDeadLetterStartupScan(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1700000000_x_000001.json.gz.meta.json"), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1700000000_x_000002.json.gz"), []byte("abcd"), 0o600))

	m := metrics.New()
	_, err := NewDeadLetter(dir, "x", 0, 0, m)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "1700000000_x_000001.json.gz.meta.json"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, int64(1), m.DeadLetterFilesCurrent)
	assert.Equal(t, int64(4), m.DeadLetterSizeBytes)
}
