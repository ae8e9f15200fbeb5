package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trakbridge/trakbridge/internal/manager"
	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/plugin"
	"github.com/trakbridge/trakbridge/internal/store"
	"github.com/trakbridge/trakbridge/internal/worker"
)

type stubStore struct{ streams map[int64]*model.Stream }

func (s *stubStore) GetStream(_ context.Context, id int64) (*model.Stream, error) {
	st, ok := s.streams[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// stubStreams scripts the control surface per operation.
type stubStreams struct {
	startErr   error
	stopErr    error
	restartErr error
	running    bool
	health     worker.Health
	hasWorker  bool
	summary    manager.Summary
}

func (s *stubStreams) Start(context.Context, int64) error   { return s.startErr }
func (s *stubStreams) Stop(context.Context, int64) error    { return s.stopErr }
func (s *stubStreams) Restart(context.Context, int64) error { return s.restartErr }
func (s *stubStreams) Running(int64) bool                   { return s.running }
func (s *stubStreams) WorkerHealth(int64) (worker.Health, bool) {
	return s.health, s.hasWorker
}
func (s *stubStreams) Summarize() manager.Summary { return s.summary }

type stubCoT struct{ open int }

func (c *stubCoT) ConnectionsOpen() int { return c.open }
func (c *stubCoT) WriteMetrics(w io.Writer) {
	fmt.Fprintln(w, `tak_queue_depth{server="tak-1"} 0`)
}

// fakePlugin scripts Fetch and TestConnection.
type fakePlugin struct {
	locs     []plugin.Location
	fetchErr error
	report   plugin.HealthReport
	testErr  error
}

func (p *fakePlugin) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: "fake", DisplayName: "Fake", Category: plugin.CategoryTracker}
}

func (p *fakePlugin) ValidateConfig(map[string]any) []plugin.FieldError { return nil }

func (p *fakePlugin) Fetch(context.Context, map[string]any) ([]plugin.Location, error) {
	return p.locs, p.fetchErr
}

func (p *fakePlugin) TestConnection(context.Context, map[string]any) (plugin.HealthReport, error) {
	return p.report, p.testErr
}

// mappablePlugin adds the identifier-field capability.
type mappablePlugin struct{ fakePlugin }

func (p *mappablePlugin) AvailableIdentifierFields() []plugin.FieldMeta {
	return []plugin.FieldMeta{{Name: "imei", Display: "IMEI", Type: "string"}}
}

func (p *mappablePlugin) ApplyCallsigns([]plugin.Location, string, map[string]string) {}

type stubPlugins struct{ plug plugin.Plugin }

func (s stubPlugins) Get(string) (plugin.Plugin, error) { return s.plug, nil }

func testStream() *model.Stream {
	return &model.Stream{
		ID:           1,
		Name:         "test-stream",
		PluginType:   "fake",
		PollInterval: time.Minute,
		IsActive:     true,
		PluginConfig: map[string]any{"url": "https://example.com"},
	}
}

func newTestServer(streams *stubStreams, plug plugin.Plugin, key *rsa.PublicKey) *Server {
	st := &stubStore{streams: map[int64]*model.Stream{1: testStream()}}
	return New(st, streams, &stubCoT{open: 2}, stubPlugins{plug}, key, nil)
}

func do(t *testing.T, h http.Handler, method, path string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthStatuses(t *testing.T) {
	tests := []struct {
		summary    manager.Summary
		wantStatus string
		wantCode   int
	}{
		{manager.Summary{Active: 0, Errored: 0}, "healthy", http.StatusOK},
		{manager.Summary{Active: 2, Errored: 0}, "healthy", http.StatusOK},
		{manager.Summary{Active: 2, Errored: 1}, "degraded", http.StatusOK},
		{manager.Summary{Active: 1, Errored: 1}, "unhealthy", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.wantStatus, func(t *testing.T) {
			srv := newTestServer(&stubStreams{summary: tt.summary}, &fakePlugin{}, nil)
			rec := do(t, srv.Router(), http.MethodGet, "/api/health")

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body healthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if body.CoT.ConnectionsOpen != 2 {
				t.Errorf("connections_open = %d", body.CoT.ConnectionsOpen)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(&stubStreams{}, &fakePlugin{}, nil)
	rec := do(t, srv.Router(), http.MethodGet, "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "tak_queue_depth") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestControlErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		streams  *stubStreams
		path     string
		wantCode int
	}{
		{"start ok", &stubStreams{running: true}, "/api/streams/1/start", http.StatusOK},
		{"start unknown", &stubStreams{startErr: store.ErrNotFound}, "/api/streams/1/start", http.StatusNotFound},
		{"stop not running", &stubStreams{stopErr: manager.ErrNotRunning}, "/api/streams/1/stop", http.StatusConflict},
		{"restart internal", &stubStreams{restartErr: fmt.Errorf("boom")}, "/api/streams/1/restart", http.StatusInternalServerError},
		{"bad id", &stubStreams{}, "/api/streams/abc/start", http.StatusBadRequest},
		{"zero id", &stubStreams{}, "/api/streams/0/start", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(tt.streams, &fakePlugin{}, nil)
			rec := do(t, srv.Router(), http.MethodPost, tt.path)
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}
}

func TestControlRoutesServeBothPrefixes(t *testing.T) {
	srv := newTestServer(&stubStreams{running: true}, &fakePlugin{}, nil)
	router := srv.Router()

	for _, path := range []string{"/streams/1/start", "/api/streams/1/start"} {
		if rec := do(t, router, http.MethodPost, path); rec.Code != http.StatusOK {
			t.Errorf("POST %s = %d, want 200", path, rec.Code)
		}
	}
	for _, path := range []string{"/streams/1/health", "/api/streams/1/health"} {
		if rec := do(t, router, http.MethodGet, path); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestControlReportsRunning(t *testing.T) {
	srv := newTestServer(&stubStreams{running: true}, &fakePlugin{}, nil)
	rec := do(t, srv.Router(), http.MethodPost, "/api/streams/1/start")

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["ok"] != true || body["running"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestStreamHealth(t *testing.T) {
	lastPoll := time.Now().UTC()
	streams := &stubStreams{
		hasWorker: true,
		health: worker.Health{
			StreamID:   1,
			StreamName: "test-stream",
			Running:    true,
			LastPoll:   &lastPoll,
			Devices:    3,
		},
	}
	srv := newTestServer(streams, &fakePlugin{}, nil)

	rec := do(t, srv.Router(), http.MethodGet, "/api/streams/1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var h worker.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if !h.Running || h.Devices != 3 {
		t.Errorf("health = %+v", h)
	}

	// Unknown stream is a 404 even though no worker exists either.
	rec = do(t, srv.Router(), http.MethodGet, "/api/streams/9/health")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown stream code = %d", rec.Code)
	}

	// Known stream without a worker reports running=false.
	streams.hasWorker = false
	rec = do(t, srv.Router(), http.MethodGet, "/api/streams/1/health")
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["running"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestDiscoverTrackers(t *testing.T) {
	plug := &mappablePlugin{fakePlugin: fakePlugin{
		locs: []plugin.Location{{
			UID:            "garmin-123",
			Name:           "Unit 1",
			Timestamp:      time.Now().UTC(),
			Lat:            48.1,
			Lon:            37.5,
			AdditionalData: map[string]any{"imei": "123"},
		}},
	}}
	srv := newTestServer(&stubStreams{}, plug, nil)

	rec := do(t, srv.Router(), http.MethodPost, "/api/streams/1/discover-trackers")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	var resp discoverResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Trackers) != 1 || resp.Trackers[0].UID != "garmin-123" {
		t.Errorf("trackers = %+v", resp.Trackers)
	}
	if len(resp.IdentifierFields) != 1 || resp.IdentifierFields[0].Name != "imei" {
		t.Errorf("identifier fields = %+v", resp.IdentifierFields)
	}
}

func TestDiscoverCapsResults(t *testing.T) {
	plug := &fakePlugin{}
	for i := 0; i < discoverLimit+50; i++ {
		plug.locs = append(plug.locs, plugin.Location{UID: fmt.Sprintf("dev-%d", i)})
	}
	srv := newTestServer(&stubStreams{}, plug, nil)

	rec := do(t, srv.Router(), http.MethodPost, "/api/streams/1/discover-trackers")
	var resp discoverResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Trackers) != discoverLimit {
		t.Errorf("trackers = %d, want %d", len(resp.Trackers), discoverLimit)
	}
}

func TestDiscoverFetchError(t *testing.T) {
	plug := &fakePlugin{fetchErr: plugin.Errf(plugin.KindAuth, "bad credentials")}
	srv := newTestServer(&stubStreams{}, plug, nil)

	rec := do(t, srv.Router(), http.MethodPost, "/api/streams/1/discover-trackers")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("code = %d, want 502", rec.Code)
	}
}

func TestTestConnection(t *testing.T) {
	plug := &fakePlugin{report: plugin.HealthReport{OK: true, Devices: 4}}
	srv := newTestServer(&stubStreams{}, plug, nil)

	rec := do(t, srv.Router(), http.MethodPost, "/api/streams/1/test")
	var report plugin.HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if !report.OK || report.Devices != 4 {
		t.Errorf("report = %+v", report)
	}

	// Probe failures come back as a 200 with OK=false, not a transport error.
	plug.testErr = fmt.Errorf("tls handshake failed")
	rec = do(t, srv.Router(), http.MethodPost, "/api/streams/1/test")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.OK || !strings.Contains(report.Message, "tls handshake") {
		t.Errorf("report = %+v", report)
	}
}

func TestJWTProtection(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(&stubStreams{running: true}, &fakePlugin{}, &key.PublicKey)
	router := srv.Router()

	sign := func(k *rsa.PrivateKey) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"sub": "admin",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		s, err := tok.SignedString(k)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	// No token, on either prefix.
	for _, path := range []string{"/api/streams/1/start", "/streams/1/start"} {
		if rec := do(t, router, http.MethodPost, path); rec.Code != http.StatusUnauthorized {
			t.Errorf("no token on %s = %d", path, rec.Code)
		}
	}

	// Token signed by the wrong key.
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	rec := do(t, router, http.MethodPost, "/api/streams/1/start",
		"Authorization", "Bearer "+sign(other))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key code = %d", rec.Code)
	}

	// Valid token.
	rec = do(t, router, http.MethodPost, "/api/streams/1/start",
		"Authorization", "Bearer "+sign(key))
	if rec.Code != http.StatusOK {
		t.Errorf("valid token code = %d: %s", rec.Code, rec.Body.String())
	}

	// Health and metrics stay open.
	if rec := do(t, router, http.MethodGet, "/api/health"); rec.Code != http.StatusOK {
		t.Errorf("health code = %d", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("metrics code = %d", rec.Code)
	}
}
