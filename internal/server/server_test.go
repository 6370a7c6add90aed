package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"trustlens/internal/config"
	"trustlens/internal/db"
	"trustlens/internal/domain"
	"trustlens/internal/engine"
	"trustlens/internal/media"
	"trustlens/internal/migrate"
	"trustlens/internal/pipeline"
)

// stubExtractor returns a synthetic clip for any path, failing the paths
// listed in failNames so batch error isolation can be exercised.
type stubExtractor struct {
	failNames map[string]bool
}

func (s stubExtractor) Extract(_ context.Context, path string) (*media.Clip, error) {
	if s.failNames[filepath.Base(path)] {
		return nil, fmt.Errorf("decode %s: corrupt container", path)
	}
	return testClip(), nil
}

type fixedSignal struct {
	name  string
	score float64
}

func (s fixedSignal) Name() string { return s.name }
func (s fixedSignal) Analyze(*media.Clip) (domain.SignalResult, error) {
	return domain.SignalResult{Score: s.score}, nil
}

type fixedQuality struct {
	overall float64
}

func (q fixedQuality) Assess(*media.Clip) (domain.QualityAssessment, error) {
	return domain.QualityAssessment{
		Overall:     q.overall,
		Compression: q.overall,
		Noise:       q.overall,
		Blocking:    q.overall,
		Resolution:  q.overall,
	}, nil
}

func testClip() *media.Clip {
	clip := &media.Clip{SampleRate: 16000}
	for n := 0; n < 4; n++ {
		f := media.NewFrame(32, 24)
		for i := range f.Pix {
			f.Pix[i] = byte((i + n*7) % 251)
		}
		clip.Frames = append(clip.Frames, f)
	}
	clip.Audio = make([]float64, 1600)
	for i := range clip.Audio {
		clip.Audio[i] = float64(i%32)/64 - 0.25
	}
	return clip
}

type testServer struct {
	URL    string
	engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pipe := pipeline.New(
		stubExtractor{failNames: map[string]bool{"bad.mp4": true}},
		[]pipeline.SignalExtractor{
			fixedSignal{domain.SignalVision, 0.8},
			fixedSignal{domain.SignalAudio, 0.8},
			fixedSignal{domain.SignalTemporal, 0.8},
		},
		fixedQuality{0.9},
		cfg,
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, cfg, pipe, logger)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true, Logger: logger},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var asActor = map[string]string{"X-Actor-Id": "tester"}

func TestHealthWithoutCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestAnalyzeRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/analyze", map[string]any{
		"path": "clip.mp4",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestAnalyzeAndFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/analyze", map[string]any{
		"path": "interview.mp4",
	}, asActor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("analyze status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Analysis
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal analysis: %v", err)
	}
	if created.Filename != "interview.mp4" {
		t.Fatalf("filename %q", created.Filename)
	}
	if created.Verdict.Decision != domain.DecisionReal {
		t.Fatalf("decision %s, final score %v", created.Verdict.Decision, created.Verdict.FinalScore)
	}
	if diff := created.Verdict.FinalScore - 0.8; diff < -1e-9 || diff > 1e-9 {
		t.Fatalf("final score %v, want 0.8", created.Verdict.FinalScore)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/analyses/"+created.ID, nil, asActor)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get analysis %d: %s", getRes.StatusCode, string(getBody))
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/analyses", nil, asActor)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list analyses %d: %s", listRes.StatusCode, string(listBody))
	}
	var page struct {
		Items []domain.Analysis `json:"items"`
	}
	if err := json.Unmarshal(listBody, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != created.ID {
		t.Fatalf("unexpected page: %+v", page.Items)
	}

	statsRes, statsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/stats", nil, asActor)
	if statsRes.StatusCode != http.StatusOK {
		t.Fatalf("stats %d: %s", statsRes.StatusCode, string(statsBody))
	}
	var counts map[string]int
	if err := json.Unmarshal(statsBody, &counts); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if counts[string(domain.DecisionReal)] != 1 {
		t.Fatalf("stats %v", counts)
	}
}

func TestAnalyzeExtractionFailure(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/analyze", map[string]any{
		"path": "/videos/bad.mp4",
	}, asActor)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "extraction_failed" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}

func TestBatchLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/batch", map[string]any{
		"items": []map[string]string{
			{"path": "/videos/a.mp4"},
			{"path": "/videos/bad.mp4"},
			{"path": "/videos/c.mp4"},
		},
	}, asActor)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit batch %d: %s", res.StatusCode, string(data))
	}
	var submitted domain.BatchJob
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if submitted.Total != 3 {
		t.Fatalf("total %d", submitted.Total)
	}

	srv.engine.Orchestrator.Wait()

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/batch/"+submitted.ID, nil, asActor)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get job %d: %s", getRes.StatusCode, string(getBody))
	}
	var job domain.BatchJob
	if err := json.Unmarshal(getBody, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.Status != domain.JobCompleted {
		t.Fatalf("status %s", job.Status)
	}
	if job.Completed != 3 || len(job.Results) != 2 || len(job.Errors) != 1 {
		t.Fatalf("completed=%d results=%d errors=%d", job.Completed, len(job.Results), len(job.Errors))
	}
	if job.Progress != 100 {
		t.Fatalf("progress %v", job.Progress)
	}
	if job.Errors[0].Filename != "bad.mp4" {
		t.Fatalf("failed item %q", job.Errors[0].Filename)
	}
}

func TestBatchRejectsEmpty(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/batch", map[string]any{
		"items": []map[string]string{},
	}, asActor)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestBatchJobNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/batch/no-such-job", nil, asActor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestRobustnessEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/analyze/robustness", map[string]any{
		"path": "interview.mp4",
	}, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("robustness %d: %s", res.StatusCode, string(data))
	}
	var report domain.RobustnessReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Baseline.Decision != domain.DecisionReal {
		t.Fatalf("baseline %s", report.Baseline.Decision)
	}
	wantCells := len(srv.engine.Config.Robustness.Attacks)
	if len(report.Attacks) != wantCells {
		t.Fatalf("attacks %d, want %d", len(report.Attacks), wantCells)
	}
	for _, cell := range report.Attacks {
		if cell.Error != "" {
			t.Fatalf("cell %s failed: %s", cell.Key, cell.Error)
		}
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"actor_id": "svc-ci",
		"name":     "ci",
	}, asActor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected raw key on create")
	}

	statsRes, statsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/stats", nil, map[string]string{"X-Api-Key": created.Key})
	if statsRes.StatusCode != http.StatusOK {
		t.Fatalf("stats via key %d: %s", statsRes.StatusCode, string(statsBody))
	}

	delRes, delBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v1/apikeys/"+created.ID, nil, asActor)
	if delRes.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key %d: %s", delRes.StatusCode, string(delBody))
	}

	afterRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/stats", nil, map[string]string{"X-Api-Key": created.Key})
	if afterRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after delete, got %d", afterRes.StatusCode)
	}
}

func TestVerifyHash(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.bin")
	content := []byte("not really a video")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/verify/hash", map[string]any{
		"path": path,
	}, asActor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("hash %d: %s", res.StatusCode, string(data))
	}
	var body HashResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal hash: %v", err)
	}
	want := fmt.Sprintf("%x", sha256.Sum256(content))
	if body.SHA256 != want {
		t.Fatalf("sha256 %s, want %s", body.SHA256, want)
	}
}
