package handler

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FadwaTY/WasteWiseUI/config"
	"github.com/FadwaTY/WasteWiseUI/middleware"
	"github.com/FadwaTY/WasteWiseUI/model"
	"github.com/FadwaTY/WasteWiseUI/service"
	"github.com/gin-gonic/gin"
)

// detector 模拟外部服务；predict 依次返回 predictReplies
type detector struct {
	mu             sync.Mutex
	predictReplies []string
	predictStatus  []int
	predictCalls   int
	recommend      string
	recommendCode  int
	recommendCalls int
	health         string

	// hold 非空时第二次 predict 先通知 held，再等待 hold 关闭
	hold chan struct{}
	held chan struct{}
}

func (d *detector) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/predict" && d.hold != nil {
			d.mu.Lock()
			call := d.predictCalls
			d.mu.Unlock()
			if call == 1 {
				d.held <- struct{}{}
				<-d.hold
			}
		}

		d.mu.Lock()
		defer d.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/predict":
			i := d.predictCalls
			d.predictCalls++
			code := http.StatusOK
			if i < len(d.predictStatus) && d.predictStatus[i] != 0 {
				code = d.predictStatus[i]
			}
			w.WriteHeader(code)
			if i < len(d.predictReplies) {
				fmt.Fprint(w, d.predictReplies[i])
			}
		case "/recommend":
			d.recommendCalls++
			code := d.recommendCode
			if code == 0 {
				code = http.StatusOK
			}
			w.WriteHeader(code)
			fmt.Fprint(w, d.recommend)
		case "/healthz":
			fmt.Fprint(w, d.health)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testClient struct {
	t      *testing.T
	router *gin.Engine
	cookie *http.Cookie
}

func newTestClient(t *testing.T, backendURL string) *testClient {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Backend: config.BackendConfig{
			URL:              backendURL,
			AllowOverride:    true,
			PredictTimeout:   5 * time.Second,
			RecommendTimeout: 5 * time.Second,
			HealthTimeout:    time.Second,
		},
		Detection: config.DetectionConfig{
			Confidence: 0.25, IoU: 0.45,
			MinConfidence: 0.05, MaxConfidence: 0.95,
			MinIoU: 0.10, MaxIoU: 0.90,
		},
		Upload: config.UploadConfig{
			MaxSize:      1 << 20,
			MaxFiles:     5,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/jpg"},
		},
		Batch:   config.BatchConfig{MaxConcurrent: 2, QueueTimeout: time.Second},
		Session: config.SessionConfig{CookieName: "ww_session"},
	}

	backend := service.NewBackendClient(&cfg.Backend)
	orchestrator := service.NewOrchestrator(backend, nil, &cfg.Batch)
	h := NewBatchHandler(cfg, service.NewMemoryStore(time.Hour), orchestrator)

	r := gin.New()
	r.Use(middleware.Session(&cfg.Session, 3600))
	h.Register(r.Group("/api/v1"))

	return &testClient{t: t, router: r}
}

func (tc *testClient) do(req *http.Request) *httptest.ResponseRecorder {
	tc.t.Helper()
	if tc.cookie != nil {
		req.AddCookie(tc.cookie)
	}
	w := httptest.NewRecorder()
	tc.router.ServeHTTP(w, req)
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "ww_session" {
			tc.cookie = ck
		}
	}
	return w
}

type upload struct {
	name string
	data []byte
}

func (tc *testClient) analyze(accept string, fields map[string]string, names ...string) *httptest.ResponseRecorder {
	tc.t.Helper()
	files := make([]upload, 0, len(names))
	for _, name := range names {
		files = append(files, upload{name: name, data: []byte("jpeg-" + name)})
	}
	return tc.do(tc.analyzeRequest(accept, fields, files))
}

func (tc *testClient) analyzeRequest(accept string, fields map[string]string, files []upload) *http.Request {
	tc.t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images"; filename="%s"`, f.name))
		h.Set("Content-Type", "image/jpeg")
		part, err := mw.CreatePart(h)
		if err != nil {
			tc.t.Fatal(err)
		}
		part.Write(f.data)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/analyze", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return req
}

func (tc *testClient) post(path string) *httptest.ResponseRecorder {
	return tc.do(httptest.NewRequest(http.MethodPost, path, nil))
}

func (tc *testClient) get(path string) *httptest.ResponseRecorder {
	return tc.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func decodeBatch(t *testing.T, w *httptest.ResponseRecorder) model.BatchResponse {
	t.Helper()
	var resp model.BatchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestAnalyzeRecommendReset(t *testing.T) {
	d := &detector{
		predictReplies: []string{
			`{"counts":{"PAPER":1},"annotated_image_b64":"AAA"}`,
			`{"counts":{"paper":2,"GLASS":1},"annotated_image_b64":"BBB"}`,
		},
		recommend: `{"recommendation":"Flatten cardboard and recycle glass separately."}`,
	}
	srv := d.start(t)
	tc := newTestClient(t, srv.URL)

	w := tc.analyze("", map[string]string{"conf": "0.3", "iou": "0.5"}, "a.jpg", "b.jpg")
	if w.Code != http.StatusOK {
		t.Fatalf("analyze status = %d body=%s", w.Code, w.Body.String())
	}
	resp := decodeBatch(t, w)
	if !resp.Data.Completed || len(resp.Data.Results) != 2 {
		t.Fatalf("state = %+v", resp.Data)
	}
	if resp.Data.Totals["PAPER"] != 3 || resp.Data.Totals["GLASS"] != 1 {
		t.Errorf("totals = %v", resp.Data.Totals)
	}
	if resp.Summary != "3 PAPER, 1 GLASS" {
		t.Errorf("summary = %q", resp.Summary)
	}

	// state survives across requests in the same session
	got := decodeBatch(t, tc.get("/api/v1/batch"))
	if len(got.Data.Results) != 2 || !got.Data.Completed {
		t.Errorf("persisted state = %+v", got.Data)
	}

	w = tc.post("/api/v1/batch/recommend")
	resp = decodeBatch(t, w)
	if w.Code != http.StatusOK || resp.Data.Recommendation != "Flatten cardboard and recycle glass separately." {
		t.Fatalf("recommend status=%d body=%s", w.Code, w.Body.String())
	}
	tc.post("/api/v1/batch/recommend")
	if d.recommendCalls != 1 {
		t.Errorf("recommend calls = %d, want 1", d.recommendCalls)
	}

	w = tc.post("/api/v1/batch/reset")
	resp = decodeBatch(t, w)
	if len(resp.Data.Results) != 0 || len(resp.Data.Totals) != 0 || resp.Data.Recommendation != "" || resp.Data.Completed {
		t.Errorf("state after reset = %+v", resp.Data)
	}
}

func TestAnalyzePartialFailure(t *testing.T) {
	d := &detector{
		predictReplies: []string{`{"counts":{"METAL":2}}`, `{"detail":"boom"}`},
		predictStatus:  []int{0, http.StatusInternalServerError},
	}
	srv := d.start(t)
	tc := newTestClient(t, srv.URL)

	w := tc.analyze("", nil, "first.jpg", "second.jpg", "third.jpg")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var errResp model.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(errResp.Message, "second.jpg") {
		t.Errorf("message = %q, want it to name second.jpg", errResp.Message)
	}
	if errResp.Data == nil || len(errResp.Data.Results) != 1 || errResp.Data.Completed {
		t.Errorf("partial state = %+v", errResp.Data)
	}

	got := decodeBatch(t, tc.get("/api/v1/batch"))
	if len(got.Data.Results) != 1 || got.Data.Totals["METAL"] != 2 || got.Data.Busy {
		t.Errorf("persisted partial state = %+v", got.Data)
	}
}

func TestAnalyzeStreamsProgress(t *testing.T) {
	d := &detector{predictReplies: []string{
		`{"counts":{"PAPER":1}}`,
		`{"counts":{"GLASS":1}}`,
	}}
	srv := d.start(t)
	tc := newTestClient(t, srv.URL)

	w := tc.analyze("text/event-stream", nil, "a.jpg", "b.jpg")
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var events []string
	scanner := bufio.NewScanner(w.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event:"); ok {
			events = append(events, strings.TrimSpace(name))
		}
	}
	want := []string{"started", "result", "result", "done"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestAnalyzeValidation(t *testing.T) {
	d := &detector{}
	srv := d.start(t)
	tc := newTestClient(t, srv.URL)

	w := tc.analyze("", nil)
	var errResp model.ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &errResp)
	if w.Code != http.StatusBadRequest || errResp.Message != "Upload one or more images to begin." {
		t.Errorf("no images: status = %d message = %q", w.Code, errResp.Message)
	}
	if w := tc.analyze("", map[string]string{"conf": "1.5"}, "a.jpg"); w.Code != http.StatusBadRequest {
		t.Errorf("conf out of range: status = %d", w.Code)
	}
	if w := tc.analyze("", map[string]string{"iou": "abc"}, "a.jpg"); w.Code != http.StatusBadRequest {
		t.Errorf("iou not a number: status = %d", w.Code)
	}
	if w := tc.analyze("", map[string]string{"backend_url": "ftp://nope"}, "a.jpg"); w.Code != http.StatusBadRequest {
		t.Errorf("bad backend url: status = %d", w.Code)
	}
	if w := tc.analyze("", nil, "1.jpg", "2.jpg", "3.jpg", "4.jpg", "5.jpg", "6.jpg"); w.Code != http.StatusBadRequest {
		t.Errorf("too many files: status = %d", w.Code)
	}
	if d.predictCalls != 0 {
		t.Errorf("backend called %d times for invalid requests", d.predictCalls)
	}
}

func TestRecommendRequiresTotals(t *testing.T) {
	d := &detector{}
	srv := d.start(t)
	tc := newTestClient(t, srv.URL)

	if w := tc.post("/api/v1/batch/recommend"); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
	if d.recommendCalls != 0 {
		t.Error("backend should not be called without totals")
	}
}

func TestRecommendFailureIsWarning(t *testing.T) {
	d := &detector{
		predictReplies: []string{`{"counts":{"GLASS":4}}`},
		recommend:      `{"detail":"llm unavailable"}`,
		recommendCode:  http.StatusServiceUnavailable,
	}
	srv := d.start(t)
	tc := newTestClient(t, srv.URL)
	tc.analyze("", nil, "jar.jpg")

	w := tc.post("/api/v1/batch/recommend")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, failures must not abort the session", w.Code)
	}
	resp := decodeBatch(t, w)
	if resp.Warning == "" || resp.Data.Recommendation != "" {
		t.Errorf("resp = %+v", resp)
	}

	d.mu.Lock()
	d.recommend = `{"recommendation":"Recycle glass separately."}`
	d.recommendCode = http.StatusOK
	d.mu.Unlock()

	resp = decodeBatch(t, tc.post("/api/v1/batch/recommend"))
	if resp.Data.Recommendation != "Recycle glass separately." {
		t.Errorf("retry recommendation = %q", resp.Data.Recommendation)
	}
}

func TestBackendHealth(t *testing.T) {
	d := &detector{health: `{"status":"ok","model_loaded":true}`}
	srv := d.start(t)
	tc := newTestClient(t, srv.URL)

	w := tc.post("/api/v1/backend/health")
	var resp model.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || resp.Data.Status != model.HealthHealthy {
		t.Errorf("status=%d resp=%+v", w.Code, resp)
	}

	got := decodeBatch(t, tc.get("/api/v1/batch"))
	if got.Data.Health == nil || got.Data.Health.Status != model.HealthHealthy {
		t.Errorf("health not persisted: %+v", got.Data.Health)
	}

	// unreachable override is reported, not raised
	w = tc.do(httptest.NewRequest(http.MethodPost, "/api/v1/backend/health?backend_url=http://127.0.0.1:1", nil))
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || resp.Data.Status != model.HealthUnhealthy {
		t.Errorf("status=%d resp=%+v", w.Code, resp)
	}
}

func TestSettings(t *testing.T) {
	tc := newTestClient(t, "http://detector:8000/")

	var resp model.SettingsResponse
	w := tc.get("/api/v1/settings")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.BackendURL != "http://detector:8000" || resp.Confidence != 0.25 || resp.IoU != 0.45 {
		t.Errorf("settings = %+v", resp)
	}
}

func TestHealthCheckDuringRunIsKept(t *testing.T) {
	d := &detector{
		predictReplies: []string{`{"counts":{"PAPER":1}}`, `{"counts":{"GLASS":1}}`},
		health:         `{"status":"ok"}`,
		hold:           make(chan struct{}),
		held:           make(chan struct{}, 1),
	}
	srv := d.start(t)
	tc := newTestClient(t, srv.URL)
	tc.get("/api/v1/batch")

	req := tc.analyzeRequest("", nil, []upload{{"a.jpg", []byte("a")}, {"b.jpg", []byte("b")}})
	req.AddCookie(tc.cookie)
	done := make(chan *httptest.ResponseRecorder)
	go func() {
		w := httptest.NewRecorder()
		tc.router.ServeHTTP(w, req)
		done <- w
	}()

	select {
	case <-d.held:
	case <-time.After(5 * time.Second):
		t.Fatal("second predict never reached the backend")
	}

	var health model.HealthResponse
	if err := json.Unmarshal(tc.post("/api/v1/backend/health").Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Data.Status != model.HealthHealthy {
		t.Fatalf("health = %+v", health.Data)
	}
	close(d.hold)

	w := <-done
	if w.Code != http.StatusOK {
		t.Fatalf("analyze status = %d body=%s", w.Code, w.Body.String())
	}
	if resp := decodeBatch(t, w); resp.Data.Health == nil || resp.Data.Health.Status != model.HealthHealthy {
		t.Errorf("analyze response health = %+v", resp.Data.Health)
	}

	got := decodeBatch(t, tc.get("/api/v1/batch"))
	if !got.Data.Completed || len(got.Data.Results) != 2 {
		t.Errorf("state = %+v", got.Data)
	}
	if got.Data.Health == nil || got.Data.Health.Status != model.HealthHealthy {
		t.Errorf("health lost after run: %+v", got.Data.Health)
	}
}

func TestAnalyzeKeepsUploadsInMemory(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	d := &detector{predictReplies: []string{
		`{"counts":{"PAPER":1}}`, `{"counts":{"PAPER":1}}`, `{"counts":{"PAPER":1}}`,
	}}
	srv := d.start(t)
	tc := newTestClient(t, srv.URL)

	// each file fits the per-file limit, together they exceed it
	payload := bytes.Repeat([]byte{0xff}, 700<<10)
	files := []upload{{"a.jpg", payload}, {"b.jpg", payload}, {"c.jpg", payload}}
	w := tc.do(tc.analyzeRequest("", nil, files))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}

	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("uploads written to disk: %d temp files (first %s)", len(entries), entries[0].Name())
	}
}

func TestAnalyzeRejectsOversizedBatch(t *testing.T) {
	d := &detector{}
	srv := d.start(t)
	tc := newTestClient(t, srv.URL)

	payload := bytes.Repeat([]byte{0xff}, 1<<20-1)
	files := make([]upload, 0, 7)
	for i := 0; i < 7; i++ {
		files = append(files, upload{fmt.Sprintf("%d.jpg", i), payload})
	}

	w := tc.do(tc.analyzeRequest("", nil, files))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
	if d.predictCalls != 0 {
		t.Errorf("backend called %d times for an oversized batch", d.predictCalls)
	}
}
