//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/datalab/internal/agent"
	"github.com/ashureev/datalab/internal/config"
	"github.com/ashureev/datalab/internal/identity"
	"github.com/ashureev/datalab/internal/llm"
	"github.com/ashureev/datalab/internal/provider"
	"github.com/ashureev/datalab/internal/session"
	"github.com/ashureev/datalab/internal/table"
	"github.com/ashureev/datalab/internal/transcript"
)

const testAnonID = "anon_0123456789abcdef0123456789abcdef"

type testServer struct {
	router   http.Handler
	handler  *Handler
	sessions *session.Manager
}

func newTestServer(t *testing.T, rl config.RateLimitConfig) *testServer {
	t.Helper()
	client := llm.ClientFunc(func(_ context.Context, _ llm.Request, onText llm.TextFunc) (llm.Message, error) {
		onText("共 1 行")
		return llm.Message{Role: llm.RoleAssistant, Content: "共 1 行"}, nil
	})
	mgr := session.NewManager(session.ManagerConfig{
		WorkspaceDir: t.TempDir(),
		TTL:          time.Hour,
		Builder: &agent.Factory{Clients: func(context.Context, provider.Provider, string, string) (llm.Client, error) {
			return client, nil
		}},
	})
	h := NewHandler(Options{Sessions: mgr, RateLimit: rl, IsDev: true})
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	h.RegisterRoutes(r)
	return &testServer{router: r, handler: h, sessions: mgr}
}

func (ts *testServer) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	req.AddCookie(&http.Cookie{Name: identity.AnonCookieName, Value: testAnonID})
	req.Header.Set(identity.SessionHeaderName, "tab-1")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) doJSON(t *testing.T, method, target string, v any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if v != nil {
		if err := json.NewEncoder(&body).Encode(v); err != nil {
			t.Fatal(err)
		}
	}
	return ts.do(t, method, target, &body, "application/json")
}

func (ts *testServer) upload(t *testing.T, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(uploadField, name)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.WriteString(fw, content)
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return ts.do(t, http.MethodPost, "/api/data", &body, mw.FormDataContentType())
}

func (ts *testServer) state(t *testing.T) *session.State {
	t.Helper()
	s, err := ts.sessions.Get(testAnonID + "/tab-1")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (ts *testServer) configure(t *testing.T) {
	t.Helper()
	rec := ts.doJSON(t, http.MethodPut, "/api/session/config", map[string]string{
		"provider":   "DeepSeek",
		"credential": "sk-test-1234567890",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("configure status = %d: %s", rec.Code, rec.Body)
	}
	if rec := ts.upload(t, "sales.csv", "region,amount\nnorth,10\n"); rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body)
	}
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{session.ErrTurnInProgress, http.StatusConflict},
		{session.ErrNoAgent, http.StatusConflict},
		{fmt.Errorf("%w: x", session.ErrTableNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: Foo", provider.ErrUnknownProvider), http.StatusBadRequest},
		{fmt.Errorf("a.txt: %w", table.ErrUnsupportedFormat), http.StatusBadRequest},
		{os.ErrNotExist, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Errorf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestListProviders(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.RateLimitConfig{})
	rec := ts.do(t, http.MethodGet, "/api/providers", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		Default   string `json:"default"`
		Providers []struct {
			Name string `json:"name"`
		} `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Default != "DeepSeek" || len(got.Providers) != 4 {
		t.Fatalf("providers = %+v", got)
	}
}

func TestConfigNeverReturnsCredential(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.RateLimitConfig{})
	rec := ts.doJSON(t, http.MethodPut, "/api/session/config", map[string]string{
		"provider":   "DeepSeek",
		"credential": "sk-test-1234567890",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	if strings.Contains(body, "sk-test-1234567890") {
		t.Fatalf("credential leaked: %s", body)
	}
	if !strings.Contains(body, "sk-t…7890") || !strings.Contains(body, `"agent_rebuilt":true`) {
		t.Fatalf("body = %s", body)
	}

	if rec := ts.doJSON(t, http.MethodPut, "/api/session/config", map[string]string{"provider": "Nope"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown provider status = %d", rec.Code)
	}
}

func TestUploadPreviewAndSelection(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.RateLimitConfig{})
	rec := ts.upload(t, "sales.csv", "region,amount\nnorth,10\nsouth,7\n")
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"added":["sales_Sheet1"]`) {
		t.Fatalf("upload body = %s", rec.Body)
	}

	rec = ts.do(t, http.MethodGet, "/api/data/sales_Sheet1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("preview status = %d", rec.Code)
	}
	var summary table.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Rows != 2 || summary.Var != "df_sales_Sheet1" {
		t.Fatalf("summary = %+v", summary)
	}

	if rec := ts.do(t, http.MethodGet, "/api/data/missing", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing preview status = %d", rec.Code)
	}
	if rec := ts.upload(t, "notes.txt", "x"); rec.Code != http.StatusBadRequest {
		t.Fatalf("unsupported upload status = %d", rec.Code)
	}

	rec = ts.doJSON(t, http.MethodPut, "/api/data/selection", map[string][]string{"tables": {}})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"selected":[]`) {
		t.Fatalf("selection = %d %s", rec.Code, rec.Body)
	}
}

func TestChatWithoutAgent(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.RateLimitConfig{})
	rec := ts.doJSON(t, http.MethodPost, "/api/chat", map[string]string{"message": "hi"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	if rec := ts.doJSON(t, http.MethodPost, "/api/chat", map[string]string{"message": "  "}); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank message status = %d", rec.Code)
	}
}

func TestChatStreamsEvents(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.RateLimitConfig{})
	ts.configure(t)

	rec := ts.doJSON(t, http.MethodPost, "/api/chat", map[string]string{"message": "多少行？"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"event: content\ndata: ", `"delta":"共 1 行"`, "event: done\ndata: ", `"text":"共 1 行"`} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "event: content") > strings.Index(body, "event: done") {
		t.Errorf("done sent before content:\n%s", body)
	}

	rec = ts.do(t, http.MethodGet, "/api/transcript?format=md", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "多少行？") {
		t.Fatalf("transcript = %d %s", rec.Code, rec.Body)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Fatalf("disposition = %q", cd)
	}
	if rec := ts.do(t, http.MethodGet, "/api/transcript?format=pdf", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown format status = %d", rec.Code)
	}
}

func TestChatRateLimited(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour})
	ts.configure(t)

	if rec := ts.doJSON(t, http.MethodPost, "/api/chat", map[string]string{"message": "a"}); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec := ts.doJSON(t, http.MethodPost, "/api/chat", map[string]string{"message": "b"}); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
}

func TestReportValidation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.RateLimitConfig{})
	if rec := ts.doJSON(t, http.MethodPost, "/api/report", map[string]string{"request": " "}); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank request status = %d", rec.Code)
	}
	if rec := ts.doJSON(t, http.MethodPost, "/api/report", map[string]string{"request": "销售分析"}); rec.Code != http.StatusConflict {
		t.Fatalf("no agent status = %d", rec.Code)
	}
	if ts.state(t).ReportGenerating() {
		t.Fatal("report flag left set")
	}
}

func TestReportMissingFile(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.RateLimitConfig{})
	ts.configure(t)

	rec := ts.doJSON(t, http.MethodPost, "/api/report", map[string]string{"request": "销售分析"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var got reportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Found || got.Warning == "" {
		t.Fatalf("report = %+v", got)
	}
}

func TestArtifacts(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.RateLimitConfig{})
	out := ts.state(t).Dirs().Out
	if err := os.MkdirAll(filepath.Join(out, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(out, "数据分析报告.html"), []byte("<html>report</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(out, "sub", "trend.html"), []byte("<html>chart</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, http.MethodGet, "/api/artifacts", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"report":{"name":"数据分析报告.html"`) || !strings.Contains(body, `"path":"sub/trend.html"`) {
		t.Fatalf("listing = %s", body)
	}

	rec = ts.do(t, http.MethodGet, "/api/artifacts/sub/trend.html", nil, "")
	if rec.Code != http.StatusOK || rec.Body.String() != "<html>chart</html>" {
		t.Fatalf("download = %d %q", rec.Code, rec.Body)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename=trend.html` {
		t.Fatalf("disposition = %q", cd)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html" {
		t.Fatalf("content type = %q", ct)
	}

	if rec := ts.do(t, http.MethodGet, "/api/artifacts/..%2Fescape.txt", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("traversal status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/artifacts/missing.png", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", rec.Code)
	}
}

func TestClearSession(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.RateLimitConfig{})
	ts.configure(t)

	rec := ts.do(t, http.MethodDelete, "/api/session", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		Session session.Snapshot `json:"session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Session.Tables) != 0 || got.Session.Agent != nil || !got.Session.HasCredential {
		t.Fatalf("snapshot = %+v", got.Session)
	}
}

func TestChatWebSocket(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, config.RateLimitConfig{})
	ts.configure(t)
	srv := httptest.NewServer(ts.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Cookie", identity.AnonCookieName+"="+testAnonID)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/chat?session_id=tab-1",
		&websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"chat","message":"多少行？"}`)); err != nil {
		t.Fatal(err)
	}
	var types []string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		types = append(types, ev.Type)
		if ev.Type == eventDone {
			if !strings.Contains(string(ev.Data), "共 1 行") {
				t.Fatalf("done = %s", ev.Data)
			}
			break
		}
	}
	if types[0] != eventContent {
		t.Fatalf("event types = %v", types)
	}
	if got := len(ts.state(t).Transcript()); got != 2 {
		t.Fatalf("transcript entries = %d", got)
	}
}

type recordingLog struct {
	mu     sync.Mutex
	events []transcript.ConversationLogEvent
}

func (l *recordingLog) Log(e transcript.ConversationLogEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingLog) Close() error { return nil }

func TestConversationLogRecordsClientIP(t *testing.T) {
	t.Parallel()

	logs := &recordingLog{}
	h := NewHandler(Options{Log: logs})
	t.Cleanup(h.Close)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.RemoteAddr = "198.51.100.4:40000"
	h.logEvent(req, transcript.ChannelChatHTTP, transcript.DirectionOutbound, transcript.EventUserMessage, "hi", nil)
	h.logEvent(req, transcript.ChannelChatHTTP, transcript.DirectionInbound, transcript.EventToolCall, "{}", map[string]any{"tool": "python"})

	logs.mu.Lock()
	defer logs.mu.Unlock()
	if len(logs.events) != 2 {
		t.Fatalf("logged %d events", len(logs.events))
	}
	for _, e := range logs.events {
		if e.Meta["ip"] != "198.51.100.4" {
			t.Fatalf("meta = %v", e.Meta)
		}
	}
	if logs.events[1].Meta["tool"] != "python" {
		t.Fatalf("caller meta lost: %v", logs.events[1].Meta)
	}
}
