package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"inference-bridge/internal/auth"
	"inference-bridge/internal/chunkstore"
	"inference-bridge/internal/config"
	"inference-bridge/internal/database"
	"inference-bridge/internal/dispatcher"
	"inference-bridge/internal/jobstore"
	"inference-bridge/internal/livefeed"
	"inference-bridge/internal/models"
	"inference-bridge/internal/ratelimit"
	"inference-bridge/internal/registry"
	"inference-bridge/internal/tokens"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	cfg := config.Default()
	cfg.StreamPollStep = 5 * time.Millisecond
	cfg.StreamWallClock = 2 * time.Second

	jobs := jobstore.New(db)
	workers := registry.New(db, cfg.ResponseTimeAlpha, cfg.SuccessRateAlpha, cfg.StalenessWindow)
	authStore := auth.New(db)
	feed := livefeed.New(jobs, workers, cfg.DashboardRecents)
	d := dispatcher.New(cfg, jobs, workers, ratelimit.New(db), chunkstore.New(db), tokens.Heuristic{}, feed.Broadcast)

	if err := authStore.CreateKey("test-key", "user-1", "free"); err != nil {
		t.Fatalf("create key: %v", err)
	}

	mux := http.NewServeMux()
	NewServer(d, jobs, workers, authStore, feed).SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, headers map[string]string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s: %v", url, err)
	}
	return resp
}

func registerWorker(t *testing.T, ts *httptest.Server, clientID string, caps []string) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/browser/register", nil, models.RegisterRequest{
		ClientIdentifier:      clientID,
		Capabilities:          caps,
		MaxConcurrentRequests: 5,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var reg models.RegisterResponse
	json.NewDecoder(resp.Body).Decode(&reg)
	if reg.SessionID == "" {
		t.Fatal("empty session id")
	}
	return reg.SessionID
}

// startFakeWorker runs a background poll loop that serves every claimed
// job, optionally streaming chunks before completing.
func startFakeWorker(t *testing.T, ts *httptest.Server, session string, chunks []string) func() {
	t.Helper()
	done := make(chan struct{})

	// No t.Fatal in here: this runs off the test goroutine.
	post := func(path string, body interface{}) (*http.Response, error) {
		data, _ := json.Marshal(body)
		req, _ := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Browser-Session-ID", session)
		return http.DefaultClient.Do(req)
	}

	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}

			resp, err := post("/browser/poll", models.PollRequest{})
			if err != nil {
				return
			}
			var poll models.PollResponse
			json.NewDecoder(resp.Body).Decode(&poll)
			resp.Body.Close()

			if poll.HasRequest {
				jobID := poll.Request.JobID
				for _, c := range chunks {
					if r, err := post("/browser/response", models.WorkerReport{
						JobID: jobID, Type: models.ReportChunk, Content: c,
					}); err == nil {
						r.Body.Close()
					}
				}
				report := models.WorkerReport{
					JobID: jobID, Type: models.ReportComplete, ResponseTimeMs: 100,
				}
				if len(chunks) == 0 {
					report.FullResponse = "All done."
				}
				if r, err := post("/browser/response", report); err == nil {
					r.Body.Close()
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	return func() { close(done) }
}

func TestCompletionsRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/chat/completions", nil, models.ChatCompletionRequest{Model: "gpt-4o"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/chat/completions",
		map[string]string{"Authorization": "Bearer wrong-key"},
		models.ChatCompletionRequest{Model: "gpt-4o"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for bad key", resp.StatusCode)
	}

	var body models.ErrorBody
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error.Kind != "authentication_error" {
		t.Errorf("error kind = %q, want authentication_error", body.Error.Kind)
	}
}

func TestCompletionsNoWorker(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		map[string]string{"Authorization": "Bearer test-key"},
		models.ChatCompletionRequest{
			Model:    "gpt-4o",
			Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
		})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var body models.ErrorBody
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error.Kind != "no_worker_available" {
		t.Errorf("error kind = %q, want no_worker_available", body.Error.Kind)
	}
}

func TestNonStreamingCompletionEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	session := registerWorker(t, ts, "client-1", []string{"gpt-4o"})
	stop := startFakeWorker(t, ts, session, nil)
	defer stop()

	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		map[string]string{"Authorization": "Bearer test-key"},
		models.ChatCompletionRequest{
			Model:    "gpt-4o",
			Messages: []models.ChatMessage{{Role: "user", Content: "say hello"}},
		})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var completion models.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if completion.Object != "chat.completion" {
		t.Errorf("object = %q", completion.Object)
	}
	if len(completion.Choices) != 1 || completion.Choices[0].Message.Content != "All done." {
		t.Errorf("choices = %+v", completion.Choices)
	}
	if completion.Choices[0].FinishReason != "stop" {
		t.Errorf("finish reason = %q", completion.Choices[0].FinishReason)
	}
	if completion.Usage.TotalTokens != completion.Usage.PromptTokens+completion.Usage.CompletionTokens {
		t.Errorf("usage does not add up: %+v", completion.Usage)
	}
	if completion.Usage.PromptTokens == 0 || completion.Usage.CompletionTokens == 0 {
		t.Errorf("usage missing token counts: %+v", completion.Usage)
	}
}

func TestStreamingCompletionEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	session := registerWorker(t, ts, "client-1", []string{"gpt-4o"})
	stop := startFakeWorker(t, ts, session, []string{"Hello", " stream"})
	defer stop()

	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		map[string]string{"Authorization": "Bearer test-key"},
		models.ChatCompletionRequest{
			Model:    "gpt-4o",
			Stream:   true,
			Messages: []models.ChatMessage{{Role: "user", Content: "say hello"}},
		})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(raw)
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("stream must terminate with [DONE]; got tail %q", tail(body))
	}

	var content strings.Builder
	sawFinish := false
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") || strings.Contains(line, "[DONE]") {
			continue
		}
		var frame models.ChatCompletionChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		if frame.Object != "chat.completion.chunk" {
			t.Errorf("frame object = %q", frame.Object)
		}
		for _, choice := range frame.Choices {
			content.WriteString(choice.Delta.Content)
			if choice.FinishReason != nil && *choice.FinishReason == "stop" {
				sawFinish = true
			}
		}
	}
	if content.String() != "Hello stream" {
		t.Errorf("streamed content = %q, want %q", content.String(), "Hello stream")
	}
	if !sawFinish {
		t.Error("no frame carried finish_reason=stop")
	}
}

func TestRateLimitOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	session := registerWorker(t, ts, "client-1", nil)
	stop := startFakeWorker(t, ts, session, nil)
	defer stop()

	headers := map[string]string{"Authorization": "Bearer test-key"}
	req := models.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	}

	// Free tier: 10 per minute.
	for i := 0; i < 10; i++ {
		resp := postJSON(t, ts.URL+"/v1/chat/completions", headers, req)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, resp.StatusCode)
		}
	}

	resp := postJSON(t, ts.URL+"/v1/chat/completions", headers, req)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("11th request status = %d, want 429", resp.StatusCode)
	}
	var body models.ErrorBody
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error.Kind != "rate_limit_exceeded" {
		t.Errorf("error kind = %q", body.Error.Kind)
	}
	if body.Error.Details == nil {
		t.Error("429 body must include the per-window usage snapshot")
	}
}

func TestUsageEndpoint(t *testing.T) {
	ts := newTestServer(t)
	session := registerWorker(t, ts, "client-1", nil)
	stop := startFakeWorker(t, ts, session, nil)
	defer stop()

	headers := map[string]string{"Authorization": "Bearer test-key"}
	resp := postJSON(t, ts.URL+"/v1/chat/completions", headers, models.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/usage?range=all&details=true", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	usageResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("usage request: %v", err)
	}
	defer usageResp.Body.Close()
	if usageResp.StatusCode != http.StatusOK {
		t.Fatalf("usage status = %d", usageResp.StatusCode)
	}

	var report jobstore.UsageReport
	if err := json.NewDecoder(usageResp.Body).Decode(&report); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if report.Summary.TotalRequests != 1 || report.Summary.Completed != 1 {
		t.Errorf("summary = %+v", report.Summary)
	}
	if len(report.ByModel) != 1 || report.ByModel[0].Model != "gpt-4o" {
		t.Errorf("by_model = %+v", report.ByModel)
	}
	if len(report.RequestHistory) != 1 {
		t.Errorf("request_history has %d rows, want 1", len(report.RequestHistory))
	}

	// Bad range is a validation error.
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/v1/usage?range=century", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	badResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bad range request: %v", err)
	}
	defer badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad range status = %d, want 400", badResp.StatusCode)
	}
}

func TestPollRequiresSessionHeader(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/browser/poll", nil, models.PollRequest{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWorkerResponseValidation(t *testing.T) {
	ts := newTestServer(t)
	session := registerWorker(t, ts, "client-1", nil)
	header := map[string]string{"X-Browser-Session-ID": session}

	resp := postJSON(t, ts.URL+"/browser/response", header, models.WorkerReport{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing fields", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/browser/response", header, models.WorkerReport{
		JobID: "no-such-job", Type: models.ReportComplete,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown job", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	registerWorker(t, ts, "client-1", nil)

	resp, err := http.Get(ts.URL + "/api/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["queue"]; !ok {
		t.Error("metrics missing queue section")
	}
	if _, ok := body["pool"]; !ok {
		t.Error("metrics missing pool section")
	}
}

func TestWebSocketLiveFeed(t *testing.T) {
	ts := newTestServer(t)
	registerWorker(t, ts, "client-1", nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// A fresh client immediately receives the current state.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update map[string]json.RawMessage
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read initial update: %v", err)
	}
	for _, key := range []string{"jobs", "metrics", "pool", "workers"} {
		if _, ok := update[key]; !ok {
			t.Errorf("initial update missing %q section", key)
		}
	}
}

func tail(s string) string {
	if len(s) <= 80 {
		return s
	}
	return s[len(s)-80:]
}
