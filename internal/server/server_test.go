package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"droptrace/internal/app"
	"droptrace/internal/config"
	"droptrace/internal/domain"
	"droptrace/internal/repo"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Workspace = t.TempDir()
	a, err := app.New(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	handler := New(Config{App: a, BasePath: "/v1", Auth: auth})
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func seedData(t *testing.T, a *app.App) {
	t.Helper()
	ctx := context.Background()
	account, err := a.Repo.InsertAccount(ctx, domain.Account{Platform: "nike"})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	sess, err := a.Repo.InsertSession(ctx, domain.Session{AccountID: account.ID, Platform: "nike"})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	for i := 0; i < 4; i++ {
		run, err := a.Repo.InsertRun(ctx, domain.Run{
			SessionID: sess.ID, AccountID: account.ID, Platform: "nike", BotType: "browser",
		})
		if err != nil {
			t.Fatalf("seed run: %v", err)
		}
		success := i%2 == 0
		status := "completed"
		if !success {
			status = "failed"
		}
		if err := a.Repo.FinishRun(ctx, run.ID, repo.RunCompletion{
			Status: status, Success: success, CompletedAt: time.Now().UTC(), DurationMS: 1000,
		}); err != nil {
			t.Fatalf("finish run: %v", err)
		}
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", resp.StatusCode, body)
	}
	var got healthBody
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "ok" || !got.PrimaryStore {
		t.Fatalf("unexpected health: %+v", got)
	}
}

func TestOverviewAndPlatformMetrics(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	seedData(t, ts.App)

	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/overview", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overview status %d: %s", resp.StatusCode, body)
	}
	var overview overviewBody
	if err := json.Unmarshal(body, &overview); err != nil {
		t.Fatalf("decode overview: %v", err)
	}
	if overview.Platforms["nike"].TotalRuns != 4 {
		t.Fatalf("unexpected overview: %+v", overview.Platforms)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/platforms/nike/metrics", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d: %s", resp.StatusCode, body)
	}
	var sum struct {
		TotalRuns   int     `json:"total_runs"`
		SuccessRate float64 `json:"success_rate"`
	}
	if err := json.Unmarshal(body, &sum); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if sum.TotalRuns != 4 || sum.SuccessRate != 0.5 {
		t.Fatalf("unexpected metrics: %+v", sum)
	}
}

func TestCreateAccountAndList(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/accounts",
		map[string]string{"platform": "shopify"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", resp.StatusCode, body)
	}
	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/accounts?platform=shopify", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", resp.StatusCode, body)
	}
	var accounts []domain.Account
	if err := json.Unmarshal(body, &accounts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Platform != "shopify" {
		t.Fatalf("unexpected accounts: %+v", accounts)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, AuthConfig{JWTSecret: "test-secret", APIKeys: []string{"k-123"}})

	// Health stays open.
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", resp.StatusCode)
	}

	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/overview", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/overview", nil,
		map[string]string{"X-Api-Key": "k-123"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("api key auth failed: %d", resp.StatusCode)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "researcher",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/overview", nil,
		map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jwt auth failed: %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/overview", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/metrics/materialize",
		map[string]string{"platform": "nike", "date": "yesterday"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/reconcile", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconcile status %d: %s", resp.StatusCode, body)
	}
	var got struct {
		Synced  int `json:"synced"`
		Pending int `json:"pending"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Pending != 0 {
		t.Fatalf("expected empty backlog, got %+v", got)
	}
}
