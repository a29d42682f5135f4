// Package droptracesdk is a minimal client for the droptrace dashboard API.
package droptracesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal droptrace HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Health is the store health response.
type Health struct {
	Status       string `json:"status"`
	PrimaryStore bool   `json:"primary_store"`
	PendingSync  int    `json:"pending_sync"`
}

// Summary mirrors the API's rate summary model.
type Summary struct {
	TotalRuns          int     `json:"total_runs"`
	Successful         int     `json:"successful_runs"`
	Failed             int     `json:"failed_runs"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDurationMS      int64   `json:"avg_duration_ms"`
	CaptchaSuccessRate float64 `json:"captcha_success_rate"`
	DetectionRate      float64 `json:"detection_rate"`
	Degraded           bool    `json:"degraded,omitempty"`
}

// Overview groups summaries per platform.
type Overview struct {
	Platforms map[string]Summary `json:"platforms"`
}

// Account represents the API account model (partial).
type Account struct {
	ID           string `json:"id"`
	Platform     string `json:"platform"`
	Status       string `json:"status"`
	SuccessCount int    `json:"success_count"`
	FailureCount int    `json:"failure_count"`
}

// ProxyRecord is aggregated proxy performance.
type ProxyRecord struct {
	ProxyAddress   string `json:"proxy_address"`
	Platform       string `json:"platform"`
	SuccessCount   int    `json:"success_count"`
	FailureCount   int    `json:"failure_count"`
	DetectionCount int    `json:"detection_count"`
	AvgResponseMS  int64  `json:"avg_response_ms"`
}

// ReconcileResult reports one replay pass.
type ReconcileResult struct {
	Synced  int `json:"synced"`
	Pending int `json:"pending"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health fetches store health and the sync backlog.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "v1/health", nil, &resp)
	return resp, err
}

// Overview fetches per-platform summaries for the default window.
func (c *Client) Overview(ctx context.Context) (Overview, error) {
	var resp Overview
	err := c.do(ctx, http.MethodGet, "v1/overview", nil, &resp)
	return resp, err
}

// PlatformMetrics fetches the rate summary for one platform.
func (c *Client) PlatformMetrics(ctx context.Context, platform string) (Summary, error) {
	var resp Summary
	endpoint := fmt.Sprintf("v1/platforms/%s/metrics", url.PathEscape(platform))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Accounts lists accounts, optionally filtered by platform.
func (c *Client) Accounts(ctx context.Context, platform string) ([]Account, error) {
	endpoint := "v1/accounts"
	if platform != "" {
		endpoint += "?platform=" + url.QueryEscape(platform)
	}
	var resp []Account
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateAccount registers a research account.
func (c *Client) CreateAccount(ctx context.Context, platform string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodPost, "v1/accounts", map[string]string{"platform": platform}, &resp)
	return resp, err
}

// Proxies lists proxy performance records.
func (c *Client) Proxies(ctx context.Context, platform string) ([]ProxyRecord, error) {
	endpoint := "v1/proxies"
	if platform != "" {
		endpoint += "?platform=" + url.QueryEscape(platform)
	}
	var resp struct {
		Proxies []ProxyRecord `json:"proxies"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Proxies, err
}

// Reconcile asks the server to replay fallback records now.
func (c *Client) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var resp ReconcileResult
	err := c.do(ctx, http.MethodPost, "v1/reconcile", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
