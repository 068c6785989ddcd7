package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/valet/internal/channels"
	"github.com/haasonsaas/valet/internal/config"
)

// healthReport mirrors the gateway's /healthz response.
type healthReport struct {
	Status   string                     `json:"status"`
	Channels map[string]channels.Status `json:"channels,omitempty"`
}

// apiClient talks to a running daemon's gateway over HTTP.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("request %s failed: %s (read body: %w)", path, resp.Status, readErr)
		}
		if len(body) > 0 {
			return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("request %s failed: %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("request %s failed: %s (read body: %w)", path, resp.Status, readErr)
		}
		if len(bodyBytes) > 0 {
			return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, strings.TrimSpace(string(bodyBytes)))
		}
		return fmt.Errorf("request %s failed: %s", path, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// resolveHTTPBaseURL turns the gateway listen address into a client base
// URL. An explicit serverAddr wins over the configured one.
func resolveHTTPBaseURL(cfg *config.Config, serverAddr string) (string, error) {
	addr := strings.TrimSpace(serverAddr)
	if addr == "" {
		addr = strings.TrimSpace(cfg.Gateway.HTTPAddr)
	}
	if addr == "" {
		return "", fmt.Errorf("gateway http address is not configured")
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}
	if strings.HasPrefix(addr, ":") {
		// A bare :port listen address dials back on loopback.
		addr = "127.0.0.1" + addr
	}
	return "http://" + strings.TrimRight(addr, "/"), nil
}
