// Package dingtalk implements the platform client surface for the DingTalk
// open API: token exchange, stream-mode gateway handshake, robot message
// sends, interactive-card streaming, and media transfer.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAPIBase  = "https://api.dingtalk.com"
	defaultOAPIBase = "https://oapi.dingtalk.com"

	// requestTimeout bounds every outbound platform call.
	requestTimeout = 30 * time.Second

	accessTokenHeader = "x-acs-dingtalk-access-token"
)

// Credentials identifies one robot application.
type Credentials struct {
	AppKey    string
	AppSecret string
}

// Client talks to the DingTalk open API. It is safe for concurrent use and is
// shared by every account connection in the process.
type Client struct {
	httpClient *http.Client
	apiBase    string
	oapiBase   string
	tokens     *TokenCache
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURLs overrides the API endpoints, primarily for tests.
func WithBaseURLs(apiBase, oapiBase string) Option {
	return func(c *Client) {
		if apiBase != "" {
			c.apiBase = strings.TrimRight(apiBase, "/")
		}
		if oapiBase != "" {
			c.oapiBase = strings.TrimRight(oapiBase, "/")
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a platform client with the given logger.
func NewClient(log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		apiBase:    defaultAPIBase,
		oapiBase:   defaultOAPIBase,
		tokens:     NewTokenCache(),
		logger:     log.With(slog.String("component", "dingtalk")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// postJSON issues a JSON POST and decodes a 2xx response into out (when non-nil).
func (c *Client) postJSON(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	return c.doJSON(ctx, http.MethodPost, url, headers, payload, out)
}

func (c *Client) putJSON(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	return c.doJSON(ctx, http.MethodPut, url, headers, payload, out)
}

func (c *Client) doJSON(ctx context.Context, method, url string, headers map[string]string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// getJSON issues a GET and decodes a 2xx response into out.
func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	return c.doJSON(ctx, http.MethodGet, url, nil, nil, out)
}
