package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// GatewayRunner streams replies from an external agent gateway speaking
// server-sent events. The gateway keeps its own session state and returns a
// resumption token with the final event.
type GatewayRunner struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewGatewayRunner creates a runner against the gateway base URL. token is an
// optional bearer credential. The HTTP client must have no overall timeout;
// streams outlive any per-request deadline and are bounded by ctx instead.
func NewGatewayRunner(log *slog.Logger, baseURL, token string) *GatewayRunner {
	if log == nil {
		log = slog.Default()
	}
	return &GatewayRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		logger:  log.With(slog.String("component", "agent"), slog.String("provider", "gateway")),
	}
}

type gatewayRequest struct {
	System       string    `json:"system,omitempty"`
	Messages     []Message `json:"messages"`
	SessionToken string    `json:"sessionToken,omitempty"`
}

type gatewayChunk struct {
	Type         string `json:"type"`
	Content      string `json:"content"`
	SessionToken string `json:"sessionToken,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (r *GatewayRunner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	payload := gatewayRequest{
		System:       req.System,
		Messages:     append(append([]Message{}, req.History...), Message{Role: RoleUser, Content: req.Input}),
		SessionToken: req.SessionToken,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := r.baseURL + "/chat/stream"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway stream connect: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("gateway error %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		var full strings.Builder
		sessionToken := ""
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			var chunk gatewayChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				r.logger.Warn("undecodable gateway chunk", slog.Any("error", err))
				continue
			}
			switch chunk.Type {
			case "text_delta", "delta":
				if chunk.Content == "" {
					continue
				}
				full.WriteString(chunk.Content)
				select {
				case events <- Event{Type: EventDelta, Content: chunk.Content}:
				case <-ctx.Done():
					return
				}
			case "done", "final", "agent_end":
				if chunk.SessionToken != "" {
					sessionToken = chunk.SessionToken
				}
				content := chunk.Content
				if content == "" {
					content = full.String()
				}
				events <- Event{Type: EventFinal, Content: content, SessionToken: sessionToken}
				return
			case "error":
				events <- Event{Type: EventError, Err: fmt.Errorf("gateway: %s", chunk.Error)}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			events <- Event{Type: EventError, Err: err}
			return
		}
		// Stream ended without an explicit terminal chunk.
		events <- Event{Type: EventFinal, Content: full.String(), SessionToken: sessionToken}
	}()
	return events, nil
}
