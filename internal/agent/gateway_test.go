package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func sseServer(t *testing.T, lines []string, capture *gatewayRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
		}
	}))
}

func TestGatewayRunnerStreamsDeltas(t *testing.T) {
	t.Parallel()

	var captured gatewayRequest
	srv := sseServer(t, []string{
		`data: {"type":"text_delta","content":"Hel"}`,
		``,
		`data: {"type":"text_delta","content":"lo"}`,
		`data: [DONE]`,
		`data: {"type":"done","sessionToken":"tok-9"}`,
	}, &captured)
	defer srv.Close()

	runner := NewGatewayRunner(nil, srv.URL, "secret")
	ch, err := runner.Run(context.Background(), Request{
		System:  "be brief",
		History: []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hey"}},
		Input:   "how are you",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collectEvents(t, ch)

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Type != EventDelta || events[0].Content != "Hel" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Type != EventDelta || events[1].Content != "lo" {
		t.Errorf("second event = %+v", events[1])
	}
	final := events[2]
	if final.Type != EventFinal {
		t.Fatalf("final event type = %s", final.Type)
	}
	if final.Content != "Hello" {
		t.Errorf("final content = %q, want accumulated deltas", final.Content)
	}
	if final.SessionToken != "tok-9" {
		t.Errorf("final session token = %q", final.SessionToken)
	}

	if captured.System != "be brief" {
		t.Errorf("request system = %q", captured.System)
	}
	if len(captured.Messages) != 3 {
		t.Fatalf("request messages = %d, want history plus input", len(captured.Messages))
	}
	last := captured.Messages[2]
	if last.Role != RoleUser || last.Content != "how are you" {
		t.Errorf("last request message = %+v", last)
	}
}

func TestGatewayRunnerFinalContentOverridesAccumulation(t *testing.T) {
	t.Parallel()

	srv := sseServer(t, []string{
		`data: {"type":"delta","content":"draft"}`,
		`data: {"type":"final","content":"polished reply","sessionToken":"tok-1"}`,
	}, nil)
	defer srv.Close()

	runner := NewGatewayRunner(nil, srv.URL, "")
	ch, err := runner.Run(context.Background(), Request{Input: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collectEvents(t, ch)
	final := events[len(events)-1]
	if final.Type != EventFinal || final.Content != "polished reply" {
		t.Errorf("final = %+v, want explicit gateway content", final)
	}
}

func TestGatewayRunnerErrorChunk(t *testing.T) {
	t.Parallel()

	srv := sseServer(t, []string{
		`data: {"type":"text_delta","content":"par"}`,
		`data: {"type":"error","error":"model overloaded"}`,
	}, nil)
	defer srv.Close()

	runner := NewGatewayRunner(nil, srv.URL, "")
	ch, err := runner.Run(context.Background(), Request{Input: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collectEvents(t, ch)
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last event = %+v, want error", last)
	}
	if last.Err == nil || !strings.Contains(last.Err.Error(), "model overloaded") {
		t.Errorf("error = %v", last.Err)
	}
}

func TestGatewayRunnerStreamEndsWithoutTerminal(t *testing.T) {
	t.Parallel()

	srv := sseServer(t, []string{
		`data: {"type":"text_delta","content":"cut "}`,
		`data: {"type":"text_delta","content":"short"}`,
	}, nil)
	defer srv.Close()

	runner := NewGatewayRunner(nil, srv.URL, "")
	ch, err := runner.Run(context.Background(), Request{Input: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collectEvents(t, ch)
	final := events[len(events)-1]
	if final.Type != EventFinal || final.Content != "cut short" {
		t.Errorf("final = %+v, want accumulated text", final)
	}
}

func TestGatewayRunnerNonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	runner := NewGatewayRunner(nil, srv.URL, "wrong")
	if _, err := runner.Run(context.Background(), Request{Input: "hi"}); err == nil {
		t.Fatal("expected error for non-2xx response")
	} else if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %v, want status code mentioned", err)
	}
}

func TestGatewayRunnerSendsBearerToken(t *testing.T) {
	t.Parallel()

	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		fmt.Fprintln(w, `data: {"type":"done","content":"ok"}`)
	}))
	defer srv.Close()

	runner := NewGatewayRunner(nil, srv.URL, "tok-abc")
	ch, err := runner.Run(context.Background(), Request{Input: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	collectEvents(t, ch)
	if auth != "Bearer tok-abc" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestSelectorUnknownProvider(t *testing.T) {
	t.Parallel()

	sel := NewSelector(map[string]Runner{"gateway": NewGatewayRunner(nil, "http://localhost", "")})
	if _, err := sel.Runner("gateway"); err != nil {
		t.Fatalf("known provider: %v", err)
	}
	if _, err := sel.Runner("mystery"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
