package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIRunner streams chat completions from an OpenAI-compatible endpoint.
type OpenAIRunner struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIRunner creates a runner against the given API key and model.
// baseURL overrides the default endpoint when non-empty.
func NewOpenAIRunner(log *slog.Logger, apiKey, baseURL, model string) *OpenAIRunner {
	if log == nil {
		log = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIRunner{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: log.With(slog.String("component", "agent"), slog.String("provider", "openai")),
	}
}

func (r *OpenAIRunner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, turn := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Input,
	})

	stream, err := r.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create completion stream: %w", err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer stream.Close()
		var full strings.Builder
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				events <- Event{Type: EventFinal, Content: full.String()}
				return
			}
			if err != nil {
				r.logger.Warn("completion stream failed", slog.Any("error", err))
				events <- Event{Type: EventError, Err: err}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			full.WriteString(delta)
			select {
			case events <- Event{Type: EventDelta, Content: delta}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
