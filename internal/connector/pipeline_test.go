package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dingstreamhq/dingstream/internal/agent"
	"github.com/dingstreamhq/dingstream/internal/dingtalk"
	"github.com/dingstreamhq/dingstream/internal/session"
)

type webhookSend struct {
	URL   string
	Title string
	Text  string
}

type fakeChatSender struct {
	webhookErr   error
	createErr    error
	streamErr    error
	finalizeErr  error
	webhooks     []webhookSend
	cardStreams  []string
	cardFinals   []string
	cardFailures []string
	createdCards int
}

func (f *fakeChatSender) SendWebhook(_ context.Context, url, title, text string, expiresAt time.Time) error {
	if !expiresAt.IsZero() && time.Now().After(expiresAt) {
		return dingtalk.ErrWebhookExpired
	}
	if f.webhookErr != nil {
		return f.webhookErr
	}
	f.webhooks = append(f.webhooks, webhookSend{URL: url, Title: title, Text: text})
	return nil
}

func (f *fakeChatSender) CreateCard(context.Context, dingtalk.Credentials, dingtalk.CreateCardInput) (*dingtalk.CardInstance, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.createdCards++
	return &dingtalk.CardInstance{OutTrackID: "track-1", ContentKey: "content"}, nil
}

func (f *fakeChatSender) StreamCard(_ context.Context, _ dingtalk.Credentials, _ *dingtalk.CardInstance, text string, final bool) error {
	if final {
		if f.finalizeErr != nil {
			return f.finalizeErr
		}
		f.cardFinals = append(f.cardFinals, text)
		return nil
	}
	if f.streamErr != nil {
		return f.streamErr
	}
	f.cardStreams = append(f.cardStreams, text)
	return nil
}

func (f *fakeChatSender) FailCard(_ context.Context, _ dingtalk.Credentials, _ *dingtalk.CardInstance, text string) error {
	f.cardFailures = append(f.cardFailures, text)
	return nil
}

type fakeRunner struct {
	events  []agent.Event
	err     error
	calls   int
	lastReq agent.Request
}

func (f *fakeRunner) Run(ctx context.Context, req agent.Request) (<-chan agent.Event, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan agent.Event, len(f.events))
	for _, evt := range f.events {
		ch <- evt
	}
	close(ch)
	return ch, nil
}

type fakeRunnerSource struct {
	runner agent.Runner
}

func (f *fakeRunnerSource) Runner(string) (agent.Runner, error) {
	if f.runner == nil {
		return nil, errors.New("no runner")
	}
	return f.runner, nil
}

func streamEvents(chunks ...string) []agent.Event {
	events := make([]agent.Event, 0, len(chunks)+1)
	for _, chunk := range chunks {
		events = append(events, agent.Event{Type: agent.EventDelta, Content: chunk})
	}
	events = append(events, agent.Event{Type: agent.EventFinal})
	return events
}

func inbound(text string) InboundMessage {
	return InboundMessage{
		AccountID:        "acc-1",
		MsgID:            "m-1",
		MsgType:          "text",
		ConversationType: ConversationPrivate,
		SenderID:         "u1",
		Webhook:          "https://hook.test/session",
		WebhookExpiresAt: time.Now().Add(time.Hour),
		Text:             text,
	}
}

func newTestPipeline(sender *fakeChatSender, runner agent.Runner) (*Pipeline, *session.MemoryStore) {
	store := session.NewMemoryStore()
	p := NewPipeline(slog.Default(), sender, store, &fakeRunnerSource{runner: runner}, NewHistory(20), nil, time.Second)
	return p, store
}

func TestPipeline_MarkdownReply(t *testing.T) {
	t.Parallel()

	sender := &fakeChatSender{}
	runner := &fakeRunner{events: streamEvents("Hello", ", world")}
	p, store := newTestPipeline(sender, runner)

	cfg := AccountConfig{ID: "acc-1", Provider: "openai", Delivery: DeliveryMarkdown, HistoryTurns: 20, Persona: Persona{Name: "Ding"}}
	p.Handle(context.Background(), cfg, inbound("hi"), Content{Text: "hi"})

	require.Len(t, sender.webhooks, 1)
	require.Equal(t, "Hello, world", sender.webhooks[0].Text)
	require.Equal(t, "Ding", sender.webhooks[0].Title)

	sess, created, err := store.GetOrCreate(context.Background(), "acc-1", "u1", false)
	require.NoError(t, err)
	require.False(t, created, "session should already exist")
	records, err := store.Messages(context.Background(), sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, agent.RoleUser, records[0].Role)
	require.Equal(t, agent.RoleAssistant, records[1].Role)
	require.Equal(t, "Hello, world", records[1].Content)
}

func TestPipeline_ShowMyIDShortCircuits(t *testing.T) {
	t.Parallel()

	sender := &fakeChatSender{}
	runner := &fakeRunner{events: streamEvents("should not run")}
	p, store := newTestPipeline(sender, runner)

	msg := inbound("@bot show my id")
	msg.ConversationID = "cid-7"
	p.Handle(context.Background(), AccountConfig{ID: "acc-1", Provider: "openai"}, msg, Content{Text: "show my id"})

	require.Zero(t, runner.calls, "builtin must not reach the agent")
	require.Len(t, sender.webhooks, 1)
	require.Contains(t, sender.webhooks[0].Text, "u1")
	require.Contains(t, sender.webhooks[0].Text, "cid-7")

	_, created, err := store.GetOrCreate(context.Background(), "acc-1", "u1", false)
	require.NoError(t, err)
	require.True(t, created, "builtin must not create a session")
}

func TestPipeline_CardDeliveryStreams(t *testing.T) {
	t.Parallel()

	sender := &fakeChatSender{}
	runner := &fakeRunner{events: streamEvents("chunk one ", "chunk two")}
	p, _ := newTestPipeline(sender, runner)

	cfg := AccountConfig{
		ID: "acc-1", Provider: "openai", HistoryTurns: 20,
		Delivery: DeliveryCard, CardTemplateID: "tmpl-1",
	}
	p.Handle(context.Background(), cfg, inbound("hi"), Content{Text: "hi"})

	require.Equal(t, 1, sender.createdCards)
	require.NotEmpty(t, sender.cardStreams)
	require.Len(t, sender.cardFinals, 1)
	require.Equal(t, "chunk one chunk two", sender.cardFinals[0])
	require.Empty(t, sender.webhooks, "card delivery must not also send a webhook")
}

func TestPipeline_CardCreateFailureFallsBackToWebhook(t *testing.T) {
	t.Parallel()

	sender := &fakeChatSender{createErr: errors.New("card api down")}
	runner := &fakeRunner{events: streamEvents("full reply")}
	p, _ := newTestPipeline(sender, runner)

	cfg := AccountConfig{
		ID: "acc-1", Provider: "openai", HistoryTurns: 20,
		Delivery: DeliveryCard, CardTemplateID: "tmpl-1",
	}
	p.Handle(context.Background(), cfg, inbound("hi"), Content{Text: "hi"})

	require.Len(t, sender.webhooks, 1)
	require.Equal(t, "full reply", sender.webhooks[0].Text)
}

func TestPipeline_CardFinalizeFailureFallsBackToWebhook(t *testing.T) {
	t.Parallel()

	sender := &fakeChatSender{finalizeErr: errors.New("stream api down")}
	runner := &fakeRunner{events: streamEvents("full reply")}
	p, _ := newTestPipeline(sender, runner)

	cfg := AccountConfig{
		ID: "acc-1", Provider: "openai", HistoryTurns: 20,
		Delivery: DeliveryCard, CardTemplateID: "tmpl-1",
	}
	p.Handle(context.Background(), cfg, inbound("hi"), Content{Text: "hi"})

	require.Len(t, sender.webhooks, 1)
	require.Equal(t, "full reply", sender.webhooks[0].Text)
}

func TestPipeline_GenerationErrorSendsApology(t *testing.T) {
	t.Parallel()

	sender := &fakeChatSender{}
	runner := &fakeRunner{err: errors.New("model offline")}
	p, _ := newTestPipeline(sender, runner)

	p.Handle(context.Background(), AccountConfig{ID: "acc-1", Provider: "openai", HistoryTurns: 20}, inbound("hi"), Content{Text: "hi"})

	require.Len(t, sender.webhooks, 1)
	require.True(t, strings.Contains(sender.webhooks[0].Text, "Sorry"))
}

func TestPipeline_StreamErrorSendsApology(t *testing.T) {
	t.Parallel()

	sender := &fakeChatSender{}
	runner := &fakeRunner{events: []agent.Event{
		{Type: agent.EventDelta, Content: "partial"},
		{Type: agent.EventError, Err: errors.New("stream cut")},
	}}
	p, _ := newTestPipeline(sender, runner)

	p.Handle(context.Background(), AccountConfig{ID: "acc-1", Provider: "openai", HistoryTurns: 20}, inbound("hi"), Content{Text: "hi"})

	require.Len(t, sender.webhooks, 1)
	require.Contains(t, sender.webhooks[0].Text, "Sorry")
}

func TestPipeline_StreamErrorTerminatesCard(t *testing.T) {
	t.Parallel()

	sender := &fakeChatSender{}
	runner := &fakeRunner{events: []agent.Event{
		{Type: agent.EventDelta, Content: "partial"},
		{Type: agent.EventError, Err: errors.New("stream cut")},
	}}
	p, _ := newTestPipeline(sender, runner)

	cfg := AccountConfig{
		ID: "acc-1", Provider: "openai", HistoryTurns: 20,
		Delivery: DeliveryCard, CardTemplateID: "tmpl-1",
	}
	p.Handle(context.Background(), cfg, inbound("hi"), Content{Text: "hi"})

	require.Len(t, sender.cardFailures, 1, "live card must get a terminating error push")
	require.Equal(t, "partial", sender.cardFailures[0])
	require.Empty(t, sender.cardFinals)
	require.Len(t, sender.webhooks, 1)
	require.Contains(t, sender.webhooks[0].Text, "Sorry")
}

func TestIsExpiredWebhook(t *testing.T) {
	t.Parallel()

	require.True(t, isExpiredWebhook(dingtalk.ErrWebhookExpired))
	require.True(t, isExpiredWebhook(fmt.Errorf("webhook send: %w", dingtalk.ErrWebhookExpired)))
	require.False(t, isExpiredWebhook(errors.New("session webhook expired upstream")))
	require.False(t, isExpiredWebhook(nil))
}

func TestPipeline_SessionTokenStored(t *testing.T) {
	t.Parallel()

	sender := &fakeChatSender{}
	runner := &fakeRunner{events: []agent.Event{
		{Type: agent.EventDelta, Content: "reply"},
		{Type: agent.EventFinal, SessionToken: "resume-token"},
	}}
	p, store := newTestPipeline(sender, runner)

	p.Handle(context.Background(), AccountConfig{ID: "acc-1", Provider: "gateway", HistoryTurns: 20}, inbound("hi"), Content{Text: "hi"})

	sess, _, err := store.GetOrCreate(context.Background(), "acc-1", "u1", false)
	require.NoError(t, err)
	require.Equal(t, "resume-token", sess.Token)
}

type fakeMemorySource struct {
	snippet string
	err     error
}

func (f *fakeMemorySource) Snippet(ctx context.Context, accountID, targetID string) (string, error) {
	return f.snippet, f.err
}

func TestPipeline_SystemContextIncludesMemory(t *testing.T) {
	t.Parallel()

	sender := &fakeChatSender{}
	runner := &fakeRunner{events: streamEvents("ok")}
	p, _ := newTestPipeline(sender, runner)
	p.SetMemorySource(&fakeMemorySource{snippet: "User prefers short answers."})

	cfg := AccountConfig{ID: "acc-1", Provider: "openai", HistoryTurns: 20, Persona: Persona{Name: "Ding"}}
	p.Handle(context.Background(), cfg, inbound("hi"), Content{Text: "hi"})

	require.Contains(t, runner.lastReq.System, "## Memory")
	require.Contains(t, runner.lastReq.System, "User prefers short answers.")
}

func TestPipeline_MemoryFailureSkipsSection(t *testing.T) {
	t.Parallel()

	sender := &fakeChatSender{}
	runner := &fakeRunner{events: streamEvents("ok")}
	p, _ := newTestPipeline(sender, runner)
	p.SetMemorySource(&fakeMemorySource{err: errors.New("memory service down")})

	p.Handle(context.Background(), AccountConfig{ID: "acc-1", Provider: "openai", HistoryTurns: 20}, inbound("hi"), Content{Text: "hi"})

	require.Len(t, sender.webhooks, 1, "reply still delivered")
	require.NotContains(t, runner.lastReq.System, "## Memory")
}
