package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dingstreamhq/dingstream/internal/agent"
	"github.com/dingstreamhq/dingstream/internal/dingtalk"
	"github.com/dingstreamhq/dingstream/internal/event"
	"github.com/dingstreamhq/dingstream/internal/session"
)

const defaultReplyTitle = "Reply"

const apologyText = "Sorry, something went wrong while I was writing a reply. Please try again."

// chatSender is the slice of the platform client the pipeline replies through.
// *dingtalk.Client satisfies it; tests substitute fakes.
type chatSender interface {
	SendWebhook(ctx context.Context, webhookURL, title, text string, expiresAt time.Time) error
	CreateCard(ctx context.Context, cred dingtalk.Credentials, in dingtalk.CreateCardInput) (*dingtalk.CardInstance, error)
	StreamCard(ctx context.Context, cred dingtalk.Credentials, card *dingtalk.CardInstance, text string, final bool) error
	FailCard(ctx context.Context, cred dingtalk.Credentials, card *dingtalk.CardInstance, text string) error
}

// runnerSource resolves an agent runner by provider name.
type runnerSource interface {
	Runner(provider string) (agent.Runner, error)
}

// memorySource supplies long-term memory snippets kept by an external
// service. Optional; a nil source means no memory is attached.
type memorySource interface {
	Snippet(ctx context.Context, accountID, targetID string) (string, error)
}

// Pipeline turns one accepted inbound message into a delivered reply:
// builtin commands, session bookkeeping, generation, and delivery by
// markdown webhook or streamed card.
type Pipeline struct {
	sender   chatSender
	sessions session.Store
	runners  runnerSource
	history  *History
	hub      *event.Hub
	memory   memorySource
	timeout  time.Duration
	logger   *slog.Logger
}

// SetMemorySource attaches a memory snippet provider. Call before the
// pipeline starts handling messages.
func (p *Pipeline) SetMemorySource(src memorySource) {
	p.memory = src
}

// NewPipeline wires a reply pipeline. hub may be nil.
func NewPipeline(log *slog.Logger, sender chatSender, sessions session.Store, runners runnerSource, history *History, hub *event.Hub, timeout time.Duration) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pipeline{
		sender:   sender,
		sessions: sessions,
		runners:  runners,
		history:  history,
		hub:      hub,
		timeout:  timeout,
		logger:   log.With(slog.String("component", "pipeline")),
	}
}

func (p *Pipeline) publishSessionUpdate(upd session.Update) {
	if p.hub != nil {
		p.hub.Publish(event.CategorySessionUpdate, upd)
	}
}

// Handle processes one extracted message end to end. It never returns an
// error: every failure degrades to a logged fallback so the stream read loop
// is unaffected.
func (p *Pipeline) Handle(ctx context.Context, cfg AccountConfig, msg InboundMessage, content Content) {
	if p.handleBuiltin(ctx, msg, content) {
		return
	}

	sess, created, err := p.sessions.GetOrCreate(ctx, cfg.ID, msg.TargetID(), msg.ConversationType.IsGroup())
	if err != nil {
		p.logger.Error("session lookup failed", slog.String("account_id", cfg.ID), slog.Any("error", err))
		p.apologize(ctx, msg)
		return
	}
	if created {
		p.publishSessionUpdate(session.Update{
			SessionID: sess.ID, AccountID: cfg.ID, TargetID: sess.TargetID, Kind: "created",
		})
	}

	turns := p.promptHistory(ctx, sess.ID, cfg.HistoryTurns)

	if err := p.sessions.RecordMessage(ctx, sess.ID, agent.RoleUser, content.Text); err != nil {
		p.logger.Warn("record user message failed", slog.Any("error", err))
	}
	p.history.Append(sess.ID, agent.RoleUser, content.Text)
	p.publishSessionUpdate(session.Update{
		SessionID: sess.ID, AccountID: cfg.ID, TargetID: sess.TargetID, Kind: "message",
	})

	runner, err := p.runners.Runner(cfg.Provider)
	if err != nil {
		p.logger.Error("no agent runner", slog.String("provider", cfg.Provider), slog.Any("error", err))
		p.apologize(ctx, msg)
		return
	}

	genCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	events, err := runner.Run(genCtx, agent.Request{
		System:       p.systemContext(genCtx, cfg, msg),
		History:      turns,
		Input:        content.Text,
		SessionToken: sess.Token,
	})
	if err != nil {
		p.logger.Error("generation start failed", slog.String("account_id", cfg.ID), slog.Any("error", err))
		p.apologize(ctx, msg)
		return
	}

	reply, token, err := p.deliver(ctx, cfg, msg, events)
	if err != nil {
		p.logger.Error("reply delivery failed", slog.String("account_id", cfg.ID), slog.Any("error", err))
		p.apologize(ctx, msg)
		return
	}

	if err := p.sessions.RecordMessage(ctx, sess.ID, agent.RoleAssistant, reply); err != nil {
		p.logger.Warn("record assistant message failed", slog.Any("error", err))
	}
	p.history.Append(sess.ID, agent.RoleAssistant, reply)
	if token != "" && token != sess.Token {
		if err := p.sessions.UpdateToken(ctx, sess.ID, token); err != nil {
			p.logger.Warn("store session token failed", slog.Any("error", err))
		}
	}

	p.maybeUpdateTitle(ctx, cfg, sess, content.Text)
}

// handleBuiltin intercepts operator commands and answers them directly,
// bypassing the agent.
func (p *Pipeline) handleBuiltin(ctx context.Context, msg InboundMessage, content Content) bool {
	command := strings.ToLower(strings.TrimSpace(content.Text))
	switch command {
	case "show my id", "my id":
		text := fmt.Sprintf("- Sender ID: `%s`\n- Conversation ID: `%s`\n- Conversation type: %s",
			msg.SenderID, msg.ConversationID, conversationLabel(msg.ConversationType))
		if err := p.sender.SendWebhook(ctx, msg.Webhook, "Your IDs", text, msg.WebhookExpiresAt); err != nil {
			p.logger.Warn("id reply failed", slog.Any("error", err))
		}
		return true
	}
	return false
}

func conversationLabel(t ConversationType) string {
	if t.IsGroup() {
		return "group"
	}
	return "private"
}

// promptHistory returns the prior turns fed to the model, newest last. The
// in-process ring is preferred; after a restart it falls back to the store.
func (p *Pipeline) promptHistory(ctx context.Context, sessionID string, limit int) []agent.Message {
	if turns := p.history.Snapshot(sessionID); len(turns) > 0 {
		out := make([]agent.Message, 0, len(turns))
		for _, turn := range turns {
			out = append(out, agent.Message{Role: turn.Role, Content: turn.Content})
		}
		return out
	}
	records, err := p.sessions.Messages(ctx, sessionID, limit)
	if err != nil {
		p.logger.Warn("load history failed", slog.Any("error", err))
		return nil
	}
	out := make([]agent.Message, 0, len(records))
	for _, rec := range records {
		out = append(out, agent.Message{Role: rec.Role, Content: rec.Content})
		p.history.Append(sessionID, rec.Role, rec.Content)
	}
	return out
}

// deliver consumes the generation stream and sends the reply. Card delivery
// streams deltas into the card; any card failure falls back to a plain
// webhook send of the full text.
func (p *Pipeline) deliver(ctx context.Context, cfg AccountConfig, msg InboundMessage, events <-chan agent.Event) (string, string, error) {
	var (
		full  strings.Builder
		token string
		card  *dingtalk.CardInstance
	)
	useCard := cfg.Delivery == DeliveryCard && cfg.CardTemplateID != ""
	if useCard {
		in := dingtalk.CreateCardInput{
			TemplateID: cfg.CardTemplateID,
			RobotCode:  cfg.RobotCode,
		}
		if msg.ConversationType.IsGroup() {
			in.OpenConversationID = msg.ConversationID
		} else {
			in.UserID = msg.SenderID
		}
		created, err := p.sender.CreateCard(ctx, cfg.Credentials(), in)
		if err != nil {
			p.logger.Warn("card create failed, falling back to webhook", slog.Any("error", err))
		} else {
			card = created
		}
	}

	for evt := range events {
		switch evt.Type {
		case agent.EventDelta:
			full.WriteString(evt.Content)
			if card != nil {
				if err := p.sender.StreamCard(ctx, cfg.Credentials(), card, full.String(), false); err != nil {
					p.logger.Warn("card stream failed, falling back to webhook", slog.Any("error", err))
					card = nil
				}
			}
		case agent.EventFinal:
			if evt.Content != "" {
				full.Reset()
				full.WriteString(evt.Content)
			}
			token = evt.SessionToken
		case agent.EventError:
			if card != nil {
				// Terminate the card so it does not linger with stale
				// partial content.
				if ferr := p.sender.FailCard(ctx, cfg.Credentials(), card, full.String()); ferr != nil {
					p.logger.Warn("card error finalize failed", slog.Any("error", ferr))
				}
			}
			return "", "", fmt.Errorf("generation: %w", evt.Err)
		}
	}

	reply := full.String()
	if strings.TrimSpace(reply) == "" {
		return "", "", fmt.Errorf("generation produced no content")
	}

	if card != nil {
		if err := p.sender.StreamCard(ctx, cfg.Credentials(), card, reply, true); err != nil {
			p.logger.Warn("card finalize failed, falling back to webhook", slog.Any("error", err))
			card = nil
		}
	}
	if card == nil {
		if err := p.sender.SendWebhook(ctx, msg.Webhook, replyTitle(cfg), reply, msg.WebhookExpiresAt); err != nil {
			return "", "", fmt.Errorf("webhook send: %w", err)
		}
	}
	return reply, token, nil
}

func replyTitle(cfg AccountConfig) string {
	if cfg.Persona.Name != "" {
		return cfg.Persona.Name
	}
	return defaultReplyTitle
}

// apologize sends a short failure notice over the session webhook. An expired
// webhook means the turn is silently lost.
func (p *Pipeline) apologize(ctx context.Context, msg InboundMessage) {
	err := p.sender.SendWebhook(ctx, msg.Webhook, defaultReplyTitle, apologyText, msg.WebhookExpiresAt)
	if err != nil && !isExpiredWebhook(err) {
		p.logger.Warn("apology send failed", slog.Any("error", err))
	}
}

func isExpiredWebhook(err error) bool {
	return errors.Is(err, dingtalk.ErrWebhookExpired)
}

// maybeUpdateTitle asks the agent for a short session title after the first
// and third user turns, asynchronously so delivery latency is unaffected.
func (p *Pipeline) maybeUpdateTitle(ctx context.Context, cfg AccountConfig, sess session.Session, latest string) {
	count, err := p.sessions.CountUserMessages(ctx, sess.ID)
	if err != nil {
		p.logger.Warn("count user messages failed", slog.Any("error", err))
		return
	}
	if count != 1 && count != 3 {
		return
	}
	runner, err := p.runners.Runner(cfg.Provider)
	if err != nil {
		return
	}
	go func() {
		titleCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		events, err := runner.Run(titleCtx, agent.Request{
			System: "Summarize the conversation topic as a title of at most six words. Reply with the title only.",
			Input:  latest,
		})
		if err != nil {
			p.logger.Debug("title generation failed", slog.Any("error", err))
			return
		}
		var title string
		for evt := range events {
			if evt.Type == agent.EventFinal {
				title = strings.TrimSpace(evt.Content)
			}
		}
		if title == "" {
			return
		}
		if err := p.sessions.UpdateTitle(titleCtx, sess.ID, title); err != nil {
			p.logger.Debug("title update failed", slog.Any("error", err))
			return
		}
		p.publishSessionUpdate(session.Update{
			SessionID: sess.ID, AccountID: cfg.ID, TargetID: sess.TargetID, Kind: "title", Title: title,
		})
	}()
}

// buildSystemContext composes the persona and situational notes fed to the
// model as the system prompt.
// systemContext appends the external memory snippet, when one is available,
// to the persona and situation sections.
func (p *Pipeline) systemContext(ctx context.Context, cfg AccountConfig, msg InboundMessage) string {
	base := buildSystemContext(cfg, msg)
	if p.memory == nil {
		return base
	}
	snippet, err := p.memory.Snippet(ctx, cfg.ID, msg.TargetID())
	if err != nil {
		p.logger.Warn("memory snippet unavailable", slog.Any("error", err))
		return base
	}
	snippet = strings.TrimSpace(snippet)
	if snippet == "" {
		return base
	}
	return base + "\n## Memory\n" + snippet + "\n"
}

func buildSystemContext(cfg AccountConfig, msg InboundMessage) string {
	var b strings.Builder
	persona := cfg.Persona
	if persona.Name != "" {
		fmt.Fprintf(&b, "You are %s.\n", persona.Name)
	}
	for _, section := range []struct {
		label string
		text  string
	}{
		{"Identity", persona.Identity},
		{"Values", persona.Values},
		{"Relationship", persona.Relationship},
		{"Guidelines", persona.Guidelines},
	} {
		if strings.TrimSpace(section.text) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", section.label, strings.TrimSpace(section.text))
	}
	b.WriteString("\n## Situation\n")
	if msg.ConversationType.IsGroup() {
		title := msg.ConversationTitle
		if title == "" {
			title = "a group chat"
		}
		fmt.Fprintf(&b, "You are speaking in %s.", title)
	} else {
		b.WriteString("You are in a private chat.")
	}
	if msg.SenderNick != "" {
		fmt.Fprintf(&b, " The current speaker is %s.", msg.SenderNick)
	}
	fmt.Fprintf(&b, "\nCurrent time: %s.\n", time.Now().Format("2006-01-02 15:04 MST"))
	return b.String()
}
