// Package connector bridges DingTalk stream-mode robot accounts to the reply
// pipeline: connection lifecycle, frame dispatch, deduplication, access
// control, content extraction, and proactive delivery.
package connector

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dingstreamhq/dingstream/internal/dingtalk"
)

// ConversationType is the platform's chat classification.
type ConversationType string

const (
	ConversationPrivate ConversationType = "1"
	ConversationGroup   ConversationType = "2"
)

// IsGroup reports whether the conversation is a group chat.
func (t ConversationType) IsGroup() bool {
	return t == ConversationGroup
}

// AccessMode is a per-scope access policy.
type AccessMode string

const (
	AccessOpen      AccessMode = "open"
	AccessAllowlist AccessMode = "allowlist"
)

// DeliveryMode selects how replies are rendered.
type DeliveryMode string

const (
	DeliveryMarkdown DeliveryMode = "markdown"
	DeliveryCard     DeliveryMode = "card"
)

// AccessPolicy controls which senders and groups the account answers.
// The allowlist holds conversation ids for group chats and sender ids for
// private chats. An unset mode means open.
type AccessPolicy struct {
	Private   AccessMode
	Group     AccessMode
	Allowlist []string
}

func (p AccessPolicy) contains(id string) bool {
	for _, item := range p.Allowlist {
		if item == id {
			return true
		}
	}
	return false
}

// ReconnectPolicy tunes the backoff reconnection loop.
type ReconnectPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       float64
}

// Persona holds the identity text fields combined into the system context.
type Persona struct {
	Name         string
	Identity     string
	Values       string
	Relationship string
	Guidelines   string
}

// AccountConfig is an immutable snapshot of one robot account's settings.
// The connection holds it by pointer swap, so it is replaceable in place
// without reconnecting.
type AccountConfig struct {
	ID        string
	AppKey    string
	AppSecret string
	RobotCode string

	Persona   Persona
	Access    AccessPolicy
	Reconnect ReconnectPolicy

	Delivery       DeliveryMode
	CardTemplateID string
	OwnerIDs       []string

	Provider     string
	HistoryTurns int
	MediaDir     string
}

// Credentials returns the platform credentials for this account.
func (c AccountConfig) Credentials() dingtalk.Credentials {
	return dingtalk.Credentials{AppKey: c.AppKey, AppSecret: c.AppSecret}
}

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// StatusEvent is published on the hub whenever a connection changes state.
type StatusEvent struct {
	AccountID string    `json:"account_id"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// RichTextNode is one run of an inbound rich-text payload: either a text run
// or an embedded image referenced by download code.
type RichTextNode struct {
	Text         string `json:"text,omitempty"`
	Type         string `json:"type,omitempty"`
	DownloadCode string `json:"downloadCode,omitempty"`
}

// InboundMessage is a normalized inbound robot message. It is transient: it
// lives for one pipeline pass and is never persisted.
type InboundMessage struct {
	AccountID string
	MsgID     string
	MsgType   string

	ConversationType  ConversationType
	ConversationID    string
	ConversationTitle string
	SenderID          string
	SenderNick        string

	Webhook          string
	WebhookExpiresAt time.Time

	Text         string
	DownloadCode string
	FileName     string
	RichText     []RichTextNode
}

// DedupKey is the process-wide deduplication key for this message.
func (m InboundMessage) DedupKey() string {
	return m.AccountID + ":" + m.MsgID
}

// TargetID returns the id a reply or proactive send is addressed to.
func (m InboundMessage) TargetID() string {
	if m.ConversationType.IsGroup() {
		return m.ConversationID
	}
	return m.SenderID
}

// botMessagePayload is the wire shape of the bot-message callback data.
type botMessagePayload struct {
	MsgID                     string `json:"msgId"`
	MsgType                   string `json:"msgtype"`
	ConversationType          string `json:"conversationType"`
	ConversationID            string `json:"conversationId"`
	ConversationTitle         string `json:"conversationTitle"`
	SenderStaffID             string `json:"senderStaffId"`
	SenderID                  string `json:"senderId"`
	SenderNick                string `json:"senderNick"`
	SessionWebhook            string `json:"sessionWebhook"`
	SessionWebhookExpiredTime int64  `json:"sessionWebhookExpiredTime"`
	Text                      struct {
		Content string `json:"content"`
	} `json:"text"`
	Content struct {
		DownloadCode string         `json:"downloadCode"`
		FileName     string         `json:"fileName"`
		RichText     []RichTextNode `json:"richText"`
	} `json:"content"`
}

// parseInbound decodes a bot-message callback payload into an InboundMessage.
func parseInbound(accountID string, data []byte) (InboundMessage, error) {
	var payload botMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return InboundMessage{}, err
	}
	senderID := strings.TrimSpace(payload.SenderStaffID)
	if senderID == "" {
		senderID = strings.TrimSpace(payload.SenderID)
	}
	msg := InboundMessage{
		AccountID:         accountID,
		MsgID:             strings.TrimSpace(payload.MsgID),
		MsgType:           strings.TrimSpace(payload.MsgType),
		ConversationType:  ConversationType(strings.TrimSpace(payload.ConversationType)),
		ConversationID:    strings.TrimSpace(payload.ConversationID),
		ConversationTitle: strings.TrimSpace(payload.ConversationTitle),
		SenderID:          senderID,
		SenderNick:        strings.TrimSpace(payload.SenderNick),
		Webhook:           strings.TrimSpace(payload.SessionWebhook),
		Text:              payload.Text.Content,
		DownloadCode:      strings.TrimSpace(payload.Content.DownloadCode),
		FileName:          strings.TrimSpace(payload.Content.FileName),
		RichText:          payload.Content.RichText,
	}
	if payload.SessionWebhookExpiredTime > 0 {
		msg.WebhookExpiresAt = time.UnixMilli(payload.SessionWebhookExpiredTime)
	}
	return msg, nil
}
