package connector

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dingstreamhq/dingstream/internal/dingtalk"
)

// ackSender sends an acknowledgement frame back on the stream socket.
type ackSender interface {
	SendAck(ack dingtalk.AckFrame) error
}

// MessageHandler receives the parsed inbound messages the dispatcher accepts.
type MessageHandler func(msg InboundMessage)

// Dispatcher decodes raw stream frames, acknowledges every one, and routes
// bot-message callbacks to the handler. Everything else (system frames,
// unknown topics, events) is acknowledged and dropped.
type Dispatcher struct {
	accountID string
	handler   MessageHandler
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher for one account.
func NewDispatcher(log *slog.Logger, accountID string, handler MessageHandler) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		accountID: accountID,
		handler:   handler,
		logger: log.With(
			slog.String("component", "dispatcher"),
			slog.String("account_id", accountID),
		),
	}
}

// Dispatch processes one raw frame off the socket. A frame that does not
// decode as JSON is dropped without an ack; there is nothing to echo back.
func (d *Dispatcher) Dispatch(raw []byte, sender ackSender) error {
	var frame dingtalk.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		d.logger.Warn("dropping malformed frame", slog.Any("error", err))
		return nil
	}
	// Ack first so the platform never redelivers on slow handling.
	if err := sender.SendAck(dingtalk.NewAck(frame)); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}
	switch frame.Type {
	case dingtalk.FrameTypeCallback:
		if frame.Headers.Topic != dingtalk.TopicBotMessage {
			d.logger.Debug("ignoring callback topic", slog.String("topic", frame.Headers.Topic))
			return nil
		}
		msg, err := parseInbound(d.accountID, []byte(frame.Data))
		if err != nil {
			d.logger.Warn("dropping undecodable bot message",
				slog.String("message_id", frame.Headers.MessageID),
				slog.Any("error", err),
			)
			return nil
		}
		if d.handler != nil {
			d.handler(msg)
		}
	case dingtalk.FrameTypeSystem, dingtalk.FrameTypeEvent:
		d.logger.Debug("acknowledged frame",
			slog.String("type", frame.Type),
			slog.String("topic", frame.Headers.Topic),
		)
	default:
		d.logger.Debug("acknowledged unknown frame type", slog.String("type", frame.Type))
	}
	return nil
}
