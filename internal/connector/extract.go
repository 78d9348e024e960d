package connector

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/dingstreamhq/dingstream/internal/dingtalk"
)

// Content is the canonical extraction result: a text rendition plus local
// paths of any downloaded attachments. Extraction never fails a turn; media
// errors degrade to placeholder text.
type Content struct {
	Text        string
	Attachments []string
}

// IsEmpty reports whether nothing usable was extracted.
func (c Content) IsEmpty() bool {
	return strings.TrimSpace(c.Text) == "" && len(c.Attachments) == 0
}

// mediaDownloader is the slice of the platform client extraction needs.
type mediaDownloader interface {
	DownloadFile(ctx context.Context, cred dingtalk.Credentials, robotCode, downloadCode, destDir, fileName string) (string, error)
}

// Extractor normalizes inbound payloads into Content.
type Extractor struct {
	media  mediaDownloader
	logger *slog.Logger
}

// NewExtractor creates an Extractor backed by the given media downloader.
func NewExtractor(log *slog.Logger, media mediaDownloader) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{
		media:  media,
		logger: log.With(slog.String("component", "extractor")),
	}
}

var leadingMention = regexp.MustCompile(`^@\S+\s*`)

// StripMention removes one leading @mention token from text.
func StripMention(text string) string {
	return strings.TrimSpace(leadingMention.ReplaceAllString(strings.TrimSpace(text), ""))
}

// Extract converts an inbound message into Content. Unknown message types
// fall back to any raw text field or a generic placeholder.
func (e *Extractor) Extract(ctx context.Context, cfg AccountConfig, msg InboundMessage) Content {
	switch msg.MsgType {
	case "text":
		return Content{Text: StripMention(msg.Text)}
	case "audio":
		return e.extractMedia(ctx, cfg, msg, "voice message")
	case "picture":
		return e.extractMedia(ctx, cfg, msg, "image")
	case "video":
		return e.extractMedia(ctx, cfg, msg, "video")
	case "file":
		return e.extractMedia(ctx, cfg, msg, "file")
	case "richText":
		return e.extractRichText(ctx, cfg, msg)
	default:
		if text := StripMention(msg.Text); text != "" {
			return Content{Text: text}
		}
		return Content{Text: fmt.Sprintf("[Unsupported message type: %s]", msg.MsgType)}
	}
}

func (e *Extractor) extractMedia(ctx context.Context, cfg AccountConfig, msg InboundMessage, kind string) Content {
	if msg.DownloadCode == "" {
		return Content{Text: fmt.Sprintf("[Received a %s, content unavailable]", kind)}
	}
	path, err := e.media.DownloadFile(ctx, cfg.Credentials(), cfg.RobotCode, msg.DownloadCode, cfg.MediaDir, msg.FileName)
	if err != nil {
		e.logger.Warn("media download failed",
			slog.String("account_id", cfg.ID),
			slog.String("msg_type", msg.MsgType),
			slog.Any("error", err),
		)
		return Content{Text: fmt.Sprintf("[Received a %s, download failed]", kind)}
	}
	label := msg.FileName
	if label == "" {
		label = path
	}
	return Content{
		Text:        fmt.Sprintf("[Received a %s: %s]", kind, label),
		Attachments: []string{path},
	}
}

func (e *Extractor) extractRichText(ctx context.Context, cfg AccountConfig, msg InboundMessage) Content {
	var parts []string
	var attachments []string
	for _, node := range msg.RichText {
		if text := strings.TrimSpace(node.Text); text != "" {
			parts = append(parts, text)
			continue
		}
		if node.DownloadCode == "" {
			continue
		}
		path, err := e.media.DownloadFile(ctx, cfg.Credentials(), cfg.RobotCode, node.DownloadCode, cfg.MediaDir, "")
		if err != nil {
			e.logger.Warn("rich text image download failed",
				slog.String("account_id", cfg.ID),
				slog.Any("error", err),
			)
			parts = append(parts, "[image unavailable]")
			continue
		}
		parts = append(parts, fmt.Sprintf("[image: %s]", path))
		attachments = append(attachments, path)
	}
	text := StripMention(strings.Join(parts, " "))
	if text == "" && len(attachments) == 0 {
		text = "[Empty rich text message]"
	}
	return Content{Text: text, Attachments: attachments}
}
