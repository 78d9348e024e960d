package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dingstreamhq/dingstream/internal/dingtalk"
)

// ErrNoTarget marks a proactive send with no resolvable recipient.
var ErrNoTarget = errors.New("no proactive target available")

// ErrAllTargetsFailed marks a proactive send where every target failed.
var ErrAllTargetsFailed = errors.New("all proactive targets failed")

// proactiveClient is the slice of the platform client proactive sends use.
type proactiveClient interface {
	SendToUsers(ctx context.Context, cred dingtalk.Credentials, robotCode string, userIDs []string, title, text string) error
	SendToGroup(ctx context.Context, cred dingtalk.Credentials, robotCode, openConversationID, title, text string) error
	SendMediaToUsers(ctx context.Context, cred dingtalk.Credentials, robotCode string, userIDs []string, msg dingtalk.MediaMessage) error
	SendMediaToGroup(ctx context.Context, cred dingtalk.Credentials, robotCode, openConversationID string, msg dingtalk.MediaMessage) error
	UploadMedia(ctx context.Context, cred dingtalk.Credentials, kind dingtalk.MediaKind, path string) (string, error)
}

// Target is one proactive recipient.
type Target struct {
	ID      string `json:"id"`
	IsGroup bool   `json:"is_group"`
}

// Send statuses per target.
const (
	SendStatusSent    = "sent"
	SendStatusSkipped = "skipped_high_risk"
	SendStatusFailed  = "failed"
)

// SendResult is the per-target outcome of a proactive send.
type SendResult struct {
	Target Target `json:"target"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ProactiveSender pushes unsolicited messages through robot send APIs,
// tracking per-target delivery risk: a permission-denied target is flagged
// and skipped on later sends until the flag expires or a send succeeds.
type ProactiveSender struct {
	client   proactiveClient
	risk     *RiskStore
	lastSeen *LastSeenStore
	logger   *slog.Logger
}

// NewProactiveSender wires a proactive sender.
func NewProactiveSender(log *slog.Logger, client proactiveClient, risk *RiskStore, lastSeen *LastSeenStore) *ProactiveSender {
	if log == nil {
		log = slog.Default()
	}
	return &ProactiveSender{
		client:   client,
		risk:     risk,
		lastSeen: lastSeen,
		logger:   log.With(slog.String("component", "proactive")),
	}
}

// ResolveTargets picks the recipients for a proactive send: explicit targets
// when given, else the account owners, else every last-seen conversation.
func (p *ProactiveSender) ResolveTargets(cfg AccountConfig, explicit []Target) ([]Target, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	if len(cfg.OwnerIDs) > 0 {
		out := make([]Target, 0, len(cfg.OwnerIDs))
		for _, id := range cfg.OwnerIDs {
			out = append(out, Target{ID: id})
		}
		return out, nil
	}
	if seen := p.lastSeen.List(cfg.ID); len(seen) > 0 {
		out := make([]Target, 0, len(seen))
		for _, entry := range seen {
			out = append(out, Target{ID: entry.ID, IsGroup: entry.IsGroup})
		}
		return out, nil
	}
	return nil, ErrNoTarget
}

// SendText pushes a markdown message to each resolved target. The returned
// error is non-nil only when no target could be resolved or every target
// failed; partial failure is reported through the per-target results.
func (p *ProactiveSender) SendText(ctx context.Context, cfg AccountConfig, targets []Target, title, text string) ([]SendResult, error) {
	resolved, err := p.ResolveTargets(cfg, targets)
	if err != nil {
		return nil, err
	}
	return p.fanOut(cfg, resolved, func(target Target) error {
		if target.IsGroup {
			return p.client.SendToGroup(ctx, cfg.Credentials(), cfg.RobotCode, target.ID, title, text)
		}
		return p.client.SendToUsers(ctx, cfg.Credentials(), cfg.RobotCode, []string{target.ID}, title, text)
	})
}

// SendMedia uploads the local file once and pushes it to each resolved
// target. Oversized media is degraded or rejected by the upload step.
func (p *ProactiveSender) SendMedia(ctx context.Context, cfg AccountConfig, targets []Target, path string) ([]SendResult, error) {
	resolved, err := p.ResolveTargets(cfg, targets)
	if err != nil {
		return nil, err
	}
	kind := dingtalk.KindForPath(path)
	mediaID, err := p.client.UploadMedia(ctx, cfg.Credentials(), kind, path)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	msg := dingtalk.MediaMessage{MediaID: mediaID, MediaKind: kind, FileName: path}
	return p.fanOut(cfg, resolved, func(target Target) error {
		if target.IsGroup {
			return p.client.SendMediaToGroup(ctx, cfg.Credentials(), cfg.RobotCode, target.ID, msg)
		}
		return p.client.SendMediaToUsers(ctx, cfg.Credentials(), cfg.RobotCode, []string{target.ID}, msg)
	})
}

func (p *ProactiveSender) fanOut(cfg AccountConfig, targets []Target, send func(Target) error) ([]SendResult, error) {
	results := make([]SendResult, 0, len(targets))
	sent := 0
	for _, target := range targets {
		if p.risk.IsHighRisk(cfg.ID, target.ID) {
			p.logger.Info("skipping high-risk target",
				slog.String("account_id", cfg.ID),
				slog.String("target_id", target.ID),
			)
			results = append(results, SendResult{Target: target, Status: SendStatusSkipped})
			continue
		}
		if err := send(target); err != nil {
			if dingtalk.IsPermissionDenied(err) {
				p.risk.Flag(cfg.ID, target.ID, err.Error())
				p.logger.Warn("target flagged high-risk",
					slog.String("account_id", cfg.ID),
					slog.String("target_id", target.ID),
					slog.Any("error", err),
				)
			} else {
				p.logger.Warn("proactive send failed",
					slog.String("account_id", cfg.ID),
					slog.String("target_id", target.ID),
					slog.Any("error", err),
				)
			}
			results = append(results, SendResult{Target: target, Status: SendStatusFailed, Error: err.Error()})
			continue
		}
		p.risk.Clear(cfg.ID, target.ID)
		results = append(results, SendResult{Target: target, Status: SendStatusSent})
		sent++
	}
	if sent == 0 && len(targets) > 0 {
		return results, ErrAllTargetsFailed
	}
	return results, nil
}
