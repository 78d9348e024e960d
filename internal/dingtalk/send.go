package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SendWebhook posts a reply through an inbound message's session webhook. The
// webhook expires server-side; expiresAt is checked first so a lapsed channel
// fails fast without a network call.
func (c *Client) SendWebhook(ctx context.Context, webhookURL, title, text string, expiresAt time.Time) error {
	if strings.TrimSpace(webhookURL) == "" {
		return fmt.Errorf("webhook url is required")
	}
	if !expiresAt.IsZero() && time.Now().After(expiresAt) {
		return ErrWebhookExpired
	}
	if strings.TrimSpace(title) == "" {
		title = "Reply"
	}
	payload := map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": title,
			"text":  text,
		},
	}
	var resp struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := c.postJSON(ctx, webhookURL, nil, payload, &resp); err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	if resp.ErrCode != 0 {
		return fmt.Errorf("webhook send: %w", &APIError{
			StatusCode: 200,
			Code:       fmt.Sprintf("%d", resp.ErrCode),
			Message:    resp.ErrMsg,
		})
	}
	return nil
}

// sendResponse is the shared response shape of the robot send endpoints.
type sendResponse struct {
	ProcessQueryKey  string   `json:"processQueryKey"`
	InvalidStaffIDs  []string `json:"invalidStaffIdList"`
	FlowControlIDs   []string `json:"flowControlledStaffIdList"`
	InvalidUserCount int      `json:"invalidUserCount"`
}

// SendToUsers delivers a markdown message to one or more users outside any
// reply window, via the restricted batch direct-send API.
func (c *Client) SendToUsers(ctx context.Context, cred Credentials, robotCode string, userIDs []string, title, text string) error {
	if len(userIDs) == 0 {
		return fmt.Errorf("user ids are required")
	}
	msgParam, err := markdownParam(title, text)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"robotCode": robotCode,
		"userIds":   userIDs,
		"msgKey":    "sampleMarkdown",
		"msgParam":  msgParam,
	}
	return c.robotSend(ctx, cred, "/v1.0/robot/oToMessages/batchSend", payload)
}

// SendToGroup delivers a markdown message to a group conversation the robot
// belongs to.
func (c *Client) SendToGroup(ctx context.Context, cred Credentials, robotCode, openConversationID, title, text string) error {
	if strings.TrimSpace(openConversationID) == "" {
		return fmt.Errorf("open conversation id is required")
	}
	msgParam, err := markdownParam(title, text)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"robotCode":          robotCode,
		"openConversationId": openConversationID,
		"msgKey":             "sampleMarkdown",
		"msgParam":           msgParam,
	}
	return c.robotSend(ctx, cred, "/v1.0/robot/groupMessages/send", payload)
}

// MediaMessage references an uploaded media handle for proactive delivery.
type MediaMessage struct {
	MediaID   string
	MediaKind MediaKind
	FileName  string
}

func (m MediaMessage) msgKeyAndParam() (string, string, error) {
	switch m.MediaKind {
	case MediaImage:
		param, err := json.Marshal(map[string]string{"photoURL": m.MediaID})
		return "sampleImageMsg", string(param), err
	case MediaVoice:
		param, err := json.Marshal(map[string]string{"mediaId": m.MediaID, "duration": "0"})
		return "sampleAudio", string(param), err
	case MediaVideo:
		param, err := json.Marshal(map[string]string{
			"videoMediaId": m.MediaID,
			"videoType":    "mp4",
			"duration":     "0",
		})
		return "sampleVideo", string(param), err
	default:
		fileName := m.FileName
		if fileName == "" {
			fileName = "file"
		}
		fileType := strings.TrimPrefix(strings.ToLower(fileExt(fileName)), ".")
		if fileType == "" {
			fileType = "file"
		}
		param, err := json.Marshal(map[string]string{
			"mediaId":  m.MediaID,
			"fileName": fileName,
			"fileType": fileType,
		})
		return "sampleFile", string(param), err
	}
}

// SendMediaToUsers delivers an uploaded media handle to users.
func (c *Client) SendMediaToUsers(ctx context.Context, cred Credentials, robotCode string, userIDs []string, msg MediaMessage) error {
	if len(userIDs) == 0 {
		return fmt.Errorf("user ids are required")
	}
	msgKey, msgParam, err := msg.msgKeyAndParam()
	if err != nil {
		return err
	}
	payload := map[string]any{
		"robotCode": robotCode,
		"userIds":   userIDs,
		"msgKey":    msgKey,
		"msgParam":  msgParam,
	}
	return c.robotSend(ctx, cred, "/v1.0/robot/oToMessages/batchSend", payload)
}

// SendMediaToGroup delivers an uploaded media handle to a group conversation.
func (c *Client) SendMediaToGroup(ctx context.Context, cred Credentials, robotCode, openConversationID string, msg MediaMessage) error {
	if strings.TrimSpace(openConversationID) == "" {
		return fmt.Errorf("open conversation id is required")
	}
	msgKey, msgParam, err := msg.msgKeyAndParam()
	if err != nil {
		return err
	}
	payload := map[string]any{
		"robotCode":          robotCode,
		"openConversationId": openConversationID,
		"msgKey":             msgKey,
		"msgParam":           msgParam,
	}
	return c.robotSend(ctx, cred, "/v1.0/robot/groupMessages/send", payload)
}

func (c *Client) robotSend(ctx context.Context, cred Credentials, path string, payload map[string]any) error {
	token, err := c.AccessToken(ctx, cred, TokenV2)
	if err != nil {
		return err
	}
	headers := map[string]string{accessTokenHeader: token}
	var resp sendResponse
	if err := c.postJSON(ctx, c.apiBase+path, headers, payload, &resp); err != nil {
		return err
	}
	if len(resp.FlowControlIDs) > 0 {
		c.logger.Warn("send flow controlled", slog.Int("staff_count", len(resp.FlowControlIDs)))
	}
	return nil
}

func markdownParam(title, text string) (string, error) {
	if strings.TrimSpace(title) == "" {
		title = "Message"
	}
	param, err := json.Marshal(map[string]string{"title": title, "text": text})
	if err != nil {
		return "", fmt.Errorf("marshal msg param: %w", err)
	}
	return string(param), nil
}
