package dingtalk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CardStreamInterval is the minimum spacing between non-final content pushes
// for one card. The final push always goes out.
const CardStreamInterval = 500 * time.Millisecond

// defaultCardContentKey is the card template variable that streamed content
// overwrites on each push.
const defaultCardContentKey = "content"

// CardInstance tracks one delivered interactive card whose content field is
// streamed. The throttle timestamp is per card, never global.
type CardInstance struct {
	OutTrackID string
	ContentKey string

	mu         sync.Mutex
	lastPushAt time.Time
	now        func() time.Time
}

// CreateCardInput describes where a new card is delivered.
type CreateCardInput struct {
	TemplateID         string
	RobotCode          string
	OpenConversationID string // group delivery
	UserID             string // private delivery
	InitialText        string
	ContentKey         string
}

func (in CreateCardInput) openSpaceID() (string, error) {
	if strings.TrimSpace(in.OpenConversationID) != "" {
		return "dtv1.card//IM_GROUP." + in.OpenConversationID, nil
	}
	if strings.TrimSpace(in.UserID) != "" {
		return "dtv1.card//IM_ROBOT." + in.UserID, nil
	}
	return "", fmt.Errorf("card target is required")
}

// CreateCard registers and delivers a new interactive card, returning the
// instance handle used for subsequent streaming pushes.
func (c *Client) CreateCard(ctx context.Context, cred Credentials, in CreateCardInput) (*CardInstance, error) {
	if strings.TrimSpace(in.TemplateID) == "" {
		return nil, fmt.Errorf("card template id is required")
	}
	openSpaceID, err := in.openSpaceID()
	if err != nil {
		return nil, err
	}
	token, err := c.AccessToken(ctx, cred, TokenV2)
	if err != nil {
		return nil, err
	}
	contentKey := in.ContentKey
	if contentKey == "" {
		contentKey = defaultCardContentKey
	}
	outTrackID := uuid.NewString()
	payload := map[string]any{
		"cardTemplateId": in.TemplateID,
		"outTrackId":     outTrackID,
		"openSpaceId":    openSpaceID,
		"cardData": map[string]any{
			"cardParamMap": map[string]string{contentKey: in.InitialText},
		},
	}
	if strings.TrimSpace(in.OpenConversationID) != "" {
		payload["imGroupOpenSpaceModel"] = map[string]any{"supportForward": true}
		payload["imGroupOpenDeliverModel"] = map[string]any{"robotCode": in.RobotCode}
	} else {
		payload["imRobotOpenSpaceModel"] = map[string]any{"supportForward": true}
		payload["imRobotOpenDeliverModel"] = map[string]any{"spaceType": "IM_ROBOT", "robotCode": in.RobotCode}
	}
	headers := map[string]string{accessTokenHeader: token}
	var resp struct {
		Result  bool   `json:"result"`
		Success bool   `json:"success"`
		CardID  string `json:"cardInstanceId"`
	}
	if err := c.postJSON(ctx, c.apiBase+"/v1.0/card/instances/createAndDeliver", headers, payload, &resp); err != nil {
		return nil, fmt.Errorf("card create: %w", err)
	}
	return &CardInstance{
		OutTrackID: outTrackID,
		ContentKey: contentKey,
		now:        time.Now,
	}, nil
}

// StreamCard overwrites the card's content field with the full accumulated
// text. Non-final pushes inside the throttle window are dropped silently; the
// caller keeps accumulating and a later push carries the missed text.
func (c *Client) StreamCard(ctx context.Context, cred Credentials, card *CardInstance, text string, final bool) error {
	if card == nil {
		return fmt.Errorf("card instance is required")
	}
	card.mu.Lock()
	if card.now == nil {
		card.now = time.Now
	}
	if !final && card.now().Sub(card.lastPushAt) < CardStreamInterval {
		card.mu.Unlock()
		return nil
	}
	card.lastPushAt = card.now()
	card.mu.Unlock()

	return c.pushCard(ctx, cred, card, text, final, false)
}

// FailCard terminates a card whose reply generation failed: a final push with
// the error flag set, carrying whatever text was streamed so far. Bypasses
// the throttle.
func (c *Client) FailCard(ctx context.Context, cred Credentials, card *CardInstance, text string) error {
	if card == nil {
		return fmt.Errorf("card instance is required")
	}
	return c.pushCard(ctx, cred, card, text, true, true)
}

func (c *Client) pushCard(ctx context.Context, cred Credentials, card *CardInstance, text string, final, failed bool) error {
	token, err := c.AccessToken(ctx, cred, TokenV2)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"outTrackId": card.OutTrackID,
		"guid":       uuid.NewString(),
		"key":        card.ContentKey,
		"content":    text,
		"isFull":     true,
		"isFinalize": final,
		"isError":    failed,
	}
	headers := map[string]string{accessTokenHeader: token}
	if err := c.putJSON(ctx, c.apiBase+"/v1.0/card/streaming", headers, payload, nil); err != nil {
		return fmt.Errorf("card stream: %w", err)
	}
	return nil
}
