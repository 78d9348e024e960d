package dingtalk

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenGeneration selects one of the two non-interchangeable token APIs.
// Legacy tokens authorize oapi.dingtalk.com endpoints (media upload); v2
// tokens authorize api.dingtalk.com endpoints (sends, cards, downloads).
type TokenGeneration string

const (
	TokenLegacy TokenGeneration = "legacy"
	TokenV2     TokenGeneration = "v2"
)

// tokenRefreshSkew is how close to expiry a cached token is still served.
const tokenRefreshSkew = 60 * time.Second

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// TokenCache holds bearer tokens per (app key, generation). The two
// generations are cached independently because their expiries differ.
type TokenCache struct {
	mu      sync.Mutex
	entries map[string]tokenEntry
	now     func() time.Time
}

// NewTokenCache creates an empty cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{
		entries: map[string]tokenEntry{},
		now:     time.Now,
	}
}

func (tc *TokenCache) get(appKey string, gen TokenGeneration) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	entry, ok := tc.entries[appKey+"#"+string(gen)]
	if !ok {
		return "", false
	}
	if entry.expiresAt.Sub(tc.now()) <= tokenRefreshSkew {
		return "", false
	}
	return entry.token, true
}

func (tc *TokenCache) put(appKey string, gen TokenGeneration, token string, expiresIn time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.entries[appKey+"#"+string(gen)] = tokenEntry{
		token:     token,
		expiresAt: tc.now().Add(expiresIn),
	}
}

// AccessToken returns a valid bearer token for the credentials and generation,
// exchanging fresh credentials when the cached token is missing or within 60
// seconds of expiry.
func (c *Client) AccessToken(ctx context.Context, cred Credentials, gen TokenGeneration) (string, error) {
	if strings.TrimSpace(cred.AppKey) == "" || strings.TrimSpace(cred.AppSecret) == "" {
		return "", fmt.Errorf("app key and secret are required")
	}
	if token, ok := c.tokens.get(cred.AppKey, gen); ok {
		return token, nil
	}
	switch gen {
	case TokenV2:
		return c.fetchV2Token(ctx, cred)
	case TokenLegacy:
		return c.fetchLegacyToken(ctx, cred)
	default:
		return "", fmt.Errorf("unknown token generation: %s", gen)
	}
}

func (c *Client) fetchV2Token(ctx context.Context, cred Credentials) (string, error) {
	var resp struct {
		AccessToken string `json:"accessToken"`
		ExpireIn    int64  `json:"expireIn"`
	}
	payload := map[string]string{
		"appKey":    cred.AppKey,
		"appSecret": cred.AppSecret,
	}
	if err := c.postJSON(ctx, c.apiBase+"/v1.0/oauth2/accessToken", nil, payload, &resp); err != nil {
		return "", fmt.Errorf("v2 token exchange: %w", err)
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return "", fmt.Errorf("v2 token exchange: empty access token")
	}
	c.tokens.put(cred.AppKey, TokenV2, resp.AccessToken, time.Duration(resp.ExpireIn)*time.Second)
	return resp.AccessToken, nil
}

func (c *Client) fetchLegacyToken(ctx context.Context, cred Credentials) (string, error) {
	var resp struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	endpoint := fmt.Sprintf("%s/gettoken?appkey=%s&appsecret=%s",
		c.oapiBase, url.QueryEscape(cred.AppKey), url.QueryEscape(cred.AppSecret))
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return "", fmt.Errorf("legacy token exchange: %w", err)
	}
	if resp.ErrCode != 0 {
		return "", fmt.Errorf("legacy token exchange: %w", &APIError{
			StatusCode: 200,
			Code:       fmt.Sprintf("%d", resp.ErrCode),
			Message:    resp.ErrMsg,
		})
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return "", fmt.Errorf("legacy token exchange: empty access token")
	}
	c.tokens.put(cred.AppKey, TokenLegacy, resp.AccessToken, time.Duration(resp.ExpiresIn)*time.Second)
	return resp.AccessToken, nil
}
