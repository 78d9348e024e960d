package dingtalk

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// TopicBotMessage is the stream-mode callback topic for inbound robot messages.
const TopicBotMessage = "/v1.0/im/bot/messages/get"

// SubscriptionTypeCallback marks a stream subscription that delivers messages.
const SubscriptionTypeCallback = "CALLBACK"

// Subscription names one stream-mode topic subscription.
type Subscription struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// GatewayEndpoint is the one-time WebSocket endpoint and ticket returned by the
// handshake; the ticket is consumed by a single dial.
type GatewayEndpoint struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
}

// URL renders the dialable WebSocket address.
func (g GatewayEndpoint) URL() string {
	sep := "?"
	if strings.Contains(g.Endpoint, "?") {
		sep = "&"
	}
	return g.Endpoint + sep + "ticket=" + g.Ticket
}

// HandshakeError is a failed gateway connection exchange. First-connect
// handshake failures are fatal for the start call; the connection manager
// retries reconnect-time failures under backoff.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("gateway handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// OpenConnection exchanges credentials for a one-time gateway endpoint and
// ticket. It performs no retries; retry policy belongs to the caller.
func (c *Client) OpenConnection(ctx context.Context, cred Credentials, userAgent string) (GatewayEndpoint, error) {
	payload := map[string]any{
		"clientId":     cred.AppKey,
		"clientSecret": cred.AppSecret,
		"subscriptions": []Subscription{
			{Type: SubscriptionTypeCallback, Topic: TopicBotMessage},
		},
		"ua":      userAgent,
		"localIp": localIP(),
	}
	var resp GatewayEndpoint
	if err := c.postJSON(ctx, c.apiBase+"/v1.0/gateway/connections/open", nil, payload, &resp); err != nil {
		return GatewayEndpoint{}, &HandshakeError{Err: err}
	}
	if strings.TrimSpace(resp.Endpoint) == "" || strings.TrimSpace(resp.Ticket) == "" {
		return GatewayEndpoint{}, &HandshakeError{Err: fmt.Errorf("empty endpoint or ticket")}
	}
	return resp, nil
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer func() {
		_ = conn.Close()
	}()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
