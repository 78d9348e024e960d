package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dingstreamhq/dingstream/internal/dingtalk"
)

const streamUserAgent = "dingstream/1.0"

// ErrReconnectExhausted marks a connection that ran out of reconnect attempts.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// streamSocket is the slice of *websocket.Conn the connection uses; tests
// substitute a fake.
type streamSocket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// gatewayOpener performs the connection-open handshake.
type gatewayOpener interface {
	OpenConnection(ctx context.Context, cred dingtalk.Credentials, userAgent string) (dingtalk.GatewayEndpoint, error)
}

// reconnectDelay computes the backoff before reconnect attempt (0-based):
// initial*2^attempt capped at max, then jittered by ±policy.Jitter.
func reconnectDelay(policy ReconnectPolicy, attempt int, rnd *rand.Rand) time.Duration {
	delay := float64(policy.InitialDelay) * math.Pow(2, float64(attempt))
	if max := float64(policy.MaxDelay); policy.MaxDelay > 0 && delay > max {
		delay = max
	}
	if policy.Jitter > 0 && rnd != nil {
		delay *= 1 + policy.Jitter*(2*rnd.Float64()-1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Connection owns one account's stream session: handshake, socket, read loop,
// and reconnect backoff. Frame handling is delegated to the dispatcher.
type Connection struct {
	gateway    gatewayOpener
	dispatcher *Dispatcher
	onStatus   func(StatusEvent)
	logger     *slog.Logger
	rnd        *rand.Rand

	// dial is swappable for tests.
	dial func(ctx context.Context, url string) (streamSocket, error)

	mu        sync.Mutex
	cfg       AccountConfig
	state     State
	lastError string
	socket    streamSocket
	attempt   int
	timer     *time.Timer
	stopped   bool

	writeMu sync.Mutex
}

// NewConnection creates a Connection for one account. onStatus may be nil.
func NewConnection(log *slog.Logger, gateway gatewayOpener, cfg AccountConfig, handler MessageHandler, onStatus func(StatusEvent)) *Connection {
	if log == nil {
		log = slog.Default()
	}
	c := &Connection{
		gateway:  gateway,
		onStatus: onStatus,
		logger: log.With(
			slog.String("component", "connection"),
			slog.String("account_id", cfg.ID),
		),
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		cfg:   cfg,
		state: StateDisconnected,
	}
	c.dispatcher = NewDispatcher(log, cfg.ID, handler)
	c.dial = func(ctx context.Context, url string) (streamSocket, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return c
}

// Config returns the current account configuration snapshot.
func (c *Connection) Config() AccountConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// UpdateConfig swaps the account configuration without reconnecting. The new
// settings apply from the next message onward.
func (c *Connection) UpdateConfig(cfg AccountConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Status returns the connection state and the last error, if any.
func (c *Connection) Status() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastError
}

func (c *Connection) setState(state State, err error) {
	c.mu.Lock()
	c.state = state
	c.lastError = ""
	if err != nil {
		c.lastError = err.Error()
	}
	cfg := c.cfg
	c.mu.Unlock()
	if c.onStatus != nil {
		evt := StatusEvent{AccountID: cfg.ID, State: state, At: time.Now()}
		if err != nil {
			evt.Error = err.Error()
		}
		c.onStatus(evt)
	}
}

// Start establishes the first session. A first-connect failure is returned to
// the caller; reconnect-time failures are retried under the backoff policy.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = false
	c.attempt = 0
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Connection) connect(ctx context.Context) error {
	cfg := c.Config()
	c.setState(StateConnecting, nil)

	endpoint, err := c.gateway.OpenConnection(ctx, cfg.Credentials(), streamUserAgent)
	if err != nil {
		c.setState(StateError, err)
		return err
	}
	socket, err := c.dial(ctx, endpoint.URL())
	if err != nil {
		err = fmt.Errorf("dial gateway: %w", err)
		c.setState(StateError, err)
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = socket.Close()
		return nil
	}
	c.socket = socket
	c.attempt = 0
	c.mu.Unlock()

	c.setState(StateConnected, nil)
	c.logger.Info("stream connected", slog.String("endpoint", endpoint.Endpoint))
	go c.readLoop(ctx, socket)
	return nil
}

func (c *Connection) readLoop(ctx context.Context, socket streamSocket) {
	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stopped := c.stopped
			c.mu.Unlock()
			if stopped || ctx.Err() != nil {
				return
			}
			c.logger.Warn("stream read failed", slog.Any("error", err))
			c.scheduleReconnect(ctx, err)
			return
		}
		if err := c.dispatcher.Dispatch(raw, c); err != nil {
			c.logger.Warn("frame dispatch failed", slog.Any("error", err))
		}
	}
}

// SendAck writes an acknowledgement frame. Writes are serialized; the read
// loop and handlers may ack concurrently.
func (c *Connection) SendAck(ack dingtalk.AckFrame) error {
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if socket == nil {
		return errors.New("not connected")
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return socket.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) scheduleReconnect(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	policy := c.cfg.Reconnect
	attempt := c.attempt
	c.attempt++
	c.mu.Unlock()

	if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
		err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, cause)
		c.logger.Error("giving up on reconnect", slog.Int("attempts", attempt), slog.Any("error", cause))
		c.setState(StateError, err)
		return
	}

	delay := reconnectDelay(policy, attempt, c.rnd)
	c.logger.Info("scheduling reconnect",
		slog.Int("attempt", attempt+1),
		slog.Duration("delay", delay),
	)
	// Recoverable error state until the backoff timer fires; connect flips
	// it back to connecting.
	c.setState(StateError, cause)

	timer := time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := c.connect(ctx); err != nil {
			c.scheduleReconnect(ctx, err)
		}
	})
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = timer
	c.mu.Unlock()
}

// Stop tears the session down: pending reconnects are cancelled, the socket is
// closed, and the state goes to disconnected.
func (c *Connection) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	socket := c.socket
	c.socket = nil
	c.mu.Unlock()
	if socket != nil {
		_ = socket.Close()
	}
	c.setState(StateDisconnected, nil)
}
