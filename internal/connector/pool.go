package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dingstreamhq/dingstream/internal/event"
)

// ErrAccountNotFound marks operations on an account id with no live connection.
var ErrAccountNotFound = errors.New("account not connected")

// replyPipeline handles one extracted inbound message end to end.
type replyPipeline interface {
	Handle(ctx context.Context, cfg AccountConfig, msg InboundMessage, content Content)
}

// AccountStatus is the externally visible status of one pooled account.
type AccountStatus struct {
	AccountID string `json:"account_id"`
	State     State  `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

// Manager owns the pool of live connections, keyed by account id, and runs
// the per-message processing chain: dedup, access, last-seen, extraction,
// then the reply pipeline.
type Manager struct {
	gateway   gatewayOpener
	extractor *Extractor
	pipeline  replyPipeline
	dedup     *DedupStore
	lastSeen  *LastSeenStore
	hub       *event.Hub
	logger    *slog.Logger

	mu          sync.Mutex
	connections map[string]*Connection
}

// NewManager wires a connection pool. hub may be nil when no host is listening.
func NewManager(log *slog.Logger, gateway gatewayOpener, extractor *Extractor, pipeline replyPipeline, dedup *DedupStore, lastSeen *LastSeenStore, hub *event.Hub) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		gateway:     gateway,
		extractor:   extractor,
		pipeline:    pipeline,
		dedup:       dedup,
		lastSeen:    lastSeen,
		hub:         hub,
		logger:      log.With(slog.String("component", "pool")),
		connections: make(map[string]*Connection),
	}
}

func (m *Manager) publishStatus(evt StatusEvent) {
	if m.hub != nil {
		m.hub.Publish(event.CategoryConnectionStatus, evt)
	}
}

// Start connects an account and adds it to the pool. An existing connection
// for the same id is stopped and replaced. A first-connect failure leaves the
// account out of the pool and is returned to the caller.
func (m *Manager) Start(ctx context.Context, cfg AccountConfig) error {
	m.mu.Lock()
	if existing, ok := m.connections[cfg.ID]; ok {
		delete(m.connections, cfg.ID)
		m.mu.Unlock()
		existing.Stop()
		m.mu.Lock()
	}
	m.mu.Unlock()

	conn := NewConnection(m.logger, m.gateway, cfg, func(msg InboundMessage) {
		m.process(ctx, msg)
	}, m.publishStatus)

	if err := conn.Start(ctx); err != nil {
		return fmt.Errorf("start account %s: %w", cfg.ID, err)
	}

	m.mu.Lock()
	m.connections[cfg.ID] = conn
	m.mu.Unlock()
	m.logger.Info("account started", slog.String("account_id", cfg.ID))
	return nil
}

// Stop disconnects an account and removes it from the pool.
func (m *Manager) Stop(accountID string) error {
	m.mu.Lock()
	conn, ok := m.connections[accountID]
	if ok {
		delete(m.connections, accountID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	conn.Stop()
	m.logger.Info("account stopped", slog.String("account_id", accountID))
	return nil
}

// StopAll disconnects every pooled account.
func (m *Manager) StopAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for id, conn := range m.connections {
		conns = append(conns, conn)
		delete(m.connections, id)
	}
	m.mu.Unlock()
	for _, conn := range conns {
		conn.Stop()
	}
}

// UpdateConfig swaps an account's configuration in place without reconnecting.
func (m *Manager) UpdateConfig(cfg AccountConfig) error {
	m.mu.Lock()
	conn, ok := m.connections[cfg.ID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, cfg.ID)
	}
	conn.UpdateConfig(cfg)
	return nil
}

// Status reports the state of one account.
func (m *Manager) Status(accountID string) (AccountStatus, error) {
	m.mu.Lock()
	conn, ok := m.connections[accountID]
	m.mu.Unlock()
	if !ok {
		return AccountStatus{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	state, lastErr := conn.Status()
	return AccountStatus{AccountID: accountID, State: state, LastError: lastErr}, nil
}

// StatusAll reports the state of every pooled account.
func (m *Manager) StatusAll() []AccountStatus {
	m.mu.Lock()
	conns := make(map[string]*Connection, len(m.connections))
	for id, conn := range m.connections {
		conns[id] = conn
	}
	m.mu.Unlock()
	out := make([]AccountStatus, 0, len(conns))
	for id, conn := range conns {
		state, lastErr := conn.Status()
		out = append(out, AccountStatus{AccountID: id, State: state, LastError: lastErr})
	}
	return out
}

// Account returns the live configuration snapshot for an account.
func (m *Manager) Account(accountID string) (AccountConfig, error) {
	m.mu.Lock()
	conn, ok := m.connections[accountID]
	m.mu.Unlock()
	if !ok {
		return AccountConfig{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return conn.Config(), nil
}

// process runs the per-message chain for one inbound message.
func (m *Manager) process(ctx context.Context, msg InboundMessage) {
	m.mu.Lock()
	conn, ok := m.connections[msg.AccountID]
	m.mu.Unlock()
	if !ok {
		return
	}
	cfg := conn.Config()

	if !m.dedup.ShouldProcess(msg.DedupKey()) {
		m.logger.Debug("duplicate message dropped",
			slog.String("account_id", msg.AccountID),
			slog.String("msg_id", msg.MsgID),
		)
		return
	}
	defer m.dedup.Release(msg.DedupKey())

	if !Allowed(msg, cfg.Access) {
		m.logger.Info("message rejected by access policy",
			slog.String("account_id", msg.AccountID),
			slog.String("sender_id", msg.SenderID),
			slog.String("conversation_id", msg.ConversationID),
		)
		return
	}

	m.lastSeen.Touch(msg.AccountID, msg.TargetID(), msg.ConversationType.IsGroup())

	content := m.extractor.Extract(ctx, cfg, msg)
	if content.IsEmpty() {
		m.logger.Debug("empty message dropped", slog.String("msg_id", msg.MsgID))
		return
	}

	m.pipeline.Handle(ctx, cfg, msg, content)
}
