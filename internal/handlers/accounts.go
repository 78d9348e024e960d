package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/dingstreamhq/dingstream/internal/connector"
)

// AccountsHandler manages robot account lifecycle and proactive sends.
type AccountsHandler struct {
	manager   *connector.Manager
	proactive *connector.ProactiveSender
	logger    *slog.Logger

	mu       sync.Mutex
	accounts map[string]connector.AccountConfig
}

// NewAccountsHandler creates the handler over the configured accounts.
func NewAccountsHandler(log *slog.Logger, manager *connector.Manager, proactive *connector.ProactiveSender, accounts []connector.AccountConfig) *AccountsHandler {
	byID := make(map[string]connector.AccountConfig, len(accounts))
	for _, acc := range accounts {
		byID[acc.ID] = acc
	}
	return &AccountsHandler{
		manager:   manager,
		proactive: proactive,
		logger:    log.With(slog.String("handler", "accounts")),
		accounts:  byID,
	}
}

func (h *AccountsHandler) Register(e *echo.Echo) {
	e.GET("/accounts", h.List)
	e.GET("/accounts/:id", h.Status)
	e.POST("/accounts/:id/start", h.Start)
	e.POST("/accounts/:id/stop", h.Stop)
	e.PUT("/accounts/:id", h.Update)
	e.POST("/accounts/:id/messages", h.SendMessage)
	e.POST("/accounts/:id/media", h.SendMedia)
}

func (h *AccountsHandler) account(id string) (connector.AccountConfig, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	acc, ok := h.accounts[id]
	return acc, ok
}

// List reports every configured account with its connection state.
func (h *AccountsHandler) List(c echo.Context) error {
	running := make(map[string]connector.AccountStatus)
	for _, st := range h.manager.StatusAll() {
		running[st.AccountID] = st
	}
	h.mu.Lock()
	out := make([]connector.AccountStatus, 0, len(h.accounts))
	for id := range h.accounts {
		if st, ok := running[id]; ok {
			out = append(out, st)
			continue
		}
		out = append(out, connector.AccountStatus{AccountID: id, State: connector.StateDisconnected})
	}
	h.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]any{"accounts": out})
}

func (h *AccountsHandler) Status(c echo.Context) error {
	id := c.Param("id")
	st, err := h.manager.Status(id)
	if err != nil {
		if _, ok := h.account(id); ok {
			return c.JSON(http.StatusOK, connector.AccountStatus{AccountID: id, State: connector.StateDisconnected})
		}
		return echo.NewHTTPError(http.StatusNotFound, "unknown account")
	}
	return c.JSON(http.StatusOK, st)
}

func (h *AccountsHandler) Start(c echo.Context) error {
	id := c.Param("id")
	cfg, ok := h.account(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown account")
	}
	if err := h.manager.Start(c.Request().Context(), cfg); err != nil {
		h.logger.Error("account start failed", slog.String("account_id", id), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	st, _ := h.manager.Status(id)
	return c.JSON(http.StatusOK, st)
}

func (h *AccountsHandler) Stop(c echo.Context) error {
	id := c.Param("id")
	if err := h.manager.Stop(id); err != nil {
		if errors.Is(err, connector.ErrAccountNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

type updateAccountRequest struct {
	Name         *string `json:"name"`
	Identity     *string `json:"identity"`
	Values       *string `json:"values"`
	Relationship *string `json:"relationship"`
	Guidelines   *string `json:"guidelines"`

	PrivateAccess *string   `json:"private_access"`
	GroupAccess   *string   `json:"group_access"`
	Allowlist     *[]string `json:"allowlist"`

	DeliveryMode   *string   `json:"delivery_mode"`
	CardTemplateID *string   `json:"card_template_id"`
	OwnerIDs       *[]string `json:"owner_ids"`
	Provider       *string   `json:"provider"`
}

// Update applies a partial settings change. A running connection picks the
// new settings up from the next message without reconnecting.
func (h *AccountsHandler) Update(c echo.Context) error {
	id := c.Param("id")
	var req updateAccountRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	h.mu.Lock()
	cfg, ok := h.accounts[id]
	if !ok {
		h.mu.Unlock()
		return echo.NewHTTPError(http.StatusNotFound, "unknown account")
	}
	applyString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	applyString(&cfg.Persona.Name, req.Name)
	applyString(&cfg.Persona.Identity, req.Identity)
	applyString(&cfg.Persona.Values, req.Values)
	applyString(&cfg.Persona.Relationship, req.Relationship)
	applyString(&cfg.Persona.Guidelines, req.Guidelines)
	if req.PrivateAccess != nil {
		cfg.Access.Private = connector.AccessMode(*req.PrivateAccess)
	}
	if req.GroupAccess != nil {
		cfg.Access.Group = connector.AccessMode(*req.GroupAccess)
	}
	if req.Allowlist != nil {
		cfg.Access.Allowlist = *req.Allowlist
	}
	if req.DeliveryMode != nil {
		cfg.Delivery = connector.DeliveryMode(*req.DeliveryMode)
	}
	applyString(&cfg.CardTemplateID, req.CardTemplateID)
	if req.OwnerIDs != nil {
		cfg.OwnerIDs = *req.OwnerIDs
	}
	applyString(&cfg.Provider, req.Provider)
	h.accounts[id] = cfg
	h.mu.Unlock()

	if err := h.manager.UpdateConfig(cfg); err != nil && !errors.Is(err, connector.ErrAccountNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
}

type sendMessageRequest struct {
	Title   string             `json:"title"`
	Text    string             `json:"text"`
	Targets []connector.Target `json:"targets"`
}

// SendMessage pushes a proactive markdown message.
func (h *AccountsHandler) SendMessage(c echo.Context) error {
	id := c.Param("id")
	cfg, ok := h.account(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown account")
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	if req.Title == "" {
		req.Title = "Message"
	}
	results, err := h.proactive.SendText(c.Request().Context(), cfg, req.Targets, req.Title, req.Text)
	return h.sendResponse(c, results, err)
}

type sendMediaRequest struct {
	Path    string             `json:"path"`
	Targets []connector.Target `json:"targets"`
}

// SendMedia uploads a local file and pushes it proactively.
func (h *AccountsHandler) SendMedia(c echo.Context) error {
	id := c.Param("id")
	cfg, ok := h.account(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown account")
	}
	var req sendMediaRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}
	results, err := h.proactive.SendMedia(c.Request().Context(), cfg, req.Targets, req.Path)
	return h.sendResponse(c, results, err)
}

func (h *AccountsHandler) sendResponse(c echo.Context, results []connector.SendResult, err error) error {
	if err != nil {
		if errors.Is(err, connector.ErrNoTarget) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if errors.Is(err, connector.ErrAllTargetsFailed) {
			return c.JSON(http.StatusBadGateway, map[string]any{
				"error":   err.Error(),
				"results": results,
			})
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}
