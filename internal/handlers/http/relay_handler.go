package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/pkg/errors"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type RelayHandlerOptions struct {
	ReplayLimit     int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageSize  int64
	AllowedOrigins  []string
	AllowTokenIssue bool
	TokenTTL        time.Duration
}

// RelayHandler exposes a SignalStore over REST and a websocket feed.
type RelayHandler struct {
	store    ports.SignalStore
	tokens   services.TokenService
	feeds    *middleware.FeedLimiter
	opts     RelayHandlerOptions
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

var _ ports.RelayHTTPHandler = (*RelayHandler)(nil)

func NewRelayHandler(
	store ports.SignalStore,
	tokens services.TokenService,
	feeds *middleware.FeedLimiter,
	opts RelayHandlerOptions,
	logger *zap.SugaredLogger,
) *RelayHandler {
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = 500
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = validation.MaxSignalPayloadSize
	}

	h := &RelayHandler{
		store:  store,
		tokens: tokens,
		feeds:  feeds,
		opts:   opts,
		logger: logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	return h
}

// SetupRoutes registers the relay API. auth runs on every session route.
func (h *RelayHandler) SetupRoutes(router *gin.Engine, auth ...gin.HandlerFunc) {
	api := router.Group("/api/v1")
	{
		sessions := api.Group("/sessions/:session_id", auth...)
		sessions.POST("/signals", h.AppendSignal)
		sessions.GET("/signals/latest", h.LatestSignal)
		sessions.GET("/signals", h.ListSignals)
		sessions.GET("/feed", h.Feed)

		if h.opts.AllowTokenIssue && h.tokens != nil {
			api.POST("/tokens", h.IssueToken)
		}
	}
}

type appendSignalRequest struct {
	SenderType string          `json:"sender_type" binding:"required"`
	SignalType string          `json:"signal_type" binding:"required"`
	SignalData json.RawMessage `json:"signal_data" binding:"required"`
}

func (h *RelayHandler) AppendSignal(c *gin.Context) {
	sessionID, ok := h.sessionParam(c)
	if !ok {
		return
	}

	var req appendSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateSenderType(req.SenderType); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateSignalType(req.SignalType); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidatePayloadSize(req.SignalData); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if role, authed := middleware.RoleFromContext(c); authed && string(role) != req.SenderType {
		c.Error(errors.NewForbiddenError("token role does not match sender_type"))
		return
	}

	rec := &domain.SignalRecord{
		SessionID:  sessionID,
		SenderType: domain.SenderRole(req.SenderType),
		SignalType: domain.SignalKind(req.SignalType),
		SignalData: req.SignalData,
	}
	if err := rec.Validate(); err != nil {
		c.Error(errors.NewMalformedSignalError(err))
		return
	}

	stored, err := h.store.Append(c.Request.Context(), rec)
	if err != nil {
		c.Error(storeError(err))
		return
	}

	h.logger.Debugw("signal appended",
		"session_id", sessionID,
		"record_id", stored.ID,
		"sender_type", stored.SenderType,
		"signal_type", stored.SignalType,
	)
	c.JSON(http.StatusCreated, stored)
}

func (h *RelayHandler) LatestSignal(c *gin.Context) {
	sessionID, ok := h.sessionParam(c)
	if !ok {
		return
	}

	filter := ports.RecordFilter{SessionID: sessionID}
	if v := c.Query("sender_type"); v != "" {
		if err := validation.ValidateSenderType(v); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
		filter.SenderType = domain.SenderRole(v)
	}
	if v := c.Query("signal_type"); v != "" {
		if err := validation.ValidateSignalType(v); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
		filter.SignalType = domain.SignalKind(v)
	}

	rec, err := h.store.Latest(c.Request.Context(), filter)
	if err != nil {
		c.Error(storeError(err))
		return
	}
	if rec == nil {
		c.Error(errors.NewNotFoundError("signal"))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *RelayHandler) ListSignals(c *gin.Context) {
	sessionID, ok := h.sessionParam(c)
	if !ok {
		return
	}

	var after time.Time
	if v := c.Query("after"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.Error(errors.NewInvalidInputError("after must be an RFC3339 timestamp"))
			return
		}
		after = t
	}

	limit := h.opts.ReplayLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.Error(errors.NewInvalidInputError("limit must be a positive integer"))
			return
		}
		if n < limit {
			limit = n
		}
	}

	recs, err := h.store.Since(c.Request.Context(), sessionID, after, limit)
	if err != nil {
		c.Error(storeError(err))
		return
	}
	if recs == nil {
		recs = []*domain.SignalRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"signals": recs,
		"count":   len(recs),
	})
}

// Feed pushes every record appended to the session after the handshake.
// The store subscription is opened before upgrading so nothing appended
// after a successful handshake is missed.
func (h *RelayHandler) Feed(c *gin.Context) {
	sessionID, ok := h.sessionParam(c)
	if !ok {
		return
	}

	release, ok := h.feeds.Acquire()
	if !ok {
		c.Error(errors.NewServiceUnavailableError("too many live feeds"))
		return
	}
	defer release()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := h.store.Subscribe(ctx, sessionID)
	if err != nil {
		c.Error(storeError(err))
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	h.logger.Infow("feed opened", "session_id", sessionID, "remote_addr", c.ClientIP())

	conn.SetReadLimit(h.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	})

	// The feed is one-way; reading only services control frames and
	// notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	limiter := h.feeds.NewMessageLimiter()
	pingTicker := time.NewTicker(h.opts.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("feed closed", "session_id", sessionID)
			return

		case rec, ok := <-sub.Records():
			if !ok {
				h.logger.Infow("store feed ended, closing websocket", "session_id", sessionID)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "feed dropped"),
					time.Now().Add(h.opts.WriteTimeout))
				return
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := conn.WriteJSON(rec); err != nil {
				h.logger.Infow("feed write failed", "session_id", sessionID, "error", err)
				return
			}

		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Infow("feed ping failed", "session_id", sessionID, "error", err)
				return
			}
		}
	}
}

type issueTokenRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Role      string `json:"role" binding:"required"`
}

func (h *RelayHandler) IssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateSessionID(req.SessionID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateSenderType(req.Role); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.tokens.GenerateToken(domain.SessionID(req.SessionID), domain.SenderRole(req.Role))
	if err != nil {
		c.Error(errors.NewInternalError("failed to issue token"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": int(h.opts.TokenTTL.Seconds()),
	})
}

func (h *RelayHandler) sessionParam(c *gin.Context) (domain.SessionID, bool) {
	raw := c.Param("session_id")
	if err := validation.ValidateSessionID(raw); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.SessionID(raw), true
}

func (h *RelayHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func storeError(err error) *errors.AppError {
	if stderrors.Is(err, domain.ErrMalformedSignal) {
		return errors.NewMalformedSignalError(err)
	}
	return errors.NewRelayUnavailableError(err)
}
