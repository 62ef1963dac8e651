// Package httpapi serves the console over a local JSON API for a browser UI.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/airdrop"
	"github.com/unreal-ai/unreal-console/internal/backend"
	"github.com/unreal-ai/unreal-console/internal/chain"
	"github.com/unreal-ai/unreal-console/internal/chains"
	"github.com/unreal-ai/unreal-console/internal/console"
	"github.com/unreal-ai/unreal-console/internal/registration"
	"github.com/unreal-ai/unreal-console/internal/session"
	"github.com/unreal-ai/unreal-console/internal/wallet"
)

// Console is satisfied by *console.Console.
// Decoupled here so handler tests can use a mock.
type Console interface {
	Session() session.Snapshot
	Actions() []console.Action
	Connect(ctx context.Context) (session.Snapshot, error)
	Register(ctx context.Context, calls int64) (*registration.Result, error)
	Verify(ctx context.Context) (*backend.VerifyResult, error)
	Logout(ctx context.Context) error
	Balance(ctx context.Context) (*console.Balance, error)
	Allowance(ctx context.Context) (*big.Int, error)
	CreateKey(ctx context.Context, name string) (*backend.CreatedKey, error)
	ListKeys(ctx context.Context) ([]backend.APIKey, error)
	DeleteKey(ctx context.Context, hash string) error
	ClaimAirdrop(ctx context.Context) (*airdrop.Attempt, error)
	Models(ctx context.Context) ([]openai.Model, error)
	Pricing(ctx context.Context) (json.RawMessage, error)
	Chat(ctx context.Context, model, prompt string, w io.Writer) (string, error)
}

type Handler struct {
	console Console
	log     *zap.Logger
}

func NewHandler(c Console, log *zap.Logger) *Handler {
	return &Handler{console: c, log: log.Named("httpapi")}
}

// Register mounts the API under rg. Routes that spend the bearer token sit
// behind requireSession.
func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Session ────────────────────────────────────────────────────────────
	rg.GET("/session", h.handleSession)
	rg.GET("/actions", h.handleActions)
	rg.POST("/connect", h.handleConnect)
	rg.POST("/register", h.handleRegister)
	rg.POST("/logout", h.handleLogout)
	rg.POST("/verify", h.handleVerify)
	rg.GET("/balance", h.handleBalance)

	// ── Authenticated ──────────────────────────────────────────────────────
	authed := rg.Group("", h.requireSession)
	authed.GET("/keys", h.handleListKeys)
	authed.POST("/keys", h.handleCreateKey)
	authed.DELETE("/keys/:hash", h.handleDeleteKey)
	authed.POST("/airdrop", h.handleAirdrop)
	authed.GET("/models", h.handleModels)
	authed.GET("/pricing", h.handlePricing)
	authed.POST("/chat", h.handleChat)
}

func (h *Handler) requireSession(c *gin.Context) {
	if !h.console.Session().Authenticated {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": session.ErrNoSession.Error()})
		return
	}
	c.Next()
}

func (h *Handler) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.console.Session())
}

func (h *Handler) handleActions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"actions": h.console.Actions()})
}

func (h *Handler) handleConnect(c *gin.Context) {
	snap, err := h.console.Connect(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) handleRegister(c *gin.Context) {
	var body struct {
		Calls *int64 `json:"calls" binding:"required,min=0"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "calls must be a non-negative integer"})
		return
	}
	res, err := h.console.Register(c.Request.Context(), *body.Calls)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": res.Address,
		"chainId": res.ChainID,
		"calls":   res.Payload.CallQuota,
		"permit":  res.Permit != nil,
	})
}

func (h *Handler) handleLogout(c *gin.Context) {
	if err := h.console.Logout(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleVerify(c *gin.Context) {
	res, err := h.console.Verify(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) handleBalance(c *gin.Context) {
	bal, err := h.console.Balance(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	// The allowance is informational; a failed read leaves it out.
	if allowance, err := h.console.Allowance(c.Request.Context()); err == nil {
		bal.Allowance = allowance.String()
	} else {
		h.log.Debug("allowance unavailable", zap.Error(err))
	}
	c.JSON(http.StatusOK, bal)
}

func (h *Handler) handleListKeys(c *gin.Context) {
	keys, err := h.console.ListKeys(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if keys == nil {
		keys = []backend.APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *Handler) handleCreateKey(c *gin.Context) {
	var body struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	created, err := h.console.CreateKey(c.Request.Context(), body.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) handleDeleteKey(c *gin.Context) {
	if err := h.console.DeleteKey(c.Request.Context(), c.Param("hash")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleAirdrop(c *gin.Context) {
	attempt, err := h.console.ClaimAirdrop(c.Request.Context())
	if err != nil {
		if attempt != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "attempt": attempt})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, attempt)
}

func (h *Handler) handleModels(c *gin.Context) {
	models, err := h.console.Models(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// handlePricing passes the upstream pricing list through unchanged.
func (h *Handler) handlePricing(c *gin.Context) {
	raw, err := h.console.Pricing(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

// handleChat streams the reply as server-sent events: "delta" for each
// chunk, then "done" with the full text or "error".
func (h *Handler) handleChat(c *gin.Context) {
	var body struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt required"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	text, err := h.console.Chat(c.Request.Context(), body.Model, body.Prompt, &sseWriter{c: c})
	if err != nil {
		h.log.Debug("chat ended with error", zap.Error(err))
		c.SSEvent("error", err.Error())
	} else {
		c.SSEvent("done", text)
	}
	c.Writer.Flush()
}

// sseWriter turns each write into a "delta" event.
type sseWriter struct{ c *gin.Context }

func (w *sseWriter) Write(p []byte) (int, error) {
	if err := w.c.Request.Context().Err(); err != nil {
		return 0, err
	}
	w.c.SSEvent("delta", string(p))
	w.c.Writer.Flush()
	return len(p), nil
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var (
		permitErr  *registration.PermitError
		backendErr *registration.BackendError
		httpErr    *backend.HTTPError
		chainErr   *chains.ChainError
		txErr      *chain.TransactionError
	)
	switch {
	case errors.Is(err, console.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoSession), errors.Is(err, backend.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, wallet.ErrNotConnected), errors.Is(err, wallet.ErrUnknownAccount):
		return http.StatusPreconditionFailed
	case errors.As(err, &permitErr):
		return http.StatusUnprocessableEntity
	case chain.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.As(err, &backendErr), errors.As(err, &httpErr), errors.As(err, &txErr):
		return http.StatusBadGateway
	case errors.As(err, &chainErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
