package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"devicemanager/api_hub/internal/correlator"
	"devicemanager/api_hub/internal/identity"
	"devicemanager/api_hub/internal/registration"
	"devicemanager/api_hub/internal/registry"
	api "devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/auth"
	"devicemanager/pkg/logging"
	"devicemanager/pkg/middleware"
)

// Pairings completes device pairing codes.
type Pairings interface {
	Lookup(ctx context.Context, code string) (registration.Pairing, error)
	Complete(ctx context.Context, caller identity.Context, code string, deviceID uuid.UUID) (api.CredentialsNotification, error)
}

// StatsSource reports the size of one hub.
type StatsSource interface {
	Name() string
	Stats() registry.Stats
}

// ErrorResponse is the body of every failed REST call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// PairingResponse describes a pending pairing code.
type PairingResponse struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CompletePairingRequest names the device a code is bound to.
type CompletePairingRequest struct {
	DeviceID uuid.UUID `json:"deviceId" binding:"required"`
}

// StatsResponse is returned by GET /api/hub/stats.
type StatsResponse struct {
	Hubs            map[string]registry.Stats `json:"hubs"`
	PendingCommands int                       `json:"pendingCommands"`
	QueuedActivity  int                       `json:"queuedActivity"`
	Uptime          string                    `json:"uptime"`
}

type Config struct {
	Pairings Pairings
	Hubs     []StatsSource
	// Pending and Queued report correlator and activity pipeline sizes.
	Pending func() int
	Queued  func() int
	Logger  logging.Logger
}

// BosunHandlers serves the REST side of bosun.
type BosunHandlers struct {
	pairings  Pairings
	hubs      []StatsSource
	pending   func() int
	queued    func() int
	logger    logging.Logger
	startTime time.Time
}

func NewBosunHandlers(cfg Config) *BosunHandlers {
	return &BosunHandlers{
		pairings:  cfg.Pairings,
		hubs:      cfg.Hubs,
		pending:   cfg.Pending,
		queued:    cfg.Queued,
		logger:    cfg.Logger,
		startTime: time.Now(),
	}
}

// Register mounts the operator REST routes behind JWT authentication.
func (h *BosunHandlers) Register(router gin.IRouter, verifier auth.Verifier) {
	group := router.Group("/api")
	group.Use(auth.JWTAuthMiddleware(verifier), auth.RequireOperator())
	group.GET("/pairing/:code", h.HandleGetPairing)
	group.POST("/pairing/:code/complete", h.HandleCompletePairing)
	group.GET("/hub/stats", h.HandleStats)
}

// HandleGetPairing looks up a pending pairing code
func (h *BosunHandlers) HandleGetPairing(c *gin.Context) {
	p, err := h.pairings.Lookup(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, PairingResponse{Code: p.Code, CreatedAt: p.CreatedAt, ExpiresAt: p.ExpiresAt})
}

// HandleCompletePairing binds a pairing code to a device of the caller's tenant
func (h *BosunHandlers) HandleCompletePairing(c *gin.Context) {
	var req CompletePairingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == uuid.Nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "deviceId is required"})
		return
	}
	principal, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	creds, err := h.pairings.Complete(c.Request.Context(), identity.Populate(principal), c.Param("code"), req.DeviceID)
	if err != nil {
		h.fail(c, err)
		return
	}
	middleware.GetContextLogger(c, h.logger).WithField("device_id", creds.DeviceID).Info("Pairing completed")
	c.JSON(http.StatusOK, creds)
}

// HandleStats reports connection counts per hub
func (h *BosunHandlers) HandleStats(c *gin.Context) {
	resp := StatsResponse{
		Hubs:   make(map[string]registry.Stats, len(h.hubs)),
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	}
	for _, hub := range h.hubs {
		resp.Hubs[hub.Name()] = hub.Stats()
	}
	if h.pending != nil {
		resp.PendingCommands = h.pending()
	}
	if h.queued != nil {
		resp.QueuedActivity = h.queued()
	}
	c.JSON(http.StatusOK, resp)
}

// HandleNotFound provides a custom 404 handler
func (h *BosunHandlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Endpoint not found"})
}

func (h *BosunHandlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registration.ErrCodeNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, registration.ErrConnectionGone):
		c.JSON(http.StatusGone, ErrorResponse{Error: "gone", Message: "the device requesting this code has disconnected"})
	case errors.Is(err, correlator.ErrOutOfScope):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: api.CodeOutOfScope, Message: err.Error()})
	case errors.Is(err, identity.ErrInvalidContext):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: api.CodeUnauthorized})
	default:
		middleware.GetContextLogger(c, h.logger).WithError(err).Error("Pairing request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: api.CodeInternal})
	}
}
