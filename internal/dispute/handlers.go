package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fairwork/escrowd/internal/contract"
	"github.com/fairwork/escrowd/internal/payment"
)

// Handler exposes the dispute resolution API.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/analyze", h.Analyze)
	r.POST("/disputes/:id/panel", h.StartVoting)
	r.POST("/disputes/:id/votes", h.CastVote)
	r.POST("/disputes/:id/arbitrator", h.AssignArbitrator)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type evidenceRequest struct {
	Refs []string `json:"refs" binding:"required"`
}

func (h *Handler) AddEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), req.Refs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) Analyze(c *gin.Context) {
	d, err := h.service.Analyze(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type panelRequest struct {
	Experts []string `json:"experts" binding:"required"`
}

func (h *Handler) StartVoting(c *gin.Context) {
	var req panelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	d, err := h.service.StartVoting(c.Request.Context(), c.Param("id"), req.Experts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type voteRequest struct {
	ExpertID  string `json:"expertId" binding:"required"`
	Outcome   string `json:"outcome" binding:"required"`
	SharePct  int    `json:"sharePct"`
	Reasoning string `json:"reasoning" binding:"required"`
}

func (h *Handler) CastVote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	d, err := h.service.CastVote(c.Request.Context(), c.Param("id"),
		req.ExpertID, payment.Decision(req.Outcome), req.SharePct, req.Reasoning)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type arbitratorRequest struct {
	ArbitratorID string `json:"arbitratorId" binding:"required"`
}

func (h *Handler) AssignArbitrator(c *gin.Context) {
	var req arbitratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	d, err := h.service.AssignArbitrator(c.Request.Context(), c.Param("id"), req.ArbitratorID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type resolveRequest struct {
	ArbitratorID       string `json:"arbitratorId" binding:"required"`
	Outcome            string `json:"outcome" binding:"required"`
	FreelancerSharePct int    `json:"freelancerSharePct"`
	Reasoning          string `json:"reasoning" binding:"required"`
}

func (h *Handler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"),
		req.ArbitratorID, payment.Decision(req.Outcome), req.FreelancerSharePct, req.Reasoning)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": err.Error(),
	})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": err.Error()})
	case errors.Is(err, ErrDuplicateVote):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_vote", "message": err.Error()})
	case errors.Is(err, ErrNotPanelist):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_panelist", "message": err.Error()})
	case errors.Is(err, ErrNotArbitrator):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_arbitrator", "message": err.Error()})
	case errors.Is(err, ErrReasoningRequired), errors.Is(err, ErrInvalidShare):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, contract.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, payment.ErrSettlementPending):
		c.JSON(http.StatusConflict, gin.H{"error": "settlement_pending", "message": err.Error()})
	case errors.Is(err, payment.ErrSettlementFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "settlement_failed", "message": err.Error()})
	case errors.Is(err, payment.ErrProviderUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider_unavailable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "operation failed"})
	}
}
