package contract

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fairwork/escrowd/internal/money"
	"github.com/fairwork/escrowd/internal/payment"
	"github.com/fairwork/escrowd/internal/roles"
)

// Handler exposes the contract lifecycle API. The calling identity comes
// from the upstream auth layer and is passed explicitly on every request.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.Create)
	r.GET("/contracts/:id", h.Get)
	r.POST("/contracts/:id/deposit", h.Deposit)
	r.POST("/contracts/:id/milestones/:milestoneId/submit", h.SubmitMilestone)
	r.POST("/contracts/:id/milestones/:milestoneId/approve", h.ApproveMilestone)
	r.POST("/contracts/:id/milestones/:milestoneId/dispute", h.RaiseDispute)
	r.POST("/contracts/:id/cancel", h.Cancel)
	r.POST("/contracts/:id/reconcile", h.Reconcile)
}

type milestoneSpecRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

type createContractRequest struct {
	ClientID     string                 `json:"clientId" binding:"required"`
	FreelancerID string                 `json:"freelancerId" binding:"required"`
	Method       string                 `json:"paymentMethod" binding:"required"`
	TotalAmount  string                 `json:"totalAmount" binding:"required"`
	Milestones   []milestoneSpecRequest `json:"milestones" binding:"required"`
}

func (h *Handler) Create(c *gin.Context) {
	var req createContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	total, err := money.Parse(req.TotalAmount)
	if err != nil {
		badRequest(c, err)
		return
	}
	specs := make([]MilestoneSpec, len(req.Milestones))
	for i, m := range req.Milestones {
		amount, perr := money.Parse(m.Amount)
		if perr != nil {
			badRequest(c, perr)
			return
		}
		specs[i] = MilestoneSpec{Amount: amount, Description: m.Description}
	}

	contract, milestones, err := h.service.Create(c.Request.Context(), CreateRequest{
		ClientID:     req.ClientID,
		FreelancerID: req.FreelancerID,
		Method:       payment.Method(req.Method),
		TotalAmount:  total,
		Milestones:   specs,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contract": contract, "milestones": milestones})
}

func (h *Handler) Get(c *gin.Context) {
	contract, milestones, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract, "milestones": milestones})
}

type depositRequest struct {
	CallerID string `json:"callerId" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
}

func (h *Handler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		badRequest(c, err)
		return
	}
	contract, err := h.service.Deposit(c.Request.Context(), c.Param("id"), req.CallerID, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

type callerRequest struct {
	CallerID string `json:"callerId" binding:"required"`
}

func (h *Handler) SubmitMilestone(c *gin.Context) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, err := h.service.SubmitMilestone(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), req.CallerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) ApproveMilestone(c *gin.Context) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, err := h.service.ApproveMilestone(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), req.CallerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type raiseDisputeRequest struct {
	CallerID string   `json:"callerId" binding:"required"`
	Reason   string   `json:"reason" binding:"required"`
	Evidence []string `json:"evidence"`
}

func (h *Handler) RaiseDispute(c *gin.Context) {
	var req raiseDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	disputeID, err := h.service.RaiseDispute(c.Request.Context(),
		c.Param("id"), c.Param("milestoneId"), req.CallerID, req.Reason, req.Evidence)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"disputeId": disputeID})
}

func (h *Handler) Cancel(c *gin.Context) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	contract, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.service.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": err.Error(),
	})
}

// respondError maps the domain error taxonomy onto structured API codes so
// callers always learn why an operation was rejected.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMilestoneNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidSchedule):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_schedule", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, roles.ErrRoleConflict):
		c.JSON(http.StatusForbidden, gin.H{"error": "role_conflict", "message": err.Error()})
	case errors.Is(err, payment.ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_funds", "message": err.Error()})
	case errors.Is(err, payment.ErrSettlementPending):
		c.JSON(http.StatusConflict, gin.H{"error": "settlement_pending", "message": err.Error()})
	case errors.Is(err, ErrReconciliationRequired):
		c.JSON(http.StatusConflict, gin.H{"error": "reconciliation_required", "message": err.Error()})
	case errors.Is(err, payment.ErrFrozen):
		c.JSON(http.StatusConflict, gin.H{"error": "milestone_frozen", "message": err.Error()})
	case errors.Is(err, payment.ErrSettlementFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "settlement_failed", "message": err.Error()})
	case errors.Is(err, payment.ErrProviderUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider_unavailable", "message": err.Error()})
	case errors.Is(err, payment.ErrUnknownMethod):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_payment_method", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "operation failed"})
	}
}
