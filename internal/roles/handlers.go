package roles

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the role binding API.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/roles/bind", h.Bind)
	r.GET("/contracts/:id/roles", h.ListByContract)
}

type bindRequest struct {
	Identity   string `json:"identity" binding:"required"`
	ContractID string `json:"contractId" binding:"required"`
	Role       string `json:"role" binding:"required"`
}

func (h *Handler) Bind(c *gin.Context) {
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	b, err := h.service.Bind(c.Request.Context(), req.Identity, req.ContractID, Role(req.Role))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRole):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_role",
				"message": err.Error(),
			})
		case errors.Is(err, ErrRoleConflict):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "role_conflict",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "failed to bind role",
			})
		}
		return
	}

	c.JSON(http.StatusOK, b)
}

func (h *Handler) ListByContract(c *gin.Context) {
	bindings, err := h.service.Participants(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list role bindings",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bindings": bindings})
}
