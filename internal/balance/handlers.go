package balance

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the balance read API.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balances/:identity", h.Get)
}

func (h *Handler) Get(c *gin.Context) {
	b, err := h.service.For(c.Request.Context(), c.Param("identity"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to compute balance",
		})
		return
	}
	c.JSON(http.StatusOK, b)
}
