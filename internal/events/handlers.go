package events

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fairwork/escrowd/internal/idgen"
	"github.com/fairwork/escrowd/internal/security"
)

// Handler exposes the webhook subscription API.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions", h.Create)
	r.GET("/subscriptions", h.List)
	r.DELETE("/subscriptions/:id", h.Delete)
}

type createSubscriptionRequest struct {
	URL        string   `json:"url" binding:"required,url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"eventTypes"`
}

func (h *Handler) Create(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if err := security.ValidateWebhookURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}
	for _, t := range req.EventTypes {
		if !ValidType(t) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event_type",
				"message": fmt.Sprintf("unknown event type %q", t),
			})
			return
		}
	}

	sub := &Subscription{
		ID:         idgen.WithPrefix("sub_"),
		URL:        req.URL,
		Secret:     req.Secret,
		EventTypes: req.EventTypes,
		Active:     true,
		CreatedAt:  time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to create subscription",
		})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *Handler) List(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list subscriptions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *Handler) Delete(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to delete subscription",
		})
		return
	}
	c.Status(http.StatusNoContent)
}
