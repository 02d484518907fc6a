package api

import (
	"net/http"

	"whatsflow/internal/database"
	"whatsflow/internal/models"
	"whatsflow/internal/whatsapp"

	"github.com/gin-gonic/gin"
)

type DashboardHandler struct {
	Client *whatsapp.Client
}

func NewDashboardHandler(client *whatsapp.Client) *DashboardHandler {
	return &DashboardHandler{Client: client}
}

// GetMessages returns the recent message log, optionally for one contact
func (h *DashboardHandler) GetMessages(c *gin.Context) {
	query := database.DB.Where("tenant_id = ?", tenantID(c))
	if waID := c.Query("wa_id"); waID != "" {
		query = query.Where("wa_id = ?", waID)
	}

	var messages []models.Message
	if err := query.Order("created_at desc").Limit(200).Find(&messages).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, messages)
}

type sendRequest struct {
	ChannelID uint   `json:"channel_id" binding:"required"`
	To        string `json:"to" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

// SendMessage sends a free-form text message from the dashboard
func (h *DashboardHandler) SendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var channel models.Channel
	if err := database.DB.Where("id = ? AND tenant_id = ?", req.ChannelID, tenantID(c)).First(&channel).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}

	if err := h.Client.SendText(&channel, req.To, req.Message); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}
