package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"whatsflow/internal/database"
	"whatsflow/internal/models"
	"whatsflow/internal/whatsapp"

	"github.com/gin-gonic/gin"
)

type BroadcastHandler struct {
	Client *whatsapp.Client
}

func NewBroadcastHandler(client *whatsapp.Client) *BroadcastHandler {
	return &BroadcastHandler{Client: client}
}

func (h *BroadcastHandler) GetTemplates(c *gin.Context) {
	var templates []models.Template
	if err := database.DB.Where("tenant_id = ?", tenantID(c)).Find(&templates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, templates)
}

// SyncTemplates fetches templates from Meta and stores them locally
func (h *BroadcastHandler) SyncTemplates(c *gin.Context) {
	var channel models.Channel
	if err := database.DB.Where("tenant_id = ? AND id = ?", tenantID(c), c.Query("channel_id")).First(&channel).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}
	if channel.WABAID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel has no WABA id configured"})
		return
	}

	raw, err := h.Client.GetTemplates(&channel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch templates from Meta: " + err.Error()})
		return
	}

	data, ok := raw["data"].([]interface{})
	if !ok {
		c.JSON(http.StatusOK, gin.H{"status": "No templates found", "count": 0})
		return
	}

	synced := 0
	for _, item := range data {
		tmpl, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		template := models.Template{TenantID: channel.TenantID}
		template.ID, _ = tmpl["id"].(string)
		template.Name, _ = tmpl["name"].(string)
		template.Language, _ = tmpl["language"].(string)
		template.Category, _ = tmpl["category"].(string)
		template.Status, _ = tmpl["status"].(string)
		if template.ID == "" {
			continue
		}

		template.Components = "[]"
		if components, ok := tmpl["components"]; ok {
			if compBytes, err := json.Marshal(components); err == nil {
				template.Components = string(compBytes)
			}
		}

		if err := database.DB.Save(&template).Error; err != nil {
			log.Printf("Error saving template %s: %v", template.Name, err)
			continue
		}
		synced++
	}

	c.JSON(http.StatusOK, gin.H{"status": "synced", "count": synced})
}

type broadcastRequest struct {
	ChannelID    uint     `json:"channel_id" binding:"required"`
	TemplateName string   `json:"template_name" binding:"required"`
	Language     string   `json:"language"`
	Recipients   []string `json:"recipients" binding:"required,min=1"`
}

// SendBroadcast fans a template out to a recipient list. Paced with a short
// delay per send to stay under the Cloud API rate limits.
func (h *BroadcastHandler) SendBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Language == "" {
		req.Language = "en"
	}

	var channel models.Channel
	if err := database.DB.Where("id = ? AND tenant_id = ?", req.ChannelID, tenantID(c)).First(&channel).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}

	go func() {
		sent, failed := 0, 0
		for _, to := range req.Recipients {
			if err := h.Client.SendTemplate(&channel, to, req.TemplateName, req.Language); err != nil {
				log.Printf("Broadcast send to %s failed: %v", to, err)
				failed++
			} else {
				sent++
			}
			time.Sleep(250 * time.Millisecond)
		}
		log.Printf("Broadcast of %q finished: %d sent, %d failed", req.TemplateName, sent, failed)
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "broadcast started", "recipients": len(req.Recipients)})
}
