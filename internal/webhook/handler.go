package webhook

import (
	"log"
	"net/http"
	"time"

	"whatsflow/internal/automation"
	"whatsflow/internal/config"
	"whatsflow/internal/database"
	intmodels "whatsflow/internal/models"
	"whatsflow/internal/ws"
	"whatsflow/pkg/models"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	Config *config.Config
	Engine *automation.Engine
	Hub    *ws.Hub
}

func NewHandler(cfg *config.Config, engine *automation.Engine, hub *ws.Hub) *Handler {
	return &Handler{
		Config: cfg,
		Engine: engine,
		Hub:    hub,
	}
}

func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "" && token != "" {
		if mode == "subscribe" && token == h.Config.VerifyToken {
			log.Println("Webhook verified successfully!")
			c.String(http.StatusOK, challenge)
		} else {
			c.Status(http.StatusForbidden)
		}
	} else {
		c.Status(http.StatusBadRequest)
	}
}

func (h *Handler) HandleMessage(c *gin.Context) {
	var payload models.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		log.Printf("Error binding JSON: %v", err)
		c.Status(http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value

			channel := h.lookupChannel(value.Metadata.PhoneNumberID)
			if channel == nil {
				log.Printf("No channel configured for phone number id %s", value.Metadata.PhoneNumberID)
				continue
			}

			profileNames := make(map[string]string)
			for _, contact := range value.Contacts {
				profileNames[contact.WaID] = contact.Profile.Name
			}

			for _, message := range value.Messages {
				h.handleInbound(channel, message, profileNames[message.From])
			}
		}
	}

	// Always 200: WhatsApp retries non-2xx responses aggressively.
	c.Status(http.StatusOK)
}

func (h *Handler) lookupChannel(phoneNumberID string) *intmodels.Channel {
	var channel intmodels.Channel
	if err := database.DB.Where("phone_number_id = ?", phoneNumberID).First(&channel).Error; err != nil {
		return nil
	}
	return &channel
}

func (h *Handler) handleInbound(channel *intmodels.Channel, message models.InboundMessage, profileName string) {
	content, choiceID := extractContent(message)
	log.Printf("Received %s message from %s: %s", message.Type, message.From, content)

	record := intmodels.Message{
		TenantID:  channel.TenantID,
		ChannelID: channel.ID,
		WaID:      message.From,
		MessageID: message.ID,
		Direction: "in",
		Content:   content,
		Type:      message.Type,
		Status:    "received",
	}
	if err := database.DB.Create(&record).Error; err != nil {
		log.Printf("Error storing message: %v", err)
	}

	h.upsertContact(channel.TenantID, message.From, profileName)

	if h.Hub != nil {
		h.Hub.Broadcast("message_received", record)
	}

	if message.Type != "text" && message.Type != "interactive" {
		return
	}

	event := automation.InboundEvent{
		ID:         message.ID,
		TenantID:   channel.TenantID,
		ChannelID:  channel.ID,
		WaID:       message.From,
		Text:       content,
		ChoiceID:   choiceID,
		ReceivedAt: time.Now(),
	}
	if err := h.Engine.ProcessInbound(event); err != nil {
		log.Printf("Error processing inbound event %s: %v", message.ID, err)
	}
}

// extractContent flattens a message to reply text plus, for interactive
// replies, the selected choice id
func extractContent(message models.InboundMessage) (content, choiceID string) {
	switch message.Type {
	case "text":
		if message.Text != nil {
			content = message.Text.Body
		}
	case "interactive":
		if message.Interactive == nil {
			break
		}
		if br := message.Interactive.ButtonReply; br != nil {
			content = br.Title
			choiceID = br.ID
		} else if lr := message.Interactive.ListReply; lr != nil {
			content = lr.Title
			choiceID = lr.ID
		}
	default:
		content = "[" + message.Type + "]"
	}
	return content, choiceID
}

func (h *Handler) upsertContact(tenantID uint, waID, name string) {
	var contact intmodels.Contact
	err := database.DB.Where("tenant_id = ? AND wa_id = ?", tenantID, waID).First(&contact).Error
	if err != nil {
		contact = intmodels.Contact{TenantID: tenantID, WaID: waID, Name: name, Tags: "[]"}
		if err := database.DB.Create(&contact).Error; err != nil {
			log.Printf("Error saving contact: %v", err)
		}
		return
	}
	if name != "" && contact.Name != name {
		database.DB.Model(&contact).Update("name", name)
	}
}
