package api

import (
	"net/http"
	"time"

	"whatsflow/internal/automation"
	"whatsflow/internal/database"
	"whatsflow/internal/models"

	"github.com/gin-gonic/gin"
)

type AutomationHandler struct {
	Engine *automation.Engine
}

func NewAutomationHandler(engine *automation.Engine) *AutomationHandler {
	return &AutomationHandler{Engine: engine}
}

func (h *AutomationHandler) GetRules(c *gin.Context) {
	var rules []models.TriggerRule
	if err := database.DB.Where("tenant_id = ?", tenantID(c)).Order("created_at, id").Find(&rules).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var rule models.TriggerRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule.ID = 0
	rule.TenantID = tenantID(c)
	rule.TriggerCount = 0
	rule.LastTriggeredAt = nil

	if err := validateRule(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := database.DB.Create(&rule).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	var existing models.TriggerRule
	if err := database.DB.Where("id = ? AND tenant_id = ?", c.Param("id"), tenantID(c)).First(&existing).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}

	var rule models.TriggerRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule.ID = existing.ID
	rule.TenantID = existing.TenantID
	rule.TriggerCount = existing.TriggerCount
	rule.LastTriggeredAt = existing.LastTriggeredAt
	rule.CreatedAt = existing.CreatedAt

	if err := validateRule(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := database.DB.Save(&rule).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	res := database.DB.Where("id = ? AND tenant_id = ?", c.Param("id"), tenantID(c)).Delete(&models.TriggerRule{})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *AutomationHandler) ToggleRule(c *gin.Context) {
	var rule models.TriggerRule
	if err := database.DB.Where("id = ? AND tenant_id = ?", c.Param("id"), tenantID(c)).First(&rule).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}
	if err := database.DB.Model(&rule).Update("enabled", !rule.Enabled).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": !rule.Enabled})
}

// validateRule checks a rule's reply configuration, including parsing and
// validating a workflow definition before it can ever fire.
func validateRule(rule *models.TriggerRule) error {
	if _, err := automation.ParseKeywords(rule.Keywords); err != nil {
		return err
	}
	if rule.ReplyType == models.ReplyTypeWorkflow {
		if _, err := automation.ParseDefinition(rule.Workflow); err != nil {
			return err
		}
	}
	return nil
}

// GetActiveSessions lists in-flight workflow sessions for the admin UI
func (h *AutomationHandler) GetActiveSessions(c *gin.Context) {
	var sessions []models.WorkflowSession
	err := database.DB.Where("tenant_id = ? AND status = ?", tenantID(c), models.SessionActive).
		Order("started_at desc").Find(&sessions).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// TerminateSession lets an operator cancel a stuck conversation
func (h *AutomationHandler) TerminateSession(c *gin.Context) {
	var session models.WorkflowSession
	if err := database.DB.Where("id = ? AND tenant_id = ?", c.Param("id"), tenantID(c)).First(&session).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	cancelled, err := h.Engine.Store().MarkTerminal(session.ID, models.SessionCancelled)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (h *AutomationHandler) GetLeads(c *gin.Context) {
	var leads []models.Lead
	err := database.DB.Where("tenant_id = ?", tenantID(c)).
		Order("created_at desc").Limit(200).Find(&leads).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, leads)
}

// GetAnalytics summarizes automation activity for the dashboard
func (h *AutomationHandler) GetAnalytics(c *gin.Context) {
	tenant := tenantID(c)
	since := time.Now().Add(-24 * time.Hour)

	var firedToday int64
	database.DB.Model(&models.RuleHit{}).Where("tenant_id = ? AND fired_at > ?", tenant, since).Count(&firedToday)

	var activeSessions int64
	database.DB.Model(&models.WorkflowSession{}).Where("tenant_id = ? AND status = ?", tenant, models.SessionActive).Count(&activeSessions)

	var completed int64
	database.DB.Model(&models.WorkflowSession{}).Where("tenant_id = ? AND status = ?", tenant, models.SessionCompleted).Count(&completed)

	var expired int64
	database.DB.Model(&models.WorkflowSession{}).Where("tenant_id = ? AND status = ?", tenant, models.SessionExpired).Count(&expired)

	c.JSON(http.StatusOK, gin.H{
		"rules_fired_24h":    firedToday,
		"active_sessions":    activeSessions,
		"completed_sessions": completed,
		"expired_sessions":   expired,
	})
}
