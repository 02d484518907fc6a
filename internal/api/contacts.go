package api

import (
	"encoding/csv"
	"net/http"

	"whatsflow/internal/database"
	"whatsflow/internal/models"

	"github.com/gin-gonic/gin"
)

type ContactHandler struct{}

func NewContactHandler() *ContactHandler {
	return &ContactHandler{}
}

func (h *ContactHandler) GetContacts(c *gin.Context) {
	var contacts []models.Contact
	if err := database.DB.Where("tenant_id = ?", tenantID(c)).Order("updated_at desc").Find(&contacts).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, contacts)
}

func (h *ContactHandler) CreateContact(c *gin.Context) {
	var contact models.Contact
	if err := c.ShouldBindJSON(&contact); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	contact.ID = 0
	contact.TenantID = tenantID(c)
	if contact.Tags == "" {
		contact.Tags = "[]"
	}

	if err := database.DB.Create(&contact).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, contact)
}

func (h *ContactHandler) UpdateContact(c *gin.Context) {
	var contact models.Contact
	if err := database.DB.Where("tenant_id = ? AND wa_id = ?", tenantID(c), c.Param("waId")).First(&contact).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "contact not found"})
		return
	}

	var update struct {
		Name string `json:"name"`
		Tags string `json:"tags"`
	}
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := database.DB.Model(&contact).Updates(map[string]interface{}{
		"name": update.Name,
		"tags": update.Tags,
	}).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, contact)
}

func (h *ContactHandler) DeleteContact(c *gin.Context) {
	res := database.DB.Where("tenant_id = ? AND wa_id = ?", tenantID(c), c.Param("waId")).Delete(&models.Contact{})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "contact not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *ContactHandler) ExportContacts(c *gin.Context) {
	var contacts []models.Contact
	if err := database.DB.Where("tenant_id = ?", tenantID(c)).Find(&contacts).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=contacts.csv")

	w := csv.NewWriter(c.Writer)
	defer w.Flush()

	w.Write([]string{"wa_id", "name", "tags", "created_at"})
	for _, contact := range contacts {
		w.Write([]string{contact.WaID, contact.Name, contact.Tags, contact.CreatedAt.Format("2006-01-02 15:04:05")})
	}
}
