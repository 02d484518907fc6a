package leads

import (
	"whatsflow/internal/models"

	"gorm.io/gorm"
)

// Sink persists terminated-session handoffs. Implements automation.LeadSink.
type Sink struct {
	db *gorm.DB
}

func NewSink(db *gorm.DB) *Sink {
	return &Sink{db: db}
}

func (s *Sink) Capture(lead *models.Lead) error {
	return s.db.Create(lead).Error
}
