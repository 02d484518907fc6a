package database

import (
	"fmt"
	"log"

	"whatsflow/internal/config"
	"whatsflow/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init(cfg *config.Config) {
	var err error

	switch cfg.DBDriver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)
		DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
	default:
		DB, err = gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
	}

	if err != nil {
		log.Fatalf("Failed to connect to database (%s): %v", cfg.DBDriver, err)
	}

	if err := Migrate(DB); err != nil {
		log.Fatalf("Failed to run auto-migration: %v", err)
	}

	log.Printf("Connected to %s, migration completed", cfg.DBDriver)
}

// Migrate runs the schema migration on the given connection. Split out so
// tests can run it against their own in-memory database.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Tenant{},
		&models.Channel{},
		&models.Message{},
		&models.Contact{},
		&models.Template{},
		&models.TriggerRule{},
		&models.RuleHit{},
		&models.WorkflowSession{},
		&models.Lead{},
	)
	if err != nil {
		return err
	}

	// Partial unique index backing the single-active-session invariant.
	// AutoMigrate cannot express it; both sqlite and postgres accept this form.
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
		ON workflow_sessions(tenant_id, wa_id) WHERE status = 'active'`).Error
}

// SeedDefaults creates a default tenant and channel from the environment on
// first boot so a fresh install can receive webhooks without manual setup.
func SeedDefaults(cfg *config.Config) {
	if cfg.PhoneNumberID == "" {
		return
	}

	var tenant models.Tenant
	if err := DB.Where("slug = ?", cfg.DefaultTenant).First(&tenant).Error; err != nil {
		tenant = models.Tenant{Name: cfg.DefaultTenant, Slug: cfg.DefaultTenant}
		if err := DB.Create(&tenant).Error; err != nil {
			log.Printf("Error seeding default tenant: %v", err)
			return
		}
	}

	var channel models.Channel
	if err := DB.Where("phone_number_id = ?", cfg.PhoneNumberID).First(&channel).Error; err != nil {
		channel = models.Channel{
			TenantID:      tenant.ID,
			Name:          "primary",
			PhoneNumberID: cfg.PhoneNumberID,
			WABAID:        cfg.WhatsAppBusinessAccountID,
			AccessToken:   cfg.WhatsAppToken,
		}
		if err := DB.Create(&channel).Error; err != nil {
			log.Printf("Error seeding default channel: %v", err)
			return
		}
		log.Printf("Seeded default channel for phone number id %s", cfg.PhoneNumberID)
	}
}
