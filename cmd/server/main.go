package main

import (
	"log"

	"whatsflow/internal/api"
	"whatsflow/internal/automation"
	"whatsflow/internal/config"
	"whatsflow/internal/database"
	"whatsflow/internal/dedupe"
	"whatsflow/internal/leads"
	"whatsflow/internal/webhook"
	"whatsflow/internal/whatsapp"
	"whatsflow/internal/ws"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.LoadConfig()
	database.Init(cfg)
	database.SeedDefaults(cfg)

	hub := ws.NewHub()
	go hub.Run()

	var deduper dedupe.Deduper
	if cfg.RedisAddr != "" {
		deduper = dedupe.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		log.Printf("Using redis at %s for inbound dedup", cfg.RedisAddr)
	} else {
		deduper = dedupe.NewMemory()
	}

	whatsappClient := whatsapp.NewClient(database.DB)
	leadSink := leads.NewSink(database.DB)
	engine := automation.NewEngine(database.DB, whatsappClient, leadSink, deduper, hub)

	// Reconciliation sweep: expires awaiting sessions whose in-process timer
	// was lost to a restart.
	sweeper := engine.Supervisor().StartSweeper()
	defer sweeper.Stop()

	webhookHandler := webhook.NewHandler(cfg, engine, hub)
	authHandler := api.NewAuthHandler(cfg)
	dashboardHandler := api.NewDashboardHandler(whatsappClient)
	contactHandler := api.NewContactHandler()
	broadcastHandler := api.NewBroadcastHandler(whatsappClient)
	automationHandler := api.NewAutomationHandler(engine)

	r := gin.Default()

	// CORS Middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Webhook Routes
	r.GET("/webhook", webhookHandler.VerifyWebhook)
	r.POST("/webhook", webhookHandler.HandleMessage)

	// Auth
	r.POST("/api/login", authHandler.Login)

	// Dashboard live events
	r.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})

	// Dashboard API Routes
	apiGroup := r.Group("/api")
	apiGroup.Use(api.AuthRequired(cfg.JWTSecret))
	{
		apiGroup.GET("/messages", dashboardHandler.GetMessages)
		apiGroup.POST("/send", dashboardHandler.SendMessage)

		// CRM Routes
		apiGroup.GET("/contacts", contactHandler.GetContacts)
		apiGroup.POST("/contacts", contactHandler.CreateContact)
		apiGroup.PUT("/contacts/:waId", contactHandler.UpdateContact)
		apiGroup.DELETE("/contacts/:waId", contactHandler.DeleteContact)
		apiGroup.GET("/contacts/export", contactHandler.ExportContacts)

		// Broadcast Routes
		apiGroup.GET("/templates", broadcastHandler.GetTemplates)
		apiGroup.POST("/templates/sync", broadcastHandler.SyncTemplates)
		apiGroup.POST("/broadcast", broadcastHandler.SendBroadcast)

		// Automation Routes
		apiGroup.GET("/automation/rules", automationHandler.GetRules)
		apiGroup.POST("/automation/rules", automationHandler.CreateRule)
		apiGroup.PUT("/automation/rules/:id", automationHandler.UpdateRule)
		apiGroup.DELETE("/automation/rules/:id", automationHandler.DeleteRule)
		apiGroup.POST("/automation/rules/:id/toggle", automationHandler.ToggleRule)
		apiGroup.GET("/automation/sessions", automationHandler.GetActiveSessions)
		apiGroup.POST("/automation/sessions/:id/terminate", automationHandler.TerminateSession)
		apiGroup.GET("/automation/leads", automationHandler.GetLeads)
		apiGroup.GET("/automation/analytics", automationHandler.GetAnalytics)
	}

	log.Printf("Server starting on port %s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}
