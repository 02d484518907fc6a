// One-off sweep of overdue workflow sessions. Normally the server's cron
// handles this; run manually after downtime to flush sessions whose timers
// never fired and notify their contacts.
package main

import (
	"log"

	"whatsflow/internal/automation"
	"whatsflow/internal/config"
	"whatsflow/internal/database"
	"whatsflow/internal/leads"
	"whatsflow/internal/whatsapp"
)

func main() {
	cfg := config.LoadConfig()
	database.Init(cfg)

	client := whatsapp.NewClient(database.DB)
	sink := leads.NewSink(database.DB)
	engine := automation.NewEngine(database.DB, client, sink, nil, nil)

	expired := engine.Supervisor().Sweep()
	log.Printf("Sweep finished: %d session(s) expired", expired)
}
