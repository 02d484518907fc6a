package automation

import (
	"log"

	"whatsflow/internal/models"
)

// Message sent when a session expires without a reply
const timeoutMessage = "Sorry, we didn't hear back from you in time. Send your keyword again whenever you're ready."

// LeadSink receives the captured variables of a terminated session
type LeadSink interface {
	Capture(lead *models.Lead) error
}

// Notifier pushes live events to the dashboard. May be nil.
type Notifier interface {
	Broadcast(event string, data interface{})
}

// Reporter finalizes terminal sessions: it claims the terminal transition,
// sends the summary or apology message, and hands captured variables to the
// lead sink. Partial captures from an expired session are preserved.
type Reporter struct {
	store    *Store
	sender   ChannelSender
	sink     LeadSink
	notifier Notifier
}

func NewReporter(store *Store, sender ChannelSender, sink LeadSink, notifier Notifier) *Reporter {
	return &Reporter{store: store, sender: sender, sink: sink, notifier: notifier}
}

// Complete transitions a session whose steps are exhausted. Idempotent: only
// the caller that wins the guarded status update sends the summary and
// records the lead.
func (r *Reporter) Complete(session *models.WorkflowSession, def *Definition, channel *models.Channel) error {
	claimed, err := r.store.MarkTerminal(session.ID, models.SessionCompleted)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	session.Status = models.SessionCompleted

	if def.CompletionText != "" {
		text := substituteVars(def.CompletionText, sessionVars(session))
		if err := r.sender.SendText(channel, session.WaID, text); err != nil {
			log.Printf("Session %s: error sending completion message: %v", session.ID, err)
		}
	}

	log.Printf("Session %s completed for %s", session.ID, session.WaID)
	r.handoff(session, "completed")
	return nil
}

// Timeout reports an expired session. The supervisor has already claimed the
// terminal transition, so this sends the apology exactly once per expiry.
func (r *Reporter) Timeout(session *models.WorkflowSession, channel *models.Channel) {
	if err := r.sender.SendText(channel, session.WaID, timeoutMessage); err != nil {
		log.Printf("Session %s: error sending timeout message: %v", session.ID, err)
	}
	r.handoff(session, "expired")
}

func (r *Reporter) handoff(session *models.WorkflowSession, kind string) {
	if r.notifier != nil {
		r.notifier.Broadcast("session_"+kind, session)
	}
	if r.sink == nil {
		return
	}
	lead := &models.Lead{
		TenantID:       session.TenantID,
		WaID:           session.WaID,
		RuleID:         session.RuleID,
		SessionID:      session.ID,
		Variables:      session.Variables,
		CompletionKind: kind,
	}
	if err := r.sink.Capture(lead); err != nil {
		log.Printf("Session %s: error capturing lead: %v", session.ID, err)
	}
}
