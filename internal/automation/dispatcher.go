package automation

import (
	"errors"
	"fmt"
	"log"
	"time"

	"whatsflow/internal/models"
)

// ChannelSender delivers messages through one WhatsApp channel. Errors are
// opaque failure signals; no retry contract is implied.
type ChannelSender interface {
	SendText(channel *models.Channel, to, text string) error
	SendButtons(channel *models.Channel, to, text string, buttons []StepOption) error
	SendList(channel *models.Channel, to, text, buttonText string, rows []StepOption) error
	SendTemplate(channel *models.Channel, to, name, language string) error
}

// Scheduler defers a timeout check for a suspended session. Implementations
// carry only the session id, never a session snapshot.
type Scheduler interface {
	Schedule(sessionID string, after time.Duration)
}

// Dispatcher walks a session through its steps: send, then either advance and
// loop (pure announcements) or suspend and schedule a timeout check.
type Dispatcher struct {
	store    *Store
	sender   ChannelSender
	reporter *Reporter
	sched    Scheduler
	now      func() time.Time
	sleep    func(time.Duration)
}

func NewDispatcher(store *Store, sender ChannelSender, reporter *Reporter, sched Scheduler) *Dispatcher {
	return &Dispatcher{
		store:    store,
		sender:   sender,
		reporter: reporter,
		sched:    sched,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Dispatch executes from the session's current step. Back-to-back announcement
// steps are delivered in this one pass; the loop ends by suspending, by
// completing, or by a send failure. On send failure the session is left
// untouched at its current index so a later retry of the same inbound event
// resends the same step.
func (d *Dispatcher) Dispatch(session *models.WorkflowSession, def *Definition, channel *models.Channel) error {
	for {
		// Terminal transitions are permanent; never execute a step against a
		// session that stopped being active mid-pass.
		if session.Status != models.SessionActive {
			return nil
		}
		if session.StepIndex >= len(def.Steps) {
			return d.reporter.Complete(session, def, channel)
		}

		step := &def.Steps[session.StepIndex]

		// Inter-step delay. Pauses only this contact's goroutine; other
		// sessions keep processing.
		if step.DelaySeconds > 0 {
			d.sleep(time.Duration(step.DelaySeconds) * time.Second)
		}

		if err := d.sendStep(session, step, channel); err != nil {
			return fmt.Errorf("failed to send step %s: %w", step.ID, err)
		}

		if step.Suspends() {
			now := d.now()
			session.AwaitingSince = &now
			if err := d.saveWithRetry(session); err != nil {
				return err
			}
			d.sched.Schedule(session.ID, time.Duration(session.TimeoutMinutes)*time.Minute)
			log.Printf("Session %s awaiting reply at step %s", session.ID, step.ID)
			return nil
		}

		session.StepIndex++
		if err := d.saveWithRetry(session); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) sendStep(session *models.WorkflowSession, step *Step, channel *models.Channel) error {
	vars := sessionVars(session)
	text := substituteVars(step.Text, vars)

	switch step.Kind {
	case StepChoiceButtons:
		return d.sender.SendButtons(channel, session.WaID, text, step.Buttons)
	case StepChoiceList:
		buttonText := step.ButtonText
		if buttonText == "" {
			buttonText = "Select an option"
		}
		return d.sender.SendList(channel, session.WaID, text, buttonText, step.Rows)
	default:
		// Condition steps usually carry no display content.
		if text == "" {
			return nil
		}
		return d.sender.SendText(channel, session.WaID, text)
	}
}

// saveWithRetry reloads and reapplies once when the optimistic save loses.
// Conflicts here are rare (the per-contact lock serializes inbound events);
// the retry exists for the supervisor racing a slow dispatch.
func (d *Dispatcher) saveWithRetry(session *models.WorkflowSession) error {
	err := d.store.Save(session)
	if !errors.Is(err, ErrSessionConflict) {
		return err
	}

	fresh, err := d.store.Get(session.ID)
	if err != nil {
		return err
	}
	if fresh.Status != models.SessionActive {
		// A timeout or cancellation won while we were sending. Terminal
		// transitions are permanent; drop our update.
		*session = *fresh
		return nil
	}
	session.Version = fresh.Version
	return d.store.Save(session)
}
