package automation

import (
	"log"
	"strings"

	"whatsflow/internal/models"
)

// Resolver handles an inbound reply for a contact with an active session:
// consume the awaiting flag, capture the reply, pick the next step, dispatch.
type Resolver struct {
	store      *Store
	sender     ChannelSender
	dispatcher *Dispatcher
}

func NewResolver(store *Store, sender ChannelSender, dispatcher *Dispatcher) *Resolver {
	return &Resolver{store: store, sender: sender, dispatcher: dispatcher}
}

// HandleReply advances the session for one inbound reply. The first thing it
// does is atomically consume awaitingSince; losing that compare-and-set means
// the timeout supervisor already expired the session, this event is a
// duplicate delivery, or a step send failed and left the session active but
// never suspended. The first two cases must be a no-op rather than a
// double-advance; the last one re-dispatches the pending step so the contact
// is not stuck on a message that never went out.
func (r *Resolver) HandleReply(session *models.WorkflowSession, channel *models.Channel, ev InboundEvent) error {
	cleared, err := r.store.ClearAwaiting(session.ID)
	if err != nil {
		return err
	}
	if !cleared {
		fresh, err := r.store.Get(session.ID)
		if err != nil {
			return err
		}
		if fresh.Status == models.SessionActive && fresh.AwaitingSince == nil {
			def, err := sessionDefinition(fresh)
			if err != nil {
				return err
			}
			log.Printf("Session %s active but not awaiting, retrying step %d for %s",
				fresh.ID, fresh.StepIndex, ev.WaID)
			return r.dispatcher.Dispatch(fresh, def, channel)
		}
		log.Printf("Session %s not awaiting, ignoring reply from %s", session.ID, ev.WaID)
		return nil
	}

	// Reload so we work from the row the CAS just updated.
	session, err = r.store.Get(session.ID)
	if err != nil {
		return err
	}
	def, err := sessionDefinition(session)
	if err != nil {
		return err
	}
	if session.StepIndex >= len(def.Steps) {
		return r.dispatcher.Dispatch(session, def, channel)
	}

	step := &def.Steps[session.StepIndex]

	if step.CaptureAs != "" {
		setSessionVar(session, step.CaptureAs, ev.Text)
	}

	session.StepIndex = r.nextIndex(session, step, def, channel, ev)

	if err := r.dispatcher.saveWithRetry(session); err != nil {
		return err
	}
	return r.dispatcher.Dispatch(session, def, channel)
}

// nextIndex applies the branching rules for the replied-to step. A reply that
// matches no configured option falls back to sequential advance; that is
// defined behavior, not an error.
func (r *Resolver) nextIndex(session *models.WorkflowSession, step *Step, def *Definition, channel *models.Channel, ev InboundEvent) int {
	sequential := session.StepIndex + 1

	switch step.Kind {
	case StepChoiceButtons, StepChoiceList:
		options := step.Buttons
		if step.Kind == StepChoiceList {
			options = step.Rows
		}
		opt := matchOption(options, ev)
		if opt == nil {
			log.Printf("Session %s: reply %q matched no option of step %s, advancing sequentially",
				session.ID, ev.Text, step.ID)
			return sequential
		}
		// Choice messages cannot carry links inline, so a matched option's
		// link goes out as a follow-up message.
		if opt.URL != "" {
			if err := r.sender.SendText(channel, session.WaID, opt.URL); err != nil {
				log.Printf("Session %s: error sending option link: %v", session.ID, err)
			}
		}
		if opt.NextStepID != "" {
			if idx := def.IndexOf(opt.NextStepID); idx >= 0 {
				return idx
			}
		}
		return sequential

	case StepCondition:
		value := sessionVars(session)[step.Variable]
		for _, br := range step.Branches {
			if br.Equals == value {
				if idx := def.IndexOf(br.NextStepID); idx >= 0 {
					return idx
				}
			}
		}
		if step.DefaultNextStepID != "" {
			if idx := def.IndexOf(step.DefaultNextStepID); idx >= 0 {
				return idx
			}
		}
		return sequential

	default:
		return sequential
	}
}

// matchOption picks the selected option: by the channel's reported choice id
// when present, else by case-insensitive comparison against option labels.
func matchOption(options []StepOption, ev InboundEvent) *StepOption {
	if ev.ChoiceID != "" {
		for i := range options {
			if options[i].WireID(i) == ev.ChoiceID {
				return &options[i]
			}
		}
	}

	reply := strings.ToLower(strings.TrimSpace(ev.Text))
	for i := range options {
		label := strings.ToLower(strings.TrimSpace(options[i].Label))
		if label == "" {
			continue
		}
		if reply == label || strings.Contains(reply, label) {
			return &options[i]
		}
	}
	return nil
}
