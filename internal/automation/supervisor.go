package automation

import (
	"log"
	"time"

	"whatsflow/internal/models"

	"github.com/robfig/cron/v3"
)

// Supervisor finalizes sessions whose contact never replied. Checks always
// reload the session fresh from the store; a deferred check scheduled for a
// session that has since advanced, completed, or been replaced finds nothing
// to do.
type Supervisor struct {
	store    *Store
	reporter *Reporter
	channels *channelCache
	now      func() time.Time
}

func NewSupervisor(store *Store, reporter *Reporter, channels *channelCache) *Supervisor {
	return &Supervisor{store: store, reporter: reporter, channels: channels, now: time.Now}
}

// Check re-examines one session by id and reports whether it expired it.
// No-op unless the session is still active, still awaiting, and the
// configured timeout has fully elapsed. The expiry itself is a single guarded
// update, so a second invocation of the same check (timer plus sweep, or
// duplicate timers) expires nothing twice.
func (s *Supervisor) Check(sessionID string) bool {
	session, err := s.store.Get(sessionID)
	if err != nil {
		log.Printf("Timeout check: error loading session %s: %v", sessionID, err)
		return false
	}
	if session.Status != models.SessionActive || session.AwaitingSince == nil {
		return false
	}

	timeout := time.Duration(session.TimeoutMinutes) * time.Minute
	if s.now().Sub(*session.AwaitingSince) < timeout {
		return false
	}

	claimed, err := s.store.Expire(sessionID, s.now().Add(-timeout))
	if err != nil {
		log.Printf("Timeout check: error expiring session %s: %v", sessionID, err)
		return false
	}
	if !claimed {
		// The contact's reply won the race.
		return false
	}

	log.Printf("Session %s expired after %s without a reply", sessionID, timeout)

	session, err = s.store.Get(sessionID)
	if err != nil {
		log.Printf("Timeout check: error reloading session %s: %v", sessionID, err)
		return true
	}
	channel, err := s.channels.byID(session.ChannelID)
	if err != nil {
		log.Printf("Timeout check: error loading channel %d: %v", session.ChannelID, err)
		return true
	}
	s.reporter.Timeout(session, channel)
	return true
}

// Sweep runs Check over every awaiting session and returns how many expired.
// The cron schedule calls this every minute so timeouts survive process
// restarts; the in-process timers only make them prompt.
func (s *Supervisor) Sweep() int {
	sessions, err := s.store.Awaiting()
	if err != nil {
		log.Printf("Sweep: error listing awaiting sessions: %v", err)
		return 0
	}

	expired := 0
	for i := range sessions {
		if s.Check(sessions[i].ID) {
			expired++
		}
	}
	return expired
}

// StartSweeper schedules the reconciliation sweep. Returns the cron so the
// caller can stop it on shutdown.
func (s *Supervisor) StartSweeper() *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc("* * * * *", func() { s.Sweep() })
	if err != nil {
		log.Fatalf("Failed to schedule session sweep: %v", err)
	}
	c.Start()
	return c
}

// timerScheduler defers checks with in-process timers. Timers are never
// cancelled when a session ends early; the reload-and-check rule makes the
// eventual firing a no-op.
type timerScheduler struct {
	supervisor *Supervisor
}

func (t *timerScheduler) Schedule(sessionID string, after time.Duration) {
	time.AfterFunc(after, func() { t.supervisor.Check(sessionID) })
}
