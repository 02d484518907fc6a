package automation

import (
	"fmt"
	"log"
	"sync"
	"time"

	"whatsflow/internal/dedupe"
	"whatsflow/internal/models"

	"gorm.io/gorm"
)

// How long an inbound event id is remembered for duplicate suppression
const dedupeTTL = 10 * time.Minute

// InboundEvent is one deduplicated "contact sent X to channel Y" delivery
type InboundEvent struct {
	ID         string // WhatsApp message id; empty disables dedup for the event
	TenantID   uint
	ChannelID  uint
	WaID       string
	Text       string
	ChoiceID   string // button/list reply id reported by the channel
	ReceivedAt time.Time
}

// Engine is the conversational workflow runtime. One engine serves all
// tenants; contacts are processed concurrently, with a per-contact lock
// keeping each contact's events ordered and mutually exclusive.
type Engine struct {
	db         *gorm.DB
	store      *Store
	matcher    *Matcher
	dispatcher *Dispatcher
	resolver   *Resolver
	reporter   *Reporter
	supervisor *Supervisor
	sender     ChannelSender
	deduper    dedupe.Deduper
	channels   *channelCache
	notifier   Notifier
	locks      contactLocks
}

func NewEngine(db *gorm.DB, sender ChannelSender, sink LeadSink, deduper dedupe.Deduper, notifier Notifier) *Engine {
	store := NewStore(db)
	channels := newChannelCache(db)
	reporter := NewReporter(store, sender, sink, notifier)
	supervisor := NewSupervisor(store, reporter, channels)
	dispatcher := NewDispatcher(store, sender, reporter, &timerScheduler{supervisor: supervisor})
	resolver := NewResolver(store, sender, dispatcher)

	if deduper == nil {
		deduper = dedupe.NewMemory()
	}

	return &Engine{
		db:         db,
		store:      store,
		matcher:    NewMatcher(db),
		dispatcher: dispatcher,
		resolver:   resolver,
		reporter:   reporter,
		supervisor: supervisor,
		sender:     sender,
		deduper:    deduper,
		channels:   channels,
		notifier:   notifier,
	}
}

// Supervisor exposes the timeout supervisor for sweeper wiring
func (e *Engine) Supervisor() *Supervisor {
	return e.supervisor
}

// Store exposes the session store for diagnostics handlers
func (e *Engine) Store() *Store {
	return e.store
}

// ProcessInbound handles one inbound event and returns when the synchronous
// portion of dispatch completes; a session suspending on a reply returns
// immediately. An active session intercepts the contact's messages; otherwise
// the trigger rules are evaluated. A failed pass releases the event id, so a
// redelivery under the same id retries instead of being dropped.
func (e *Engine) ProcessInbound(ev InboundEvent) error {
	if ev.ID != "" && !e.deduper.FirstSeen(ev.ID, dedupeTTL) {
		log.Printf("Dropping duplicate inbound event %s from %s", ev.ID, ev.WaID)
		return nil
	}

	err := e.handle(ev)
	if err != nil && ev.ID != "" {
		e.deduper.Forget(ev.ID)
	}
	return err
}

func (e *Engine) handle(ev InboundEvent) error {
	unlock := e.locks.lock(contactKey(ev.TenantID, ev.WaID))
	defer unlock()

	channel, err := e.channels.byID(ev.ChannelID)
	if err != nil {
		return fmt.Errorf("unknown channel %d: %w", ev.ChannelID, err)
	}

	session, err := e.store.GetActive(ev.TenantID, ev.WaID)
	if err != nil {
		return err
	}
	if session != nil {
		return e.resolver.HandleReply(session, channel, ev)
	}

	rule, err := e.matcher.Match(ev.TenantID, ev.ChannelID, ev.WaID, ev.Text)
	if err != nil {
		return err
	}
	if rule == nil {
		return nil
	}

	return e.fire(rule, channel, ev)
}

// fire applies a matched rule's reply. RecordFire runs only after a
// successful send: a failed delivery neither counts the rule nor starts its
// cooldown window.
func (e *Engine) fire(rule *models.TriggerRule, channel *models.Channel, ev InboundEvent) error {
	log.Printf("Rule %q fired for %s", rule.Name, ev.WaID)

	switch rule.ReplyType {
	case models.ReplyTypeText:
		if err := e.sender.SendText(channel, ev.WaID, rule.ReplyText); err != nil {
			return err
		}
		e.matcher.RecordFire(rule, ev.WaID)
		return nil

	case models.ReplyTypeTemplate:
		lang := rule.TemplateLang
		if lang == "" {
			lang = "en"
		}
		if err := e.sender.SendTemplate(channel, ev.WaID, rule.TemplateName, lang); err != nil {
			return err
		}
		e.matcher.RecordFire(rule, ev.WaID)
		return nil

	case models.ReplyTypeWorkflow:
		def, err := ParseDefinition(rule.Workflow)
		if err != nil {
			// Configuration error: fail this rule's evaluation, corrupt nothing.
			return fmt.Errorf("rule %d: %w", rule.ID, err)
		}
		session, err := e.store.CreateReplacing(ev.TenantID, ev.ChannelID, ev.WaID, rule, def)
		if err != nil {
			return err
		}
		e.matcher.RecordFire(rule, ev.WaID)
		if e.notifier != nil {
			e.notifier.Broadcast("session_started", session)
		}
		return e.dispatcher.Dispatch(session, def, channel)

	default:
		return fmt.Errorf("rule %d has unknown reply type %q", rule.ID, rule.ReplyType)
	}
}

// ActiveSession is the diagnostics query for admin surfaces
func (e *Engine) ActiveSession(tenantID uint, waID string) (*models.WorkflowSession, error) {
	return e.store.GetActive(tenantID, waID)
}

func contactKey(tenantID uint, waID string) string {
	return fmt.Sprintf("%d:%s", tenantID, waID)
}

// contactLocks hands out one mutex per contact. Entries are kept for the
// process lifetime; the contact population is bounded by the tenant base.
type contactLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (c *contactLocks) lock(key string) func() {
	c.mu.Lock()
	if c.locks == nil {
		c.locks = make(map[string]*sync.Mutex)
	}
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// channelCache avoids a channel lookup per message. Channels change rarely;
// entries live for a minute.
type channelCache struct {
	db *gorm.DB

	mu      sync.Mutex
	byIDMap map[uint]cachedChannel
}

type cachedChannel struct {
	channel *models.Channel
	loaded  time.Time
}

const channelCacheTTL = time.Minute

func newChannelCache(db *gorm.DB) *channelCache {
	return &channelCache{db: db, byIDMap: make(map[uint]cachedChannel)}
}

func (c *channelCache) byID(id uint) (*models.Channel, error) {
	c.mu.Lock()
	if entry, ok := c.byIDMap[id]; ok && time.Since(entry.loaded) < channelCacheTTL {
		c.mu.Unlock()
		return entry.channel, nil
	}
	c.mu.Unlock()

	var channel models.Channel
	if err := c.db.First(&channel, "id = ?", id).Error; err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byIDMap[id] = cachedChannel{channel: &channel, loaded: time.Now()}
	c.mu.Unlock()
	return &channel, nil
}
