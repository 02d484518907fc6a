package automation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"whatsflow/internal/database"
	"whatsflow/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Named shared-cache memory DB so every pooled connection sees the same
	// database, isolated per test by name.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func newTestChannel(t *testing.T, db *gorm.DB, tenantID uint) *models.Channel {
	t.Helper()
	channel := &models.Channel{
		TenantID:      tenantID,
		Name:          "test",
		PhoneNumberID: fmt.Sprintf("pn-%s", strings.ReplaceAll(t.Name(), "/", "_")),
		AccessToken:   "token",
	}
	require.NoError(t, db.Create(channel).Error)
	return channel
}

type sentMessage struct {
	Kind       string // text, buttons, list, template
	To         string
	Text       string
	ButtonText string
	Options    []StepOption
}

// fakeSender records outbound messages and can be told to fail
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) record(m sentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) SendText(channel *models.Channel, to, text string) error {
	return f.record(sentMessage{Kind: "text", To: to, Text: text})
}

func (f *fakeSender) SendButtons(channel *models.Channel, to, text string, buttons []StepOption) error {
	return f.record(sentMessage{Kind: "buttons", To: to, Text: text, Options: buttons})
}

func (f *fakeSender) SendList(channel *models.Channel, to, text, buttonText string, rows []StepOption) error {
	return f.record(sentMessage{Kind: "list", To: to, Text: text, ButtonText: buttonText, Options: rows})
}

func (f *fakeSender) SendTemplate(channel *models.Channel, to, name, language string) error {
	return f.record(sentMessage{Kind: "template", To: to, Text: name})
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// manualScheduler records deferred checks instead of arming timers
type manualScheduler struct {
	mu        sync.Mutex
	scheduled []scheduledCheck
}

type scheduledCheck struct {
	SessionID string
	After     time.Duration
}

func (m *manualScheduler) Schedule(sessionID string, after time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled = append(m.scheduled, scheduledCheck{SessionID: sessionID, After: after})
}

func (m *manualScheduler) checks() []scheduledCheck {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]scheduledCheck, len(m.scheduled))
	copy(out, m.scheduled)
	return out
}

// recordingSink captures lead handoffs
type recordingSink struct {
	mu    sync.Mutex
	leads []models.Lead
}

func (r *recordingSink) Capture(lead *models.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leads = append(r.leads, *lead)
	return nil
}

func (r *recordingSink) captured() []models.Lead {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Lead, len(r.leads))
	copy(out, r.leads)
	return out
}

// testRig wires the engine parts around a fake sender and manual scheduler
type testRig struct {
	db         *gorm.DB
	store      *Store
	sender     *fakeSender
	sink       *recordingSink
	sched      *manualScheduler
	reporter   *Reporter
	dispatcher *Dispatcher
	resolver   *Resolver
	supervisor *Supervisor
	channel    *models.Channel
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	db := newTestDB(t)
	store := NewStore(db)
	sender := &fakeSender{}
	sink := &recordingSink{}
	sched := &manualScheduler{}
	channels := newChannelCache(db)
	reporter := NewReporter(store, sender, sink, nil)
	dispatcher := NewDispatcher(store, sender, reporter, sched)
	dispatcher.sleep = func(time.Duration) {} // no real delays in tests

	return &testRig{
		db:         db,
		store:      store,
		sender:     sender,
		sink:       sink,
		sched:      sched,
		reporter:   reporter,
		dispatcher: dispatcher,
		resolver:   NewResolver(store, sender, dispatcher),
		supervisor: NewSupervisor(store, reporter, channels),
		channel:    newTestChannel(t, db, 1),
	}
}

func workflowRule(t *testing.T, db *gorm.DB, tenantID uint, def *Definition) *models.TriggerRule {
	t.Helper()
	raw := marshalDefinition(t, def)
	rule := &models.TriggerRule{
		TenantID:       tenantID,
		Name:           "test workflow",
		Enabled:        true,
		Keywords:       `["hi","hello"]`,
		MatchMode:      models.MatchModeContains,
		ReplyType:      models.ReplyTypeWorkflow,
		Workflow:       raw,
		TimeoutMinutes: 1,
	}
	require.NoError(t, db.Create(rule).Error)
	return rule
}

func marshalDefinition(t *testing.T, def *Definition) string {
	t.Helper()
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	return string(raw)
}

// startSession creates an active session via the store, as rule firing would
func startSession(t *testing.T, rig *testRig, def *Definition, waID string) *models.WorkflowSession {
	t.Helper()
	rule := workflowRule(t, rig.db, rig.channel.TenantID, def)
	session, err := rig.store.CreateReplacing(rig.channel.TenantID, rig.channel.ID, waID, rule, def)
	require.NoError(t, err)
	return session
}
