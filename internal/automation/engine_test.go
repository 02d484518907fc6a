package automation

import (
	"errors"
	"testing"
	"time"

	"whatsflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type engineRig struct {
	db      *gorm.DB
	engine  *Engine
	sender  *fakeSender
	sink    *recordingSink
	channel *models.Channel
}

func newEngineRig(t *testing.T) *engineRig {
	t.Helper()
	db := newTestDB(t)
	sender := &fakeSender{}
	sink := &recordingSink{}
	return &engineRig{
		db:      db,
		engine:  NewEngine(db, sender, sink, nil, nil),
		sender:  sender,
		sink:    sink,
		channel: newTestChannel(t, db, 1),
	}
}

func (r *engineRig) event(id, text, choiceID string) InboundEvent {
	return InboundEvent{
		ID:         id,
		TenantID:   1,
		ChannelID:  r.channel.ID,
		WaID:       "5511999",
		Text:       text,
		ChoiceID:   choiceID,
		ReceivedAt: time.Now(),
	}
}

func TestEngineRunsWorkflowEndToEnd(t *testing.T) {
	rig := newEngineRig(t)
	def := &Definition{
		Steps: []Step{
			{ID: "ask-name", Kind: StepPrompt, Text: "Welcome! What's your name?", WaitForReply: true, CaptureAs: "name"},
		},
		CompletionText: "Thanks, {{vars.name}}!",
	}
	workflowRule(t, rig.db, 1, def)

	// Keyword message starts the session and sends the first prompt.
	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.1", "hello there", "")))

	sent := rig.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Welcome! What's your name?", sent[0].Text)

	session, err := rig.engine.ActiveSession(1, "5511999")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.NotNil(t, session.AwaitingSince)

	// The reply is captured, the workflow finishes, the summary goes out.
	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.2", "Ana", "")))

	sent = rig.sender.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "Thanks, Ana!", sent[1].Text)

	session, err = rig.engine.ActiveSession(1, "5511999")
	require.NoError(t, err)
	assert.Nil(t, session)

	leads := rig.sink.captured()
	require.Len(t, leads, 1)
	assert.Equal(t, "completed", leads[0].CompletionKind)
	assert.Contains(t, leads[0].Variables, `"name":"Ana"`)
}

func TestEngineDropsDuplicateEventIDs(t *testing.T) {
	rig := newEngineRig(t)
	def := &Definition{
		Steps: []Step{
			{ID: "ask", Kind: StepPrompt, Text: "Name?", WaitForReply: true},
		},
	}
	workflowRule(t, rig.db, 1, def)

	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.1", "hi", "")))
	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.1", "hi", "")))

	assert.Len(t, rig.sender.messages(), 1, "redelivered event must not restart the workflow")
}

func TestEngineActiveSessionInterceptsKeywords(t *testing.T) {
	rig := newEngineRig(t)
	def := &Definition{
		Steps: []Step{
			{ID: "ask", Kind: StepPrompt, Text: "Name?", WaitForReply: true, CaptureAs: "name"},
			{ID: "ask2", Kind: StepPrompt, Text: "Email?", WaitForReply: true, CaptureAs: "email"},
		},
	}
	workflowRule(t, rig.db, 1, def)

	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.1", "hi", "")))

	// "hello" matches the trigger keyword, but the active session consumes
	// it as the name reply instead of starting a second workflow.
	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.2", "hello", "")))

	session, err := rig.engine.ActiveSession(1, "5511999")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, 1, session.StepIndex)
	assert.Contains(t, session.Variables, `"name":"hello"`)

	var count int64
	rig.db.Model(&models.WorkflowSession{}).Where("wa_id = ?", "5511999").Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestEngineTextRuleReply(t *testing.T) {
	rig := newEngineRig(t)
	require.NoError(t, rig.db.Create(&models.TriggerRule{
		TenantID: 1, Name: "hours", Enabled: true,
		Keywords: `["hours"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeText, ReplyText: "We open at 9am.",
	}).Error)

	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.1", "what are your hours?", "")))

	sent := rig.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "We open at 9am.", sent[0].Text)

	// Text rules never create sessions.
	session, err := rig.engine.ActiveSession(1, "5511999")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestEngineTemplateRuleReply(t *testing.T) {
	rig := newEngineRig(t)
	require.NoError(t, rig.db.Create(&models.TriggerRule{
		TenantID: 1, Name: "promo", Enabled: true,
		Keywords: `["promo"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeTemplate, TemplateName: "promo_template",
	}).Error)

	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.1", "promo", "")))

	sent := rig.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "template", sent[0].Kind)
	assert.Equal(t, "promo_template", sent[0].Text)
}

func TestEngineInvalidDefinitionFailsRuleWithoutSession(t *testing.T) {
	rig := newEngineRig(t)
	require.NoError(t, rig.db.Create(&models.TriggerRule{
		TenantID: 1, Name: "broken", Enabled: true,
		Keywords: `["hi"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeWorkflow, Workflow: `{"steps":[]}`,
	}).Error)

	err := rig.engine.ProcessInbound(rig.event("wamid.1", "hi", ""))
	require.ErrorIs(t, err, ErrInvalidDefinition)

	session, e := rig.engine.ActiveSession(1, "5511999")
	require.NoError(t, e)
	assert.Nil(t, session)
	assert.Empty(t, rig.sender.messages())
}

func TestEngineRecoversAfterFailedSend(t *testing.T) {
	rig := newEngineRig(t)
	def := &Definition{
		Steps: []Step{
			{ID: "ask-name", Kind: StepPrompt, Text: "Welcome! What's your name?", WaitForReply: true, CaptureAs: "name"},
		},
		CompletionText: "Thanks, {{vars.name}}!",
	}
	workflowRule(t, rig.db, 1, def)

	// The rule fires but the prompt never goes out; the session is left
	// active with no awaiting timestamp and no timer.
	rig.sender.err = errors.New("graph api unreachable")
	require.Error(t, rig.engine.ProcessInbound(rig.event("wamid.1", "hi", "")))
	assert.Empty(t, rig.sender.messages())

	// The next message from the contact retries the pending step.
	rig.sender.err = nil
	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.2", "hello", "")))

	sent := rig.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Welcome! What's your name?", sent[0].Text)

	session, err := rig.engine.ActiveSession(1, "5511999")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.NotNil(t, session.AwaitingSince)

	// From here the workflow proceeds normally.
	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.3", "Ana", "")))
	sent = rig.sender.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "Thanks, Ana!", sent[1].Text)
}

func TestEngineReleasesEventIDAfterFailedPass(t *testing.T) {
	rig := newEngineRig(t)
	def := &Definition{
		Steps: []Step{
			{ID: "ask", Kind: StepPrompt, Text: "Name?", WaitForReply: true},
		},
	}
	workflowRule(t, rig.db, 1, def)

	rig.sender.err = errors.New("graph api unreachable")
	require.Error(t, rig.engine.ProcessInbound(rig.event("wamid.1", "hi", "")))

	// A redelivery under the same id retries the failed pass.
	rig.sender.err = nil
	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.1", "hi", "")))
	assert.Len(t, rig.sender.messages(), 1)

	// Once the pass succeeded the id is consumed for good.
	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.1", "hi", "")))
	assert.Len(t, rig.sender.messages(), 1)
}

func TestEngineFailedSendDoesNotCountRuleFire(t *testing.T) {
	rig := newEngineRig(t)
	require.NoError(t, rig.db.Create(&models.TriggerRule{
		TenantID: 1, Name: "hours", Enabled: true,
		Keywords: `["hours"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeText, ReplyText: "We open at 9am.", CooldownMinutes: 10,
	}).Error)

	rig.sender.err = errors.New("graph api unreachable")
	require.Error(t, rig.engine.ProcessInbound(rig.event("wamid.1", "hours?", "")))

	var rule models.TriggerRule
	require.NoError(t, rig.db.Where("name = ?", "hours").First(&rule).Error)
	assert.EqualValues(t, 0, rule.TriggerCount)
	var hits int64
	rig.db.Model(&models.RuleHit{}).Where("rule_id = ?", rule.ID).Count(&hits)
	assert.EqualValues(t, 0, hits, "cooldown must not start for an undelivered reply")

	// With delivery working the same contact gets the reply and the
	// counters move.
	rig.sender.err = nil
	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.2", "hours?", "")))
	require.NoError(t, rig.db.Where("name = ?", "hours").First(&rule).Error)
	assert.EqualValues(t, 1, rule.TriggerCount)
}

func TestEngineNoMatchIsSilent(t *testing.T) {
	rig := newEngineRig(t)
	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.1", "random text", "")))
	assert.Empty(t, rig.sender.messages())
}

func TestEngineNewKeywordReplacesActiveSessionAfterExpiry(t *testing.T) {
	rig := newEngineRig(t)
	def := &Definition{
		Steps: []Step{
			{ID: "ask", Kind: StepPrompt, Text: "Name?", WaitForReply: true, CaptureAs: "name"},
		},
		CompletionText: "Thanks!",
	}
	workflowRule(t, rig.db, 1, def)

	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.1", "hi", "")))
	first, err := rig.engine.ActiveSession(1, "5511999")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Expire it, then a fresh keyword starts a new session.
	sup := rig.engine.Supervisor()
	sup.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.True(t, sup.Check(first.ID))

	require.NoError(t, rig.engine.ProcessInbound(rig.event("wamid.2", "hi", "")))
	second, err := rig.engine.ActiveSession(1, "5511999")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
}
