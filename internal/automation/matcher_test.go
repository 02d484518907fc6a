package automation

import (
	"testing"
	"time"

	"whatsflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createRule(t *testing.T, m *Matcher, rule models.TriggerRule) *models.TriggerRule {
	t.Helper()
	require.NoError(t, m.db.Create(&rule).Error)
	return &rule
}

func TestMatchModes(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		keyword string
		text    string
		matched bool
	}{
		{"exact hit", models.MatchModeExact, "hi", "hi", true},
		{"exact trims and lowercases", models.MatchModeExact, "Hi", "  HI  ", true},
		{"exact rejects superstring", models.MatchModeExact, "hi", "hi there", false},
		{"contains hit", models.MatchModeContains, "hello", "well hello there", true},
		{"contains miss", models.MatchModeContains, "hello", "goodbye", false},
		{"prefix hit", models.MatchModePrefix, "order", "order #42", true},
		{"prefix rejects mid-string", models.MatchModePrefix, "order", "my order", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db := newTestDB(t)
			m := NewMatcher(db)
			createRule(t, m, models.TriggerRule{
				TenantID: 1, Name: "r", Enabled: true,
				Keywords: `["` + tc.keyword + `"]`, MatchMode: tc.mode,
				ReplyType: models.ReplyTypeText, ReplyText: "ok",
			})

			rule, err := m.Match(1, 1, "5511999", tc.text)
			require.NoError(t, err)
			if tc.matched {
				require.NotNil(t, rule)
			} else {
				assert.Nil(t, rule)
			}
		})
	}
}

func TestMatchFirstRuleByCreationOrder(t *testing.T) {
	db := newTestDB(t)
	m := NewMatcher(db)

	first := createRule(t, m, models.TriggerRule{
		TenantID: 1, Name: "first", Enabled: true,
		Keywords: `["hi"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeText, ReplyText: "a",
	})
	createRule(t, m, models.TriggerRule{
		TenantID: 1, Name: "second", Enabled: true,
		Keywords: `["hi"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeText, ReplyText: "b",
	})

	rule, err := m.Match(1, 1, "5511999", "hi")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, first.ID, rule.ID)
}

func TestMatchChannelScoping(t *testing.T) {
	db := newTestDB(t)
	m := NewMatcher(db)

	otherChannel := uint(99)
	createRule(t, m, models.TriggerRule{
		TenantID: 1, Name: "scoped elsewhere", Enabled: true, ChannelID: &otherChannel,
		Keywords: `["hi"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeText, ReplyText: "a",
	})
	unscoped := createRule(t, m, models.TriggerRule{
		TenantID: 1, Name: "unscoped", Enabled: true,
		Keywords: `["hi"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeText, ReplyText: "b",
	})

	rule, err := m.Match(1, 1, "5511999", "hi")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, unscoped.ID, rule.ID)
}

func TestMatchSkipsDisabledRules(t *testing.T) {
	db := newTestDB(t)
	m := NewMatcher(db)
	createRule(t, m, models.TriggerRule{
		TenantID: 1, Name: "off", Enabled: false,
		Keywords: `["hi"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeText, ReplyText: "a",
	})

	rule, err := m.Match(1, 1, "5511999", "hi")
	require.NoError(t, err)
	assert.Nil(t, rule)
}

func TestCooldownSkipsRuleAndContinues(t *testing.T) {
	db := newTestDB(t)
	m := NewMatcher(db)

	cooled := createRule(t, m, models.TriggerRule{
		TenantID: 1, Name: "cooled", Enabled: true,
		Keywords: `["hi"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeText, ReplyText: "a", CooldownMinutes: 10,
	})
	fallback := createRule(t, m, models.TriggerRule{
		TenantID: 1, Name: "fallback", Enabled: true,
		Keywords: `["hi"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeText, ReplyText: "b",
	})

	// First inbound fires the cooled rule.
	rule, err := m.Match(1, 1, "5511999", "hi")
	require.NoError(t, err)
	require.Equal(t, cooled.ID, rule.ID)
	m.RecordFire(rule, "5511999")

	// Within the window the cooled rule is skipped and matching continues.
	rule, err = m.Match(1, 1, "5511999", "hi")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, fallback.ID, rule.ID)

	// A different contact is unaffected.
	rule, err = m.Match(1, 1, "5522888", "hi")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, cooled.ID, rule.ID)
}

func TestCooldownExpires(t *testing.T) {
	db := newTestDB(t)
	m := NewMatcher(db)

	cooled := createRule(t, m, models.TriggerRule{
		TenantID: 1, Name: "cooled", Enabled: true,
		Keywords: `["hi"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeText, ReplyText: "a", CooldownMinutes: 10,
	})

	stale := time.Now().Add(-30 * time.Minute)
	require.NoError(t, db.Create(&models.RuleHit{
		TenantID: 1, RuleID: cooled.ID, WaID: "5511999", FiredAt: stale,
	}).Error)

	rule, err := m.Match(1, 1, "5511999", "hi")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, cooled.ID, rule.ID)
}

func TestWorkflowRulesBypassCooldown(t *testing.T) {
	db := newTestDB(t)
	m := NewMatcher(db)

	def := `{"steps":[{"id":"a","kind":"prompt","text":"hi","waitForReply":true}]}`
	wf := createRule(t, m, models.TriggerRule{
		TenantID: 1, Name: "wf", Enabled: true,
		Keywords: `["hi"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeWorkflow, Workflow: def, CooldownMinutes: 10,
	})
	m.RecordFire(wf, "5511999")

	rule, err := m.Match(1, 1, "5511999", "hi")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, wf.ID, rule.ID)
}

func TestRecordFireSideEffects(t *testing.T) {
	db := newTestDB(t)
	m := NewMatcher(db)
	rule := createRule(t, m, models.TriggerRule{
		TenantID: 1, Name: "r", Enabled: true,
		Keywords: `["hi"]`, MatchMode: models.MatchModeContains,
		ReplyType: models.ReplyTypeText, ReplyText: "a",
	})

	m.RecordFire(rule, "5511999")
	m.RecordFire(rule, "5511999")

	var fresh models.TriggerRule
	require.NoError(t, db.First(&fresh, rule.ID).Error)
	assert.EqualValues(t, 2, fresh.TriggerCount)
	assert.NotNil(t, fresh.LastTriggeredAt)

	var hits int64
	db.Model(&models.RuleHit{}).Where("rule_id = ?", rule.ID).Count(&hits)
	assert.EqualValues(t, 2, hits)
}
