package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"whatsflow/internal/models"

	"gorm.io/gorm"
)

// Matcher evaluates inbound text against a tenant's trigger rules. Match is a
// pure decision; the counter/hit side effects happen in RecordFire so a caller
// that fails later (e.g. on a bad workflow definition) can skip them.
type Matcher struct {
	db *gorm.DB
}

func NewMatcher(db *gorm.DB) *Matcher {
	return &Matcher{db: db}
}

// Match returns the first rule that fires for the inbound text, or nil when
// none does. Rules are evaluated in creation order (id as tie-break) across
// rules scoped to the channel plus unscoped ones. Non-workflow rules inside
// their cooldown window for this contact are skipped and matching continues;
// workflow rules bypass cooldown because session exclusivity already prevents
// duplicate conversations.
func (m *Matcher) Match(tenantID, channelID uint, waID, text string) (*models.TriggerRule, error) {
	var rules []models.TriggerRule
	err := m.db.Where("tenant_id = ? AND enabled = ? AND (channel_id IS NULL OR channel_id = ?)",
		tenantID, true, channelID).
		Order("created_at, id").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}

	for i := range rules {
		rule := &rules[i]
		if !m.keywordsMatch(rule, text) {
			continue
		}
		if rule.ReplyType != models.ReplyTypeWorkflow && m.inCooldown(rule, waID) {
			log.Printf("Rule %q in cooldown for %s, trying next rule", rule.Name, waID)
			continue
		}
		return rule, nil
	}

	return nil, nil
}

// RecordFire applies the side effects of a fired rule: the trigger counter,
// the last-fired timestamp, and the rule hit that backs cooldown suppression.
func (m *Matcher) RecordFire(rule *models.TriggerRule, waID string) {
	now := time.Now()
	err := m.db.Model(&models.TriggerRule{}).Where("id = ?", rule.ID).
		Updates(map[string]interface{}{
			"trigger_count":     gorm.Expr("trigger_count + 1"),
			"last_triggered_at": &now,
		}).Error
	if err != nil {
		log.Printf("Error updating trigger counter for rule %d: %v", rule.ID, err)
	}

	hit := models.RuleHit{TenantID: rule.TenantID, RuleID: rule.ID, WaID: waID, FiredAt: now}
	if err := m.db.Create(&hit).Error; err != nil {
		log.Printf("Error recording rule hit for rule %d: %v", rule.ID, err)
	}
}

// ParseKeywords parses a rule's stored keyword list and rejects empty ones
func ParseKeywords(raw string) ([]string, error) {
	var keywords []string
	if err := json.Unmarshal([]byte(raw), &keywords); err != nil {
		return nil, fmt.Errorf("keywords must be a JSON array of strings: %w", err)
	}
	if len(keywords) == 0 {
		return nil, errors.New("at least one trigger keyword is required")
	}
	return keywords, nil
}

func (m *Matcher) keywordsMatch(rule *models.TriggerRule, text string) bool {
	keywords, err := ParseKeywords(rule.Keywords)
	if err != nil {
		log.Printf("Error parsing keywords for rule %d: %v", rule.ID, err)
		return false
	}

	normalized := strings.ToLower(strings.TrimSpace(text))
	for _, kw := range keywords {
		if matchKeyword(normalized, rule.MatchMode, strings.ToLower(strings.TrimSpace(kw))) {
			return true
		}
	}
	return false
}

func matchKeyword(text, mode, keyword string) bool {
	if keyword == "" {
		return false
	}
	switch mode {
	case models.MatchModeExact:
		return text == keyword
	case models.MatchModePrefix:
		return strings.HasPrefix(text, keyword)
	case models.MatchModeContains:
		return strings.Contains(text, keyword)
	default:
		return false
	}
}

// inCooldown checks the rule_hits table for a firing of this exact rule to
// this contact inside the rule's suppression window.
func (m *Matcher) inCooldown(rule *models.TriggerRule, waID string) bool {
	if rule.CooldownMinutes <= 0 {
		return false
	}
	cutoff := time.Now().Add(-time.Duration(rule.CooldownMinutes) * time.Minute)

	var count int64
	err := m.db.Model(&models.RuleHit{}).
		Where("rule_id = ? AND wa_id = ? AND fired_at > ?", rule.ID, waID, cutoff).
		Count(&count).Error
	if err != nil {
		log.Printf("Error checking cooldown for rule %d: %v", rule.ID, err)
		return false
	}
	return count > 0
}
