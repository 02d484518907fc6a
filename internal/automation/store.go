package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"whatsflow/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrSessionConflict is returned when an optimistic save loses against a
// concurrent update. Callers reload and reapply; it is never surfaced to the
// webhook layer.
var ErrSessionConflict = errors.New("session was modified concurrently")

// Store owns all persistence of workflow sessions. The engine only ever holds
// transient session values during one processing pass; every mutation goes
// through here.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetActive returns the contact's active session, or nil when there is none
func (s *Store) GetActive(tenantID uint, waID string) (*models.WorkflowSession, error) {
	var session models.WorkflowSession
	err := s.db.Where("tenant_id = ? AND wa_id = ? AND status = ?", tenantID, waID, models.SessionActive).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Get reloads a session by id
func (s *Store) Get(id string) (*models.WorkflowSession, error) {
	var session models.WorkflowSession
	if err := s.db.First(&session, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// CreateReplacing cancels any active session for the contact and inserts a
// fresh one, atomically. The partial unique index on active sessions makes the
// insert fail if another caller slipped a session in between; one retry then
// cancels that one too, so duplicate inbound deliveries collapse to a single
// active session instead of two.
func (s *Store) CreateReplacing(tenantID, channelID uint, waID string, rule *models.TriggerRule, def *Definition) (*models.WorkflowSession, error) {
	timeout := rule.TimeoutMinutes
	if timeout <= 0 {
		timeout = 1
	}

	snapshot, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}

	session := &models.WorkflowSession{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		ChannelID:      channelID,
		WaID:           waID,
		RuleID:         rule.ID,
		Definition:     string(snapshot),
		Variables:      "{}",
		Status:         models.SessionActive,
		TimeoutMinutes: timeout,
	}

	insert := func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			now := time.Now()
			if err := tx.Model(&models.WorkflowSession{}).
				Where("tenant_id = ? AND wa_id = ? AND status = ?", tenantID, waID, models.SessionActive).
				Updates(map[string]interface{}{"status": models.SessionCancelled, "completed_at": &now}).Error; err != nil {
				return err
			}
			return tx.Create(session).Error
		})
	}

	if err := insert(); err != nil {
		// Lost a race against a concurrent create; cancel the winner and retry once.
		if err = insert(); err != nil {
			return nil, fmt.Errorf("failed to create session for %s: %w", waID, err)
		}
	}

	return session, nil
}

// Save persists step index, variables and awaiting state under an optimistic
// version check. On success the in-memory version is bumped to match the row.
func (s *Store) Save(session *models.WorkflowSession) error {
	res := s.db.Model(&models.WorkflowSession{}).
		Where("id = ? AND version = ?", session.ID, session.Version).
		Updates(map[string]interface{}{
			"step_index":     session.StepIndex,
			"variables":      session.Variables,
			"awaiting_since": session.AwaitingSince,
			"version":        session.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionConflict
	}
	session.Version++
	return nil
}

// ClearAwaiting atomically consumes the awaiting flag. Exactly one of
// {reply arrives, timeout fires} observes true here; the other sees the flag
// already cleared and must become a no-op.
func (s *Store) ClearAwaiting(id string) (bool, error) {
	res := s.db.Model(&models.WorkflowSession{}).
		Where("id = ? AND status = ? AND awaiting_since IS NOT NULL", id, models.SessionActive).
		Updates(map[string]interface{}{"awaiting_since": nil, "version": gorm.Expr("version + 1")})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkTerminal transitions an active session to a terminal status. Returns
// false when the session already left the active state, which makes repeated
// completion or expiry attempts idempotent.
func (s *Store) MarkTerminal(id, status string) (bool, error) {
	now := time.Now()
	res := s.db.Model(&models.WorkflowSession{}).
		Where("id = ? AND status = ?", id, models.SessionActive).
		Updates(map[string]interface{}{
			"status":         status,
			"awaiting_since": nil,
			"completed_at":   &now,
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Expire claims an overdue awaiting session in one statement: the session must
// still be active, still awaiting, and have been awaiting since before the
// cutoff. This is the supervisor's half of the reply-vs-timeout race.
func (s *Store) Expire(id string, awaitingBefore time.Time) (bool, error) {
	now := time.Now()
	res := s.db.Model(&models.WorkflowSession{}).
		Where("id = ? AND status = ? AND awaiting_since IS NOT NULL AND awaiting_since <= ?",
			id, models.SessionActive, awaitingBefore).
		Updates(map[string]interface{}{
			"status":         models.SessionExpired,
			"awaiting_since": nil,
			"completed_at":   &now,
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Awaiting lists sessions currently suspended on a reply, for the sweep
func (s *Store) Awaiting() ([]models.WorkflowSession, error) {
	var sessions []models.WorkflowSession
	err := s.db.Where("status = ? AND awaiting_since IS NOT NULL", models.SessionActive).
		Find(&sessions).Error
	return sessions, err
}

// --- session variable helpers ---

func sessionVars(session *models.WorkflowSession) map[string]string {
	vars := make(map[string]string)
	if session.Variables != "" {
		if err := json.Unmarshal([]byte(session.Variables), &vars); err != nil {
			return make(map[string]string)
		}
	}
	return vars
}

func setSessionVar(session *models.WorkflowSession, key, value string) {
	vars := sessionVars(session)
	vars[key] = value
	raw, _ := json.Marshal(vars)
	session.Variables = string(raw)
}

func sessionDefinition(session *models.WorkflowSession) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(session.Definition), &def); err != nil {
		return nil, fmt.Errorf("corrupt definition snapshot for session %s: %w", session.ID, err)
	}
	return &def, nil
}
