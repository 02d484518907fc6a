package models

import (
	"time"
)

// Tenant is an isolated customer account. Everything else is scoped by it.
type Tenant struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	Slug      string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"slug"`
	APIKey    string    `gorm:"type:varchar(255)" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Tenant) TableName() string {
	return "tenants"
}

// Channel is one connected WhatsApp phone number belonging to a tenant
type Channel struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TenantID      uint      `gorm:"index;not null" json:"tenant_id"`
	Name          string    `gorm:"type:varchar(255)" json:"name"`
	PhoneNumberID string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"phone_number_id"`
	WABAID        string    `gorm:"type:varchar(100)" json:"waba_id"`
	AccessToken   string    `gorm:"type:text" json:"-"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Channel) TableName() string {
	return "channels"
}

// Message represents a WhatsApp message, inbound or outbound
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TenantID  uint      `gorm:"index;not null" json:"tenant_id"`
	ChannelID uint      `gorm:"index" json:"channel_id"`
	WaID      string    `gorm:"type:varchar(50);index;not null" json:"wa_id"` // contact phone number
	MessageID string    `gorm:"type:varchar(255);index" json:"message_id"`    // WhatsApp message id
	Direction string    `gorm:"type:varchar(10)" json:"direction"`            // in, out
	Content   string    `gorm:"type:text" json:"content"`
	Type      string    `gorm:"type:varchar(50)" json:"type"`
	Status    string    `gorm:"type:varchar(20)" json:"status"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

// Contact represents a WhatsApp contact within a tenant
type Contact struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TenantID      uint      `gorm:"uniqueIndex:idx_contacts_tenant_wa;not null" json:"tenant_id"`
	WaID          string    `gorm:"type:varchar(50);uniqueIndex:idx_contacts_tenant_wa;not null" json:"wa_id"`
	Name          string    `gorm:"type:varchar(255)" json:"name"`
	ProfilePicURL string    `gorm:"type:text" json:"profile_pic_url"`
	Tags          string    `gorm:"type:text" json:"tags"` // JSON array
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}

// Template represents a synced WhatsApp message template
type Template struct {
	ID         string `gorm:"primaryKey" json:"id"`
	TenantID   uint   `gorm:"index" json:"tenant_id"`
	Name       string `gorm:"type:varchar(255)" json:"name"`
	Language   string `gorm:"type:varchar(50)" json:"language"`
	Category   string `gorm:"type:varchar(100)" json:"category"`
	Status     string `gorm:"type:varchar(50)" json:"status"`
	Components string `gorm:"type:text" json:"components"` // JSON components
}

func (Template) TableName() string {
	return "templates"
}

// Reply types for trigger rules
const (
	ReplyTypeText     = "text"
	ReplyTypeTemplate = "template"
	ReplyTypeWorkflow = "workflow"
)

// Keyword match modes
const (
	MatchModeExact    = "exact"
	MatchModeContains = "contains"
	MatchModePrefix   = "prefix"
)

// TriggerRule is a keyword-activated automation. ChannelID nil means the rule
// applies to every channel of the tenant.
type TriggerRule struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	TenantID        uint       `gorm:"index;not null" json:"tenant_id"`
	ChannelID       *uint      `gorm:"index" json:"channel_id"`
	Name            string     `gorm:"type:varchar(255);not null" json:"name"`
	Enabled         bool       `gorm:"default:true" json:"enabled"`
	Keywords        string     `gorm:"type:text;not null" json:"keywords"` // JSON array
	MatchMode       string     `gorm:"type:varchar(20);default:'contains'" json:"match_mode"`
	ReplyType       string     `gorm:"type:varchar(20);not null" json:"reply_type"`
	ReplyText       string     `gorm:"type:text" json:"reply_text"`
	TemplateName    string     `gorm:"type:varchar(255)" json:"template_name"`
	TemplateLang    string     `gorm:"type:varchar(20)" json:"template_lang"`
	Workflow        string     `gorm:"type:text" json:"workflow"` // JSON workflow definition
	CooldownMinutes int        `gorm:"default:0" json:"cooldown_minutes"`
	TimeoutMinutes  int        `gorm:"default:1" json:"timeout_minutes"`
	TriggerCount    int64      `gorm:"default:0" json:"trigger_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TriggerRule) TableName() string {
	return "trigger_rules"
}

// RuleHit records one firing of a rule for a contact. Cooldown suppression
// reads this table, not the message log.
type RuleHit struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	TenantID uint      `gorm:"index;not null" json:"tenant_id"`
	RuleID   uint      `gorm:"index:idx_rule_hits_rule_contact;not null" json:"rule_id"`
	WaID     string    `gorm:"type:varchar(50);index:idx_rule_hits_rule_contact;not null" json:"wa_id"`
	FiredAt  time.Time `gorm:"index;not null" json:"fired_at"`
}

func (RuleHit) TableName() string {
	return "rule_hits"
}

// Workflow session statuses
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionExpired   = "expired"
	SessionCancelled = "cancelled"
)

// WorkflowSession is one execution of a workflow for one contact. Definition
// holds an immutable JSON snapshot taken when the rule fired, so edits to the
// rule never affect sessions in flight. At most one active session may exist
// per (tenant, contact); the store enforces this with a partial unique index.
type WorkflowSession struct {
	ID             string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TenantID       uint       `gorm:"index:idx_sessions_tenant_wa;not null" json:"tenant_id"`
	ChannelID      uint       `json:"channel_id"`
	WaID           string     `gorm:"type:varchar(50);index:idx_sessions_tenant_wa;not null" json:"wa_id"`
	RuleID         uint       `gorm:"index" json:"rule_id"`
	Definition     string     `gorm:"type:text;not null" json:"-"`
	StepIndex      int        `gorm:"default:0" json:"step_index"`
	Variables      string     `gorm:"type:text" json:"variables"` // JSON map
	Status         string     `gorm:"type:varchar(20);default:'active';index" json:"status"`
	AwaitingSince  *time.Time `json:"awaiting_since"`
	TimeoutMinutes int        `gorm:"default:1" json:"timeout_minutes"`
	Version        int64      `gorm:"default:0" json:"-"` // optimistic concurrency
	StartedAt      time.Time  `gorm:"autoCreateTime" json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
}

func (WorkflowSession) TableName() string {
	return "workflow_sessions"
}

// Lead holds the captured variables handed off when a session terminates
type Lead struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	TenantID       uint      `gorm:"index;not null" json:"tenant_id"`
	WaID           string    `gorm:"type:varchar(50);index" json:"wa_id"`
	RuleID         uint      `json:"rule_id"`
	SessionID      string    `gorm:"type:varchar(36)" json:"session_id"`
	Variables      string    `gorm:"type:text" json:"variables"`              // JSON map
	CompletionKind string    `gorm:"type:varchar(20)" json:"completion_kind"` // completed, expired
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Lead) TableName() string {
	return "leads"
}
