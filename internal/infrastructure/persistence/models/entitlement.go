package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
	"go.uber.org/zap"
)

var entitlementLogger = zap.L().Named("entitlement.models")

// PolicyModel is the persistence model for a billing policy record.
// Global records carry the nil UUID as scope_id.
type PolicyModel struct {
	BaseModel
	Scope              entitlement.Scope `gorm:"type:varchar(20);not null;index:idx_billing_policies_scope_key,priority:1"`
	ScopeID            uuid.UUID         `gorm:"type:uuid;not null;index:idx_billing_policies_scope_key,priority:2"`
	CountActivePrivate bool              `gorm:"not null;default:false"`
	CountPreorder      bool              `gorm:"not null;default:false"`
	CountZeroPrice     bool              `gorm:"not null;default:false"`
	RequireImage       bool              `gorm:"not null;default:false"`
	RequireCurrency    bool              `gorm:"not null;default:false"`
	EffectiveFrom      time.Time         `gorm:"not null;index"`
	EffectiveTo        *time.Time        `gorm:"index"`
	Note               string            `gorm:"type:varchar(500)"`
	UpdatedBy          *uuid.UUID        `gorm:"type:uuid"`
	Version            int               `gorm:"not null;default:1"`
}

// TableName returns the table name for GORM
func (PolicyModel) TableName() string {
	return "billing_policies"
}

// ToDomain converts the persistence model to a domain PolicyRecord
func (m *PolicyModel) ToDomain() *entitlement.PolicyRecord {
	p := &entitlement.PolicyRecord{
		BaseEntity: m.BaseModel.ToDomain(),
		Scope:      m.Scope,
		ScopeID:    m.ScopeID,
		PolicyFlags: entitlement.PolicyFlags{
			CountActivePrivate: m.CountActivePrivate,
			CountPreorder:      m.CountPreorder,
			CountZeroPrice:     m.CountZeroPrice,
			RequireImage:       m.RequireImage,
			RequireCurrency:    m.RequireCurrency,
		},
		EffectiveFrom: m.EffectiveFrom.UTC(),
		Note:          m.Note,
		UpdatedBy:     m.UpdatedBy,
		Version:       m.Version,
	}
	if m.EffectiveTo != nil {
		to := m.EffectiveTo.UTC()
		p.EffectiveTo = &to
	}
	return p
}

// FromDomain populates the persistence model from a domain PolicyRecord
func (m *PolicyModel) FromDomain(p *entitlement.PolicyRecord) {
	m.FromDomainBaseEntity(p.BaseEntity)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	m.Scope = p.Scope
	m.ScopeID = p.ScopeID
	m.CountActivePrivate = p.CountActivePrivate
	m.CountPreorder = p.CountPreorder
	m.CountZeroPrice = p.CountZeroPrice
	m.RequireImage = p.RequireImage
	m.RequireCurrency = p.RequireCurrency
	m.EffectiveFrom = p.EffectiveFrom.UTC()
	m.EffectiveTo = utcPtr(p.EffectiveTo)
	m.Note = p.Note
	m.UpdatedBy = p.UpdatedBy
	m.Version = p.Version
}

// PolicyModelFromDomain creates a new persistence model from a domain PolicyRecord
func PolicyModelFromDomain(p *entitlement.PolicyRecord) *PolicyModel {
	m := &PolicyModel{}
	m.FromDomain(p)
	return m
}

// PolicyHeadModel is the per-scope-key row locked by policy writes
type PolicyHeadModel struct {
	Scope           entitlement.Scope `gorm:"type:varchar(20);primaryKey"`
	ScopeID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Version         int               `gorm:"not null;default:0"`
	CurrentPolicyID *uuid.UUID        `gorm:"type:uuid"`
	UpdatedAt       time.Time         `gorm:"not null"`
}

// TableName returns the table name for GORM
func (PolicyHeadModel) TableName() string {
	return "billing_policy_heads"
}

// ToDomain converts the persistence model to a domain PolicyHead
func (m *PolicyHeadModel) ToDomain() *entitlement.PolicyHead {
	return &entitlement.PolicyHead{
		Scope:           m.Scope,
		ScopeID:         m.ScopeID,
		Version:         m.Version,
		CurrentPolicyID: m.CurrentPolicyID,
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
}

// PolicyHistoryModel is an immutable snapshot of a superseded policy record
type PolicyHistoryModel struct {
	ID                 uuid.UUID         `gorm:"type:uuid;primary_key"`
	PolicyID           uuid.UUID         `gorm:"type:uuid;not null;index"`
	Scope              entitlement.Scope `gorm:"type:varchar(20);not null;index:idx_billing_policy_history_scope_key,priority:1"`
	ScopeID            uuid.UUID         `gorm:"type:uuid;not null;index:idx_billing_policy_history_scope_key,priority:2"`
	CountActivePrivate bool              `gorm:"not null"`
	CountPreorder      bool              `gorm:"not null"`
	CountZeroPrice     bool              `gorm:"not null"`
	RequireImage       bool              `gorm:"not null"`
	RequireCurrency    bool              `gorm:"not null"`
	EffectiveFrom      time.Time         `gorm:"not null"`
	EffectiveTo        time.Time         `gorm:"not null"`
	Note               string            `gorm:"type:varchar(500)"`
	UpdatedBy          *uuid.UUID        `gorm:"type:uuid"`
	Version            int               `gorm:"not null"`
	SupersededBy       *uuid.UUID        `gorm:"type:uuid"`
	RecordedAt         time.Time         `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (PolicyHistoryModel) TableName() string {
	return "billing_policy_history"
}

// ToDomain converts the persistence model to a domain PolicyHistoryRecord
func (m *PolicyHistoryModel) ToDomain() *entitlement.PolicyHistoryRecord {
	return &entitlement.PolicyHistoryRecord{
		ID:       m.ID,
		PolicyID: m.PolicyID,
		Scope:    m.Scope,
		ScopeID:  m.ScopeID,
		PolicyFlags: entitlement.PolicyFlags{
			CountActivePrivate: m.CountActivePrivate,
			CountPreorder:      m.CountPreorder,
			CountZeroPrice:     m.CountZeroPrice,
			RequireImage:       m.RequireImage,
			RequireCurrency:    m.RequireCurrency,
		},
		EffectiveFrom: m.EffectiveFrom.UTC(),
		EffectiveTo:   m.EffectiveTo.UTC(),
		Note:          m.Note,
		UpdatedBy:     m.UpdatedBy,
		Version:       m.Version,
		SupersededBy:  m.SupersededBy,
		RecordedAt:    m.RecordedAt.UTC(),
	}
}

// PolicyHistoryModelFromDomain creates a new persistence model from a domain PolicyHistoryRecord
func PolicyHistoryModelFromDomain(h *entitlement.PolicyHistoryRecord) *PolicyHistoryModel {
	return &PolicyHistoryModel{
		ID:                 h.ID,
		PolicyID:           h.PolicyID,
		Scope:              h.Scope,
		ScopeID:            h.ScopeID,
		CountActivePrivate: h.CountActivePrivate,
		CountPreorder:      h.CountPreorder,
		CountZeroPrice:     h.CountZeroPrice,
		RequireImage:       h.RequireImage,
		RequireCurrency:    h.RequireCurrency,
		EffectiveFrom:      h.EffectiveFrom.UTC(),
		EffectiveTo:        h.EffectiveTo.UTC(),
		Note:               h.Note,
		UpdatedBy:          h.UpdatedBy,
		Version:            h.Version,
		SupersededBy:       h.SupersededBy,
		RecordedAt:         h.RecordedAt.UTC(),
	}
}

// PolicyAuditLogModel is the persistence model for policy audit entries.
// Audit logs are append-only and should not be modified after creation.
type PolicyAuditLogModel struct {
	BaseModel
	PolicyID   uuid.UUID               `gorm:"type:uuid;not null;index"`
	Scope      entitlement.Scope       `gorm:"type:varchar(20);not null;index:idx_billing_policy_audit_scope_key,priority:1"`
	ScopeID    uuid.UUID               `gorm:"type:uuid;not null;index:idx_billing_policy_audit_scope_key,priority:2"`
	Action     entitlement.AuditAction `gorm:"type:varchar(30);not null;index"`
	BeforeJSON string                  `gorm:"column:before_value;type:jsonb"`
	AfterJSON  string                  `gorm:"column:after_value;type:jsonb"`
	DiffJSON   string                  `gorm:"column:diff;type:jsonb"`
	ActorID    *uuid.UUID              `gorm:"type:uuid;index"`
	Reason     string                  `gorm:"type:varchar(500)"`
	IPAddress  string                  `gorm:"type:varchar(45)"`
	UserAgent  string                  `gorm:"type:text"`
}

// TableName returns the table name for GORM
func (PolicyAuditLogModel) TableName() string {
	return "billing_policy_audit_logs"
}

// ToDomain converts the persistence model to a domain PolicyAuditLog
func (m *PolicyAuditLogModel) ToDomain() *entitlement.PolicyAuditLog {
	return &entitlement.PolicyAuditLog{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		PolicyID:  m.PolicyID,
		Scope:     m.Scope,
		ScopeID:   m.ScopeID,
		Action:    m.Action,
		Before:    decodeAuditJSON(m.ID, "before_value", m.BeforeJSON),
		After:     decodeAuditJSON(m.ID, "after_value", m.AfterJSON),
		Diff:      decodeAuditJSON(m.ID, "diff", m.DiffJSON),
		ActorID:   m.ActorID,
		Reason:    m.Reason,
		IPAddress: m.IPAddress,
		UserAgent: m.UserAgent,
	}
}

// PolicyAuditLogModelFromDomain creates a new persistence model from a domain PolicyAuditLog
func PolicyAuditLogModelFromDomain(l *entitlement.PolicyAuditLog) *PolicyAuditLogModel {
	m := &PolicyAuditLogModel{
		PolicyID:   l.PolicyID,
		Scope:      l.Scope,
		ScopeID:    l.ScopeID,
		Action:     l.Action,
		BeforeJSON: encodeAuditJSON(l.Before),
		AfterJSON:  encodeAuditJSON(l.After),
		DiffJSON:   encodeAuditJSON(l.Diff),
		ActorID:    l.ActorID,
		Reason:     l.Reason,
		IPAddress:  l.IPAddress,
		UserAgent:  l.UserAgent,
	}
	m.FromDomainBaseEntity(l.BaseEntity)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m
}

func encodeAuditJSON(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeAuditJSON(id uuid.UUID, column, raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		entitlementLogger.Warn("failed to parse policy audit JSON",
			zap.String("audit_id", id.String()),
			zap.String("column", column),
			zap.Error(err))
		return nil
	}
	return v
}

// TenantCounterModel is the persistence model for a tenant's billable counter
type TenantCounterModel struct {
	TenantID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OrganizationID   *uuid.UUID `gorm:"type:uuid;index"`
	BillableCount    int64      `gorm:"not null;default:0"`
	SKUQuota         int64      `gorm:"column:sku_quota;not null;default:-1"`
	Plan             string     `gorm:"type:varchar(50)"`
	LastReconciledAt *time.Time
	Version          int       `gorm:"not null;default:1"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (TenantCounterModel) TableName() string {
	return "billing_tenant_counters"
}

// ToDomain converts the persistence model to a domain TenantCounter
func (m *TenantCounterModel) ToDomain() *entitlement.TenantCounter {
	return &entitlement.TenantCounter{
		TenantID:         m.TenantID,
		OrganizationID:   m.OrganizationID,
		BillableCount:    m.BillableCount,
		SKUQuota:         m.SKUQuota,
		Plan:             m.Plan,
		LastReconciledAt: utcPtr(m.LastReconciledAt),
		Version:          m.Version,
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
	}
}

// TenantCounterModelFromDomain creates a new persistence model from a domain TenantCounter
func TenantCounterModelFromDomain(c *entitlement.TenantCounter) *TenantCounterModel {
	return &TenantCounterModel{
		TenantID:         c.TenantID,
		OrganizationID:   c.OrganizationID,
		BillableCount:    c.BillableCount,
		SKUQuota:         c.SKUQuota,
		Plan:             c.Plan,
		LastReconciledAt: utcPtr(c.LastReconciledAt),
		Version:          c.Version,
		CreatedAt:        c.CreatedAt.UTC(),
		UpdatedAt:        c.UpdatedAt.UTC(),
	}
}

// OrganizationPoolModel is the persistence model for an organization's shared SKU ceiling
type OrganizationPoolModel struct {
	OrganizationID uuid.UUID         `gorm:"type:uuid;primaryKey"`
	MaxTotalSKUs   int64             `gorm:"column:max_total_skus;not null"`
	Version        int               `gorm:"not null;default:1"`
	CreatedAt      time.Time         `gorm:"not null"`
	UpdatedAt      time.Time         `gorm:"not null"`
	Members        []PoolMemberModel `gorm:"foreignKey:OrganizationID;references:OrganizationID"`
}

// TableName returns the table name for GORM
func (OrganizationPoolModel) TableName() string {
	return "billing_organization_pools"
}

// PoolMemberModel links a tenant to the pool it draws from. A tenant belongs to at most one pool.
type PoolMemberModel struct {
	TenantID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrganizationID uuid.UUID `gorm:"type:uuid;not null;index"`
	CreatedAt      time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (PoolMemberModel) TableName() string {
	return "billing_organization_pool_members"
}

// ToDomain converts the persistence model to a domain OrganizationPool
func (m *OrganizationPoolModel) ToDomain() *entitlement.OrganizationPool {
	members := make([]uuid.UUID, 0, len(m.Members))
	for _, member := range m.Members {
		members = append(members, member.TenantID)
	}
	return &entitlement.OrganizationPool{
		OrganizationID:  m.OrganizationID,
		MaxTotalSKUs:    m.MaxTotalSKUs,
		MemberTenantIDs: members,
		Version:         m.Version,
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
}

// OrganizationPoolModelFromDomain creates a new persistence model from a domain OrganizationPool
func OrganizationPoolModelFromDomain(p *entitlement.OrganizationPool) *OrganizationPoolModel {
	now := time.Now().UTC()
	members := make([]PoolMemberModel, 0, len(p.MemberTenantIDs))
	for _, tenantID := range p.MemberTenantIDs {
		members = append(members, PoolMemberModel{
			TenantID:       tenantID,
			OrganizationID: p.OrganizationID,
			CreatedAt:      now,
		})
	}
	return &OrganizationPoolModel{
		OrganizationID: p.OrganizationID,
		MaxTotalSKUs:   p.MaxTotalSKUs,
		Version:        p.Version,
		CreatedAt:      p.CreatedAt.UTC(),
		UpdatedAt:      p.UpdatedAt.UTC(),
		Members:        members,
	}
}

// CounterDriftEventModel records a reconciliation that corrected a drifted counter
type CounterDriftEventModel struct {
	ID              uuid.UUID  `gorm:"type:uuid;primary_key"`
	TenantID        uuid.UUID  `gorm:"type:uuid;not null;index"`
	StoredCount     int64      `gorm:"not null"`
	RecomputedCount int64      `gorm:"not null"`
	Drift           int64      `gorm:"not null"`
	Tolerance       int64      `gorm:"not null"`
	PolicyID        *uuid.UUID `gorm:"type:uuid"`
	DetectedAt      time.Time  `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (CounterDriftEventModel) TableName() string {
	return "billing_counter_drift_events"
}

// ToDomain converts the persistence model to a domain CounterDriftEvent
func (m *CounterDriftEventModel) ToDomain() *entitlement.CounterDriftEvent {
	return &entitlement.CounterDriftEvent{
		ID:              m.ID,
		TenantID:        m.TenantID,
		StoredCount:     m.StoredCount,
		RecomputedCount: m.RecomputedCount,
		Drift:           m.Drift,
		Tolerance:       m.Tolerance,
		PolicyID:        m.PolicyID,
		DetectedAt:      m.DetectedAt.UTC(),
	}
}

// CounterDriftEventModelFromDomain creates a new persistence model from a domain CounterDriftEvent
func CounterDriftEventModelFromDomain(e *entitlement.CounterDriftEvent) *CounterDriftEventModel {
	return &CounterDriftEventModel{
		ID:              e.ID,
		TenantID:        e.TenantID,
		StoredCount:     e.StoredCount,
		RecomputedCount: e.RecomputedCount,
		Drift:           e.Drift,
		Tolerance:       e.Tolerance,
		PolicyID:        e.PolicyID,
		DetectedAt:      e.DetectedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
