package handler

import (
	"time"

	"github.com/google/uuid"
	appent "github.com/paulyarl/retail-visibility-platform-sub000/internal/application/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
)

// PolicyFlagsRequest carries the predicate switches of a policy write
type PolicyFlagsRequest struct {
	CountActivePrivate bool `json:"count_active_private" example:"false"`
	CountPreorder      bool `json:"count_preorder" example:"true"`
	CountZeroPrice     bool `json:"count_zero_price" example:"false"`
	RequireImage       bool `json:"require_image" example:"true"`
	RequireCurrency    bool `json:"require_currency" example:"true"`
}

// SetPolicyRequest opens a new policy record for a scope key
// @Description Policy flags plus the instant the new record takes effect
type SetPolicyRequest struct {
	PolicyFlagsRequest
	EffectiveFrom   *time.Time `json:"effective_from" example:"2026-03-01T00:00:00Z"`
	Note            string     `json:"note" binding:"max=500" example:"Stop counting zero-price items"`
	ExpectedVersion *int       `json:"expected_version" binding:"omitempty,min=1" example:"3"`
}

func (r SetPolicyRequest) flags() entitlement.PolicyFlags {
	return entitlement.PolicyFlags{
		CountActivePrivate: r.CountActivePrivate,
		CountPreorder:      r.CountPreorder,
		CountZeroPrice:     r.CountZeroPrice,
		RequireImage:       r.RequireImage,
		RequireCurrency:    r.RequireCurrency,
	}
}

// PolicyResponse represents a policy record in API responses
type PolicyResponse struct {
	ID                 string  `json:"id" example:"550e8400-e29b-41d4-a716-446655440000"`
	Scope              string  `json:"scope" example:"TENANT" enums:"GLOBAL,ORGANIZATION,TENANT"`
	ScopeID            string  `json:"scope_id" example:"550e8400-e29b-41d4-a716-446655440001"`
	CountActivePrivate bool    `json:"count_active_private"`
	CountPreorder      bool    `json:"count_preorder"`
	CountZeroPrice     bool    `json:"count_zero_price"`
	RequireImage       bool    `json:"require_image"`
	RequireCurrency    bool    `json:"require_currency"`
	EffectiveFrom      string  `json:"effective_from" example:"2026-03-01T00:00:00Z"`
	EffectiveTo        *string `json:"effective_to" example:"2026-04-01T00:00:00Z"`
	State              string  `json:"state" example:"OPEN" enums:"DRAFT,OPEN,CLOSED"`
	Note               string  `json:"note,omitempty"`
	UpdatedBy          *string `json:"updated_by,omitempty"`
	Version            int     `json:"version" example:"2"`
	UpdatedAt          string  `json:"updated_at" example:"2026-02-27T09:12:00Z"`
}

// ResolvedPolicyResponse is the policy effective for a tenant at an instant
type ResolvedPolicyResponse struct {
	Policy         PolicyResponse `json:"policy"`
	Source         string         `json:"source" example:"ORGANIZATION"`
	Fallback       bool           `json:"fallback" example:"false"`
	At             string         `json:"at" example:"2026-03-05T00:00:00Z"`
	TenantID       string         `json:"tenant_id"`
	OrganizationID *string        `json:"organization_id,omitempty"`
	Overlap        bool           `json:"overlap" example:"false"`
}

// SetPolicyResponse is the outcome of a policy write
type SetPolicyResponse struct {
	Policy     PolicyResponse  `json:"policy"`
	Superseded *PolicyResponse `json:"superseded,omitempty"`
	Version    int             `json:"version" example:"3"`
	Attempts   int             `json:"attempts" example:"1"`
}

// PolicyHistoryResponse represents a superseded policy record
type PolicyHistoryResponse struct {
	ID                 string  `json:"id"`
	PolicyID           string  `json:"policy_id"`
	Scope              string  `json:"scope"`
	ScopeID            string  `json:"scope_id"`
	CountActivePrivate bool    `json:"count_active_private"`
	CountPreorder      bool    `json:"count_preorder"`
	CountZeroPrice     bool    `json:"count_zero_price"`
	RequireImage       bool    `json:"require_image"`
	RequireCurrency    bool    `json:"require_currency"`
	EffectiveFrom      string  `json:"effective_from"`
	EffectiveTo        string  `json:"effective_to"`
	Note               string  `json:"note,omitempty"`
	UpdatedBy          *string `json:"updated_by,omitempty"`
	Version            int     `json:"version"`
	SupersededBy       *string `json:"superseded_by,omitempty"`
	RecordedAt         string  `json:"recorded_at"`
}

// AuditLogResponse represents a policy audit entry
type AuditLogResponse struct {
	ID        string         `json:"id"`
	PolicyID  string         `json:"policy_id"`
	Scope     string         `json:"scope"`
	ScopeID   string         `json:"scope_id"`
	Action    string         `json:"action" example:"SUPERSEDE"`
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	ActorID   *string        `json:"actor_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// SetQuotaRequest sets a tenant's SKU ceiling explicitly
type SetQuotaRequest struct {
	Plan  string `json:"plan" binding:"max=50" example:"pro"`
	Quota *int64 `json:"quota" binding:"required,gte=-1" example:"500"`
}

// TenantCounterResponse represents a tenant counter after a quota change
type TenantCounterResponse struct {
	TenantID         string  `json:"tenant_id"`
	OrganizationID   *string `json:"organization_id,omitempty"`
	BillableCount    int64   `json:"billable_count" example:"42"`
	Quota            int64   `json:"quota" example:"500"`
	Unlimited        bool    `json:"unlimited"`
	Plan             string  `json:"plan,omitempty" example:"pro"`
	LastReconciledAt *string `json:"last_reconciled_at"`
	Version          int     `json:"version"`
}

// ReconcileResponse is the outcome of a synchronous reconciliation
type ReconcileResponse struct {
	*appent.ReconcileResult
	DriftDetected bool           `json:"drift_detected"`
	Drift         *DriftResponse `json:"drift,omitempty"`
}

// DriftResponse describes a corrected counter drift
type DriftResponse struct {
	Stored     int64 `json:"stored" example:"44"`
	Recomputed int64 `json:"recomputed" example:"42"`
	Drift      int64 `json:"drift" example:"2"`
	Tolerance  int64 `json:"tolerance" example:"0"`
}

// DriftEventResponse represents a persisted drift event
type DriftEventResponse struct {
	ID              string  `json:"id"`
	StoredCount     int64   `json:"stored_count"`
	RecomputedCount int64   `json:"recomputed_count"`
	Drift           int64   `json:"drift"`
	Tolerance       int64   `json:"tolerance"`
	PolicyID        *string `json:"policy_id,omitempty"`
	DetectedAt      string  `json:"detected_at"`
}

// SavePoolRequest creates or replaces an organization pool
type SavePoolRequest struct {
	MaxTotalSKUs    *int64   `json:"max_total_skus" binding:"required,gte=0" example:"100"`
	MemberTenantIDs []string `json:"member_tenant_ids" binding:"dive,uuid"`
}

// BillableItemRequest is the item projection sent by the inventory service
type BillableItemRequest struct {
	ItemID       string `json:"item_id" binding:"omitempty,uuid"`
	Status       string `json:"status" binding:"required,oneof=active inactive archived trashed draft"`
	Visibility   string `json:"visibility" binding:"required,oneof=public private"`
	Availability string `json:"availability" binding:"required,oneof=in_stock out_of_stock preorder"`
	PriceCents   int64  `json:"price_cents" binding:"gte=0" example:"1299"`
	Currency     string `json:"currency" binding:"omitempty,len=3" example:"USD"`
	HasImage     bool   `json:"has_image"`
}

func (r *BillableItemRequest) toDomain(tenantID uuid.UUID) *entitlement.BillableItem {
	if r == nil {
		return nil
	}
	var itemID uuid.UUID
	if r.ItemID != "" {
		itemID = uuid.MustParse(r.ItemID)
	}
	return &entitlement.BillableItem{
		ItemID:       itemID,
		TenantID:     tenantID,
		Status:       entitlement.ItemStatus(r.Status),
		Visibility:   entitlement.Visibility(r.Visibility),
		Availability: entitlement.Availability(r.Availability),
		PriceCents:   r.PriceCents,
		Currency:     r.Currency,
		HasImage:     r.HasImage,
	}
}

// EvaluateRequest asks whether one item counts toward its tenant's quota
type EvaluateRequest struct {
	TenantID string              `json:"tenant_id" binding:"required,uuid"`
	Item     BillableItemRequest `json:"item"`
}

// AdmitRequest asks for one +1 admission
type AdmitRequest struct {
	TenantID       string  `json:"tenant_id" binding:"required,uuid"`
	OrganizationID *string `json:"organization_id" binding:"omitempty,uuid"`
}

// ItemChangeRequest carries an inventory write; before is omitted for a create,
// after for a hard delete
type ItemChangeRequest struct {
	TenantID       string               `json:"tenant_id" binding:"required,uuid"`
	OrganizationID *string              `json:"organization_id" binding:"omitempty,uuid"`
	Before         *BillableItemRequest `json:"before"`
	After          *BillableItemRequest `json:"after"`
}

// AdmissionResponse wraps a quota decision
type AdmissionResponse struct {
	Decision *entitlement.QuotaDecision `json:"decision"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func uuidPtrString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func parseUUIDPtr(raw *string) *uuid.UUID {
	if raw == nil || *raw == "" {
		return nil
	}
	id, err := uuid.Parse(*raw)
	if err != nil {
		return nil
	}
	return &id
}

// ToPolicyResponse converts a policy record as observed at now
func ToPolicyResponse(p *entitlement.PolicyRecord, now time.Time) PolicyResponse {
	return PolicyResponse{
		ID:                 p.ID.String(),
		Scope:              p.Scope.String(),
		ScopeID:            p.ScopeID.String(),
		CountActivePrivate: p.CountActivePrivate,
		CountPreorder:      p.CountPreorder,
		CountZeroPrice:     p.CountZeroPrice,
		RequireImage:       p.RequireImage,
		RequireCurrency:    p.RequireCurrency,
		EffectiveFrom:      formatTime(p.EffectiveFrom),
		EffectiveTo:        formatTimePtr(p.EffectiveTo),
		State:              string(p.StateAt(now)),
		Note:               p.Note,
		UpdatedBy:          uuidPtrString(p.UpdatedBy),
		Version:            p.Version,
		UpdatedAt:          formatTime(p.UpdatedAt),
	}
}

// ToResolvedPolicyResponse converts a resolution
func ToResolvedPolicyResponse(r *appent.ResolvedPolicy, now time.Time) ResolvedPolicyResponse {
	return ResolvedPolicyResponse{
		Policy:         ToPolicyResponse(r.Policy, now),
		Source:         r.Source.String(),
		Fallback:       r.Fallback,
		At:             formatTime(r.At),
		TenantID:       r.TenantID.String(),
		OrganizationID: uuidPtrString(r.OrganizationID),
		Overlap:        r.Overlap != nil,
	}
}

// ToSetPolicyResponse converts a policy write outcome
func ToSetPolicyResponse(r *appent.SetPolicyResult, now time.Time) SetPolicyResponse {
	resp := SetPolicyResponse{
		Policy:   ToPolicyResponse(r.Policy, now),
		Version:  r.Version,
		Attempts: r.Attempts,
	}
	if r.Superseded != nil {
		sup := ToPolicyResponse(r.Superseded, now)
		resp.Superseded = &sup
	}
	return resp
}

// ToPolicyHistoryResponses converts history records
func ToPolicyHistoryResponses(records []entitlement.PolicyHistoryRecord) []PolicyHistoryResponse {
	out := make([]PolicyHistoryResponse, len(records))
	for i, h := range records {
		out[i] = PolicyHistoryResponse{
			ID:                 h.ID.String(),
			PolicyID:           h.PolicyID.String(),
			Scope:              h.Scope.String(),
			ScopeID:            h.ScopeID.String(),
			CountActivePrivate: h.CountActivePrivate,
			CountPreorder:      h.CountPreorder,
			CountZeroPrice:     h.CountZeroPrice,
			RequireImage:       h.RequireImage,
			RequireCurrency:    h.RequireCurrency,
			EffectiveFrom:      formatTime(h.EffectiveFrom),
			EffectiveTo:        formatTime(h.EffectiveTo),
			Note:               h.Note,
			UpdatedBy:          uuidPtrString(h.UpdatedBy),
			Version:            h.Version,
			SupersededBy:       uuidPtrString(h.SupersededBy),
			RecordedAt:         formatTime(h.RecordedAt),
		}
	}
	return out
}

// ToAuditLogResponses converts audit entries
func ToAuditLogResponses(entries []entitlement.PolicyAuditLog) []AuditLogResponse {
	out := make([]AuditLogResponse, len(entries))
	for i := range entries {
		e := &entries[i]
		out[i] = AuditLogResponse{
			ID:        e.ID.String(),
			PolicyID:  e.PolicyID.String(),
			Scope:     e.Scope.String(),
			ScopeID:   e.ScopeID.String(),
			Action:    string(e.Action),
			Before:    e.GetBefore(),
			After:     e.GetAfter(),
			Diff:      e.GetDiff(),
			ActorID:   uuidPtrString(e.ActorID),
			Reason:    e.Reason,
			IPAddress: e.IPAddress,
			UserAgent: e.UserAgent,
			CreatedAt: formatTime(e.CreatedAt),
		}
	}
	return out
}

// ToTenantCounterResponse converts a tenant counter
func ToTenantCounterResponse(c *entitlement.TenantCounter) TenantCounterResponse {
	return TenantCounterResponse{
		TenantID:         c.TenantID.String(),
		OrganizationID:   uuidPtrString(c.OrganizationID),
		BillableCount:    c.BillableCount,
		Quota:            c.SKUQuota,
		Unlimited:        c.IsUnlimited(),
		Plan:             c.Plan,
		LastReconciledAt: formatTimePtr(c.LastReconciledAt),
		Version:          c.Version,
	}
}

// ToReconcileResponse converts a reconciliation outcome
func ToReconcileResponse(r *appent.ReconcileResult) ReconcileResponse {
	resp := ReconcileResponse{ReconcileResult: r}
	if r.Drift != nil {
		resp.DriftDetected = true
		resp.Drift = &DriftResponse{
			Stored:     r.Drift.Stored,
			Recomputed: r.Drift.Recomputed,
			Drift:      r.Drift.Drift(),
			Tolerance:  r.Drift.Tolerance,
		}
	}
	return resp
}

// ToDriftEventResponses converts persisted drift events
func ToDriftEventResponses(events []entitlement.CounterDriftEvent) []DriftEventResponse {
	out := make([]DriftEventResponse, len(events))
	for i, e := range events {
		out[i] = DriftEventResponse{
			ID:              e.ID.String(),
			StoredCount:     e.StoredCount,
			RecomputedCount: e.RecomputedCount,
			Drift:           e.Drift,
			Tolerance:       e.Tolerance,
			PolicyID:        uuidPtrString(e.PolicyID),
			DetectedAt:      formatTime(e.DetectedAt),
		}
	}
	return out
}
