package entitlement

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
)

// Error codes of the engine's typed errors
const (
	CodePolicyGap            = "POLICY_GAP"
	CodePolicyOverlap        = "POLICY_OVERLAP"
	CodeQuotaExceeded        = "QUOTA_EXCEEDED"
	CodeCounterDrift         = "COUNTER_DRIFT"
	CodePolicyEditConflict   = "POLICY_EDIT_CONFLICT"
	CodeAdmissionUnavailable = "ADMISSION_UNAVAILABLE"
)

var (
	// ErrAdmissionUnavailable is returned when an admission could not be evaluated in time.
	// The accompanying decision is always a rejection.
	ErrAdmissionUnavailable = shared.NewDomainError(CodeAdmissionUnavailable, "Quota admission could not be evaluated; the write was not admitted")

	// ErrBackdatedPolicy is returned when effectiveFrom lies before the time of the write
	ErrBackdatedPolicy = shared.NewDomainError("POLICY_BACKDATED", "Policy effective-from cannot be in the past")

	// ErrNonMonotonicPolicy is returned when effectiveFrom does not follow the latest record of the scope key
	ErrNonMonotonicPolicy = shared.NewDomainError("POLICY_NOT_MONOTONIC", "Policy effective-from must be later than the latest record for this scope")
)

// PolicyGapError means no policy is effective at any scope for the requested instant.
// Read paths fall back to ConservativeDefaultPolicy.
type PolicyGapError struct {
	TenantID       uuid.UUID
	OrganizationID *uuid.UUID
	At             time.Time
}

func (e *PolicyGapError) Error() string {
	return fmt.Sprintf("no billing policy effective for tenant %s at %s", e.TenantID, e.At.Format(time.RFC3339))
}

// Code returns the stable error code
func (e *PolicyGapError) Code() string { return CodePolicyGap }

// PolicyOverlapWarning reports overlapping windows inside one scope key.
// The resolver still answers, choosing the record with the latest effectiveFrom.
type PolicyOverlapWarning struct {
	Key       ScopeKey
	At        time.Time
	PolicyIDs []uuid.UUID
	Chosen    uuid.UUID
}

func (e *PolicyOverlapWarning) Error() string {
	return fmt.Sprintf("%d overlapping billing policies for %s at %s, chose %s",
		len(e.PolicyIDs), e.Key, e.At.Format(time.RFC3339), e.Chosen)
}

// Code returns the stable error code
func (e *PolicyOverlapWarning) Code() string { return CodePolicyOverlap }

// QuotaExceededError is returned when an admission is denied.
type QuotaExceededError struct {
	Decision *QuotaDecision
	Message  string
}

// NewQuotaExceededError builds an actionable rejection from a decision
func NewQuotaExceededError(decision *QuotaDecision) *QuotaExceededError {
	var msg string
	if decision.CeilingKind == CeilingPool {
		msg = fmt.Sprintf("Your organization has reached its shared limit of %d active SKUs (%d in use). Upgrade the organization plan or archive items to add more.",
			decision.Ceiling, decision.CurrentCount)
	} else {
		msg = fmt.Sprintf("This location has reached its limit of %d active SKUs (%d in use). Upgrade your plan or archive items to add more.",
			decision.Ceiling, decision.CurrentCount)
	}
	return &QuotaExceededError{Decision: decision, Message: msg}
}

func (e *QuotaExceededError) Error() string {
	return e.Message
}

// Code returns the stable error code
func (e *QuotaExceededError) Code() string { return CodeQuotaExceeded }

// HTTPStatusCode returns 429 Too Many Requests
func (e *QuotaExceededError) HTTPStatusCode() int {
	return 429
}

// CounterDriftDetected is reported when reconciliation finds the stored count off by more than the tolerance.
// The counter has already been corrected when this is raised.
type CounterDriftDetected struct {
	TenantID   uuid.UUID
	Stored     int64
	Recomputed int64
	Tolerance  int64
}

func (e *CounterDriftDetected) Error() string {
	return fmt.Sprintf("billable counter drift for tenant %s: stored %d, recomputed %d (tolerance %d)",
		e.TenantID, e.Stored, e.Recomputed, e.Tolerance)
}

// Code returns the stable error code
func (e *CounterDriftDetected) Code() string { return CodeCounterDrift }

// Drift returns stored minus recomputed
func (e *CounterDriftDetected) Drift() int64 {
	return e.Stored - e.Recomputed
}

// ConcurrentPolicyEditConflict means two edits raced on the same scope key.
// Retryable conflicts are retried with a fresh read; stale expected versions are not.
type ConcurrentPolicyEditConflict struct {
	Key             ScopeKey
	ExpectedVersion int
	ActualVersion   int
	Retryable       bool
	Cause           error
}

func (e *ConcurrentPolicyEditConflict) Error() string {
	if !e.Retryable {
		return fmt.Sprintf("billing policy %s was modified concurrently (expected version %d, found %d)",
			e.Key, e.ExpectedVersion, e.ActualVersion)
	}
	if e.Cause != nil {
		return fmt.Sprintf("concurrent billing policy edit on %s: %v", e.Key, e.Cause)
	}
	return fmt.Sprintf("concurrent billing policy edit on %s", e.Key)
}

// Code returns the stable error code
func (e *ConcurrentPolicyEditConflict) Code() string { return CodePolicyEditConflict }

func (e *ConcurrentPolicyEditConflict) Unwrap() error {
	return e.Cause
}
