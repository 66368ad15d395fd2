// Package claims implements the claim submission and reconciliation engine:
// validation, claim-number assignment, payor submission with retry, and the
// status state machine shared by the webhook and reconciliation paths.
package claims

import (
	"time"

	"github.com/google/uuid"
)

// Claim statuses. Approved and rejected are terminal for reconciliation
// purposes: they are excluded from poll scans. Whether late payor corrections
// may still override them is a policy decision, see StateMachine.
const (
	StatusPending        = "pending"
	StatusSubmitted      = "submitted"
	StatusUnderReview    = "under_review"
	StatusProcessing     = "processing"
	StatusApproved       = "approved"
	StatusRejected       = "rejected"
	StatusRequiresReview = "requires_review"
)

var validStatuses = map[string]bool{
	StatusPending:        true,
	StatusSubmitted:      true,
	StatusUnderReview:    true,
	StatusProcessing:     true,
	StatusApproved:       true,
	StatusRejected:       true,
	StatusRequiresReview: true,
}

var terminalStatuses = map[string]bool{
	StatusApproved: true,
	StatusRejected: true,
}

// IsValidStatus reports whether s is a known claim status.
func IsValidStatus(s string) bool { return validStatuses[s] }

// IsTerminal reports whether s is terminal for reconciliation purposes.
func IsTerminal(s string) bool { return terminalStatuses[s] }

var validPriorities = map[string]bool{
	"low": true, "medium": true, "high": true, "urgent": true,
}

// Claim maps to the claims table.
type Claim struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	ClaimNumber     string     `db:"claim_number" json:"claim_number"`
	PayorClaimID    *string    `db:"payor_claim_id" json:"payor_claim_id,omitempty"`
	PatientName     string     `db:"patient_name" json:"patient_name"`
	InsuranceID     string     `db:"insurance_id" json:"insurance_id"`
	DiagnosisCode   string     `db:"diagnosis_code" json:"diagnosis_code"`
	DiagnosisCodes  []string   `db:"diagnosis_codes" json:"diagnosis_codes,omitempty"`
	ProcedureCode   *string    `db:"procedure_code" json:"procedure_code,omitempty"`
	ProcedureCodes  []string   `db:"procedure_codes" json:"procedure_codes,omitempty"`
	ServiceDate     *time.Time `db:"service_date" json:"service_date,omitempty"`
	AmountRequested float64    `db:"amount_requested" json:"amount_requested"`
	AmountApproved  *float64   `db:"amount_approved" json:"amount_approved,omitempty"`
	PatientResp     *float64   `db:"patient_responsibility" json:"patient_responsibility,omitempty"`
	Priority        string     `db:"priority" json:"priority"`
	Status          string     `db:"status" json:"status"`
	Notes           string     `db:"notes" json:"notes,omitempty"`

	SubmittedToPayor    bool       `db:"submitted_to_payor" json:"submitted_to_payor"`
	PayorSubmissionDate *time.Time `db:"payor_submission_date" json:"payor_submission_date,omitempty"`
	PayorResponse       []byte     `db:"payor_response" json:"-"`

	// Version increments on every status apply; used for optimistic
	// concurrency between the webhook and reconciliation paths.
	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HistoryEntry is one append-only audit record of a status transition.
// PreviousStatus is nil for the entry written at claim creation.
type HistoryEntry struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ClaimID        uuid.UUID `db:"claim_id" json:"claim_id"`
	PreviousStatus *string   `db:"previous_status" json:"previous_status"`
	NewStatus      string    `db:"new_status" json:"new_status"`
	ChangedAt      time.Time `db:"changed_at" json:"changed_at"`
	ChangedBy      string    `db:"changed_by" json:"changed_by"`
	Source         string    `db:"source" json:"source"` // submission, webhook, reconciliation, manual
	Notes          string    `db:"notes" json:"notes,omitempty"`

	// PayloadChecksum is the SHA-256 of the raw payor payload that caused
	// this entry, empty for locally initiated transitions. Duplicate webhook
	// deliveries are suppressed by matching (claim_id, new_status, checksum).
	PayloadChecksum string `db:"payload_checksum" json:"-"`
}

// InsuranceIDLink maps a local insurance identifier to the payor's policy
// identifier for the same member.
type InsuranceIDLink struct {
	ID            uuid.UUID `db:"id" json:"id"`
	LocalID       string    `db:"local_id" json:"local_id"`
	PayorPolicyID string    `db:"payor_policy_id" json:"payor_policy_id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// SubmitRequest is the inbound shape for POST /claims/submit. The amount
// field aliases mirror what upstream billing systems send.
type SubmitRequest struct {
	PatientName     string   `json:"patient_name"`
	InsuranceID     string   `json:"insurance_id"`
	DiagnosisCode   string   `json:"diagnosis_code"`
	DiagnosisCodes  []string `json:"diagnosis_codes"`
	ProcedureCode   string   `json:"procedure_code"`
	ProcedureCodes  []string `json:"procedure_codes"`
	ServiceDate     string   `json:"date_of_service"`
	Amount          *float64 `json:"amount"`
	AmountRequested *float64 `json:"amount_requested"`
	Priority        string   `json:"priority"`
	Notes           string   `json:"notes"`
}

// EffectiveAmount resolves the amount/amount_requested alias pair. When both
// are present, amount_requested wins.
func (r *SubmitRequest) EffectiveAmount() (float64, bool) {
	if r.AmountRequested != nil {
		return *r.AmountRequested, true
	}
	if r.Amount != nil {
		return *r.Amount, true
	}
	return 0, false
}

// PrimaryDiagnosis returns the primary diagnosis code: the scalar field, or
// the first element of the array form.
func (r *SubmitRequest) PrimaryDiagnosis() string {
	if r.DiagnosisCode != "" {
		return r.DiagnosisCode
	}
	if len(r.DiagnosisCodes) > 0 {
		return r.DiagnosisCodes[0]
	}
	return ""
}

// PrimaryProcedure returns the primary procedure code, if any.
func (r *SubmitRequest) PrimaryProcedure() string {
	if r.ProcedureCode != "" {
		return r.ProcedureCode
	}
	if len(r.ProcedureCodes) > 0 {
		return r.ProcedureCodes[0]
	}
	return ""
}

// PaymentDetails carries adjudication amounts from approval events.
type PaymentDetails struct {
	ApprovedAmount        *float64 `json:"approved_amount,omitempty"`
	PatientResponsibility *float64 `json:"patient_responsibility,omitempty"`
	PaymentDate           string   `json:"payment_date,omitempty"`
}

// SubmitResponse is the success shape for POST /claims/submit.
type SubmitResponse struct {
	ClaimID           string          `json:"claimId"`
	ClaimNumber       string          `json:"claimNumber"`
	PayorClaimID      string          `json:"payorClaimId,omitempty"`
	Status            string          `json:"status"`
	AutoApproved      bool            `json:"autoApproved"`
	CoverageValidated bool            `json:"coverageValidated"`
	PaymentDetails    *PaymentDetails `json:"paymentDetails,omitempty"`
}

// SyncReport is returned by the reconciliation scheduler.
type SyncReport struct {
	Synced  int      `json:"synced"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors"`
}
