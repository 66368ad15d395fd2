package claims

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transition sources recorded in history entries.
const (
	SourceSubmission     = "submission"
	SourceWebhook        = "webhook"
	SourceReconciliation = "reconciliation"
	SourceManual         = "manual"
)

// TransitionInput carries a requested status change and its payload-derived
// side-effect data into StateMachine.Apply.
type TransitionInput struct {
	NewStatus       string
	Source          string
	ChangedBy       string
	Notes           string
	ApprovedAmount  *float64
	PatientResp     *float64
	RejectionReason string

	// PayorClaimID backfills a claim matched without one, as happens when a
	// webhook arrives for a claim whose submission response never carried
	// the payor's identifier.
	PayorClaimID string
}

// IllegalTransitionError is returned when a status change is not permitted
// from the claim's current state.
type IllegalTransitionError struct {
	From string
	To   string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition from %q to %q", e.From, e.To)
}

// StateMachine is the single authority on claim status transitions. Both the
// webhook path and the reconciliation path route through it so that side
// effects (approved amounts, rejection notes, history entries) are applied
// identically regardless of how an update arrives.
//
// AllowTerminalOverride controls whether a claim already in approved or
// rejected may still be moved by a later payor correction. Payors do issue
// post-adjudication reversals, so the default is permissive; strict
// deployments can lock terminal states down.
type StateMachine struct {
	AllowTerminalOverride bool
}

// canonicalNext documents the expected forward path. The payor is allowed to
// skip intermediate states (a trivial claim can go straight from pending to
// approved), so this map informs CanTransition only for terminal sources.
var canonicalNext = map[string][]string{
	StatusPending:     {StatusSubmitted, StatusRequiresReview},
	StatusSubmitted:   {StatusUnderReview, StatusProcessing, StatusApproved, StatusRejected, StatusRequiresReview},
	StatusUnderReview: {StatusProcessing, StatusApproved, StatusRejected, StatusRequiresReview},
	StatusProcessing:  {StatusApproved, StatusRejected, StatusRequiresReview},
}

// CanTransition reports whether a claim in status from may move to status to.
// Any valid status is reachable from a non-terminal state; terminal states
// only permit further movement when AllowTerminalOverride is set.
func (m StateMachine) CanTransition(from, to string) bool {
	if !validStatuses[from] || !validStatuses[to] {
		return false
	}
	if terminalStatuses[from] && !m.AllowTerminalOverride {
		return false
	}
	return true
}

// Apply mutates claim in place to the requested status and returns the single
// history entry recording the transition. A same-status apply is permitted
// and still logged; callers that need duplicate suppression (webhook and poll
// paths) dedupe on payload checksum before calling Apply.
func (m StateMachine) Apply(claim *Claim, in TransitionInput) (*HistoryEntry, error) {
	if !validStatuses[in.NewStatus] {
		return nil, fmt.Errorf("unknown claim status %q", in.NewStatus)
	}
	if !m.CanTransition(claim.Status, in.NewStatus) {
		return nil, &IllegalTransitionError{From: claim.Status, To: in.NewStatus}
	}

	prev := claim.Status
	now := time.Now().UTC()
	claim.Status = in.NewStatus
	claim.UpdatedAt = now
	claim.Version++

	if in.PayorClaimID != "" && (claim.PayorClaimID == nil || *claim.PayorClaimID == "") {
		id := in.PayorClaimID
		claim.PayorClaimID = &id
	}

	notes := in.Notes
	switch in.NewStatus {
	case StatusApproved:
		if in.ApprovedAmount != nil {
			claim.AmountApproved = in.ApprovedAmount
		} else if claim.AmountApproved == nil {
			requested := claim.AmountRequested
			claim.AmountApproved = &requested
		}
		if in.PatientResp != nil {
			claim.PatientResp = in.PatientResp
		}
	case StatusRejected:
		if in.RejectionReason != "" {
			appendNote(claim, "Rejection reason: "+in.RejectionReason)
			if notes == "" {
				notes = in.RejectionReason
			}
		}
	}

	changedBy := in.ChangedBy
	if changedBy == "" {
		changedBy = "system"
	}
	entry := &HistoryEntry{
		ID:             uuid.New(),
		ClaimID:        claim.ID,
		PreviousStatus: &prev,
		NewStatus:      in.NewStatus,
		ChangedAt:      now,
		ChangedBy:      changedBy,
		Source:         in.Source,
		Notes:          notes,
	}
	return entry, nil
}

// appendNote adds text to the claim's notes without discarding what is
// already there. The notes column is audit text and is append-only.
func appendNote(claim *Claim, text string) {
	if strings.TrimSpace(claim.Notes) == "" {
		claim.Notes = text
		return
	}
	claim.Notes = claim.Notes + "\n" + text
}
