package claims

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no claim matches the lookup key.
var ErrNotFound = errors.New("claim not found")

// ErrDuplicateClaimNumber is returned by Create when the claim number
// collides with an existing row. The creation loop retries with a fresh
// sequence on this error.
var ErrDuplicateClaimNumber = errors.New("claim number already exists")

// ErrVersionConflict is returned by UpdateStatus when another writer applied
// a transition first. The caller reloads the claim and re-evaluates.
var ErrVersionConflict = errors.New("claim was modified concurrently")

// Repository is the persistent claim store.
type Repository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	GetByClaimNumber(ctx context.Context, number string) (*Claim, error)
	GetByPayorClaimID(ctx context.Context, payorClaimID string) (*Claim, error)

	// FindByPatientAmount is the last-resort webhook lookup: patient name
	// plus requested amount, restricted to non-terminal claims. Returns the
	// most recently created match.
	FindByPatientAmount(ctx context.Context, patientName string, amount float64) (*Claim, error)

	// ListNonTerminalWithPayorID selects the reconciliation working set.
	ListNonTerminalWithPayorID(ctx context.Context) ([]*Claim, error)

	// ListByStatus pages through claims, newest first. An empty status
	// matches all claims. The second return value is the total match count.
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]*Claim, int, error)

	// HighestSequence returns the largest CLM-<year>-NNN sequence stored for
	// year, or 0 when the year has no claims yet.
	HighestSequence(ctx context.Context, year int) (int, error)

	// UpdateStatus persists a status transition with an optimistic version
	// check: expectedVersion is the version the caller read before applying.
	UpdateStatus(ctx context.Context, c *Claim, expectedVersion int) error

	// UpdateSubmission records the payor acknowledgment after a successful
	// submit (payor claim ID, submission flag and date, raw response blob).
	UpdateSubmission(ctx context.Context, c *Claim) error

	AppendHistory(ctx context.Context, e *HistoryEntry) error
	ListHistory(ctx context.Context, claimID uuid.UUID) ([]*HistoryEntry, error)

	// HistoryExists reports whether a transition with the same target status
	// and payload checksum was already recorded for the claim.
	HistoryExists(ctx context.Context, claimID uuid.UUID, newStatus, checksum string) (bool, error)
}

// LinkRepository stores insurance-ID to payor-policy-ID mappings.
type LinkRepository interface {
	ResolvePolicyID(ctx context.Context, localID string) (string, error)
	SaveLink(ctx context.Context, link *InsuranceIDLink) error
}
