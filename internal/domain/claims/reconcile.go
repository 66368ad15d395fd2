package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Reconciler periodically pulls claim statuses from the payor and applies
// changes through the same transition path as webhooks. It covers the gaps
// webhooks leave: dropped deliveries, payor outages, and claims submitted
// while this service was down.
type Reconciler struct {
	svc      *Service
	repo     Repository
	interval time.Duration
	logger   zerolog.Logger
}

func NewReconciler(svc *Service, repo Repository, interval time.Duration, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		svc:      svc,
		repo:     repo,
		interval: interval,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

// Start runs the periodic sync loop until ctx is cancelled. The first sweep
// happens after one full interval, not at startup, so a crash-looping process
// does not hammer the payor.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("reconciliation loop started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciliation loop stopped")
			return
		case <-ticker.C:
			report, err := r.SyncAll(ctx)
			if err != nil {
				r.logger.Error().Err(err).Msg("reconciliation sweep failed")
				continue
			}
			r.logger.Info().
				Int("synced", report.Synced).
				Int("updated", report.Updated).
				Int("errors", len(report.Errors)).
				Msg("reconciliation sweep done")
		}
	}
}

// SyncAll polls the payor for every non-terminal claim that has a payor claim
// ID. One claim's failure never aborts the batch; failures are collected into
// the report so the caller sees exactly which claims are stuck.
func (r *Reconciler) SyncAll(ctx context.Context) (*SyncReport, error) {
	claims, err := r.repo.ListNonTerminalWithPayorID(ctx)
	if err != nil {
		return nil, fmt.Errorf("list claims for reconciliation: %w", err)
	}

	report := &SyncReport{Errors: []string{}}
	for _, claim := range claims {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Synced++
		updated, err := r.SyncOne(ctx, claim)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", claim.ClaimNumber, err))
			continue
		}
		if updated {
			report.Updated++
		}
	}
	return report, nil
}

// SyncOne fetches the payor's status for one claim and applies it when it
// differs from the local record. Returns whether a transition was applied.
func (r *Reconciler) SyncOne(ctx context.Context, claim *Claim) (bool, error) {
	if claim.PayorClaimID == nil || *claim.PayorClaimID == "" {
		return false, errors.New("claim has no payor claim id")
	}

	status, err := r.svc.gateway.GetClaimStatus(ctx, *claim.PayorClaimID)
	if err != nil {
		return false, fmt.Errorf("fetch payor status: %w", err)
	}

	mapped := mapPayorStatus(status.Status)
	if mapped == claim.Status {
		return false, nil
	}

	raw, _ := json.Marshal(status)
	in := TransitionInput{
		NewStatus:       mapped,
		Source:          SourceReconciliation,
		ChangedBy:       "reconciler",
		ApprovedAmount:  status.ApprovedAmount,
		PatientResp:     status.PatientResponsibility,
		RejectionReason: status.DenialReason,
		Notes:           status.ReviewReason,
	}
	return r.svc.ApplyStatusUpdate(ctx, claim.ID, in, raw)
}
