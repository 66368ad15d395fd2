package claims

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimbridge/claimbridge/internal/platform/configcache"
	"github.com/claimbridge/claimbridge/internal/platform/payor"
)

// payorConfigCacheKey is where the last admin-supplied payor configuration is
// kept so a restart picks it up without re-running the admin update.
const payorConfigCacheKey = "payor_config"

// PayorGateway is the slice of the payor client the claim service uses.
type PayorGateway interface {
	SubmitWithRetry(ctx context.Context, payload map[string]interface{}, policy payor.RetryPolicy) (*payor.SubmitResult, int, error)
	GetClaimStatus(ctx context.Context, payorClaimID string) (*payor.ClaimStatus, error)
	ValidatePolicy(ctx context.Context, policyID string) (*payor.Policy, error)
	ListPolicies(ctx context.Context) ([]payor.Policy, error)
	TestConnection(ctx context.Context) (*payor.ConnectionInfo, error)
	Reload(cfg payor.Config)
	Snapshot() payor.Config
}

type Service struct {
	repo    Repository
	links   LinkRepository
	gateway PayorGateway
	gen     *NumberGenerator
	sm      StateMachine
	retry   payor.RetryPolicy
	cache   configcache.Cache
	logger  zerolog.Logger
	locks   claimLocks
}

func NewService(repo Repository, links LinkRepository, gateway PayorGateway, sm StateMachine, retry payor.RetryPolicy, cache configcache.Cache, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		links:   links,
		gateway: gateway,
		gen:     NewNumberGenerator(repo),
		sm:      sm,
		retry:   retry,
		cache:   cache,
		logger:  logger.With().Str("component", "claims").Logger(),
	}
}

// Submit validates, stores, numbers, and forwards a claim to the payor.
// Validation failures return a *ValidationFailedError before anything is
// persisted. Payor-side failures after persistence leave the stored claim in
// a state the reconciliation or resubmission paths can recover from.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest, changedBy string) (*SubmitResponse, error) {
	result := ValidateSubmit(req)
	if !result.Valid() {
		return nil, &ValidationFailedError{Result: result}
	}
	for _, w := range result.Warnings {
		s.logger.Warn().Str("patient", req.PatientName).Str("warning", w).Msg("claim submitted with warning")
	}

	amount, _ := req.EffectiveAmount()
	claim := s.buildClaim(req, amount)

	policyID, coverageValidated := s.checkCoverage(ctx, claim.InsuranceID)

	if err := s.createWithNumber(ctx, claim); err != nil {
		return nil, fmt.Errorf("store claim: %w", err)
	}
	if err := s.repo.AppendHistory(ctx, initialHistory(claim, changedBy)); err != nil {
		s.logger.Error().Err(err).Str("claim_number", claim.ClaimNumber).Msg("record initial history")
	}

	submission, attempts, err := s.gateway.SubmitWithRetry(ctx, s.payorPayload(claim, policyID), s.retry)
	if err != nil {
		return nil, s.recordSubmitFailure(ctx, claim, changedBy, attempts, err)
	}

	resp, err := s.recordSubmitSuccess(ctx, claim, changedBy, submission)
	if err != nil {
		return nil, err
	}
	resp.CoverageValidated = coverageValidated
	return resp, nil
}

func (s *Service) buildClaim(req *SubmitRequest, amount float64) *Claim {
	priority := req.Priority
	if priority == "" {
		priority = "medium"
	}
	if !validPriorities[priority] {
		priority = "medium"
	}

	claim := &Claim{
		ID:              uuid.New(),
		PatientName:     req.PatientName,
		InsuranceID:     req.InsuranceID,
		DiagnosisCode:   req.PrimaryDiagnosis(),
		DiagnosisCodes:  req.DiagnosisCodes,
		AmountRequested: amount,
		Priority:        priority,
		Status:          StatusPending,
		Notes:           req.Notes,
	}
	if p := req.PrimaryProcedure(); p != "" {
		claim.ProcedureCode = &p
		claim.ProcedureCodes = req.ProcedureCodes
	}
	if req.ServiceDate != "" {
		if d, err := time.Parse("2006-01-02", req.ServiceDate); err == nil {
			claim.ServiceDate = &d
		}
	}
	return claim
}

// checkCoverage resolves the payor-side policy identifier and verifies the
// policy is active. Coverage problems never block submission; the payor is
// the authority and will reject uncovered claims itself.
func (s *Service) checkCoverage(ctx context.Context, insuranceID string) (policyID string, validated bool) {
	policyID = insuranceID
	if mapped, err := s.links.ResolvePolicyID(ctx, insuranceID); err == nil && mapped != "" {
		policyID = mapped
	}

	policy, err := s.gateway.ValidatePolicy(ctx, policyID)
	if err != nil {
		s.logger.Warn().Err(err).Str("policy_id", policyID).Msg("coverage check failed, proceeding unvalidated")
		return policyID, false
	}
	if !policy.Active {
		s.logger.Warn().Str("policy_id", policyID).Msg("policy inactive, proceeding unvalidated")
		return policyID, false
	}
	return policyID, true
}

// createWithNumber assigns a claim number and inserts, retrying with a fresh
// sequence when a concurrent submitter took the candidate. After the retry
// budget it falls back to a timestamp-suffixed number that cannot collide.
func (s *Service) createWithNumber(ctx context.Context, claim *Claim) error {
	year := time.Now().UTC().Year()
	for attempt := 0; attempt < s.gen.MaxRetries(); attempt++ {
		number, err := s.gen.Next(ctx, year, attempt)
		if err != nil {
			return err
		}
		claim.ClaimNumber = number
		err = s.repo.Create(ctx, claim)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicateClaimNumber) {
			return err
		}
		s.logger.Debug().Str("claim_number", number).Int("attempt", attempt+1).Msg("claim number collision, retrying")
	}
	claim.ClaimNumber = s.gen.Fallback(ctx, year)
	return s.repo.Create(ctx, claim)
}

func initialHistory(claim *Claim, changedBy string) *HistoryEntry {
	if changedBy == "" {
		changedBy = "system"
	}
	return &HistoryEntry{
		ID:        uuid.New(),
		ClaimID:   claim.ID,
		NewStatus: claim.Status,
		ChangedAt: time.Now().UTC(),
		ChangedBy: changedBy,
		Source:    SourceSubmission,
		Notes:     "claim created",
	}
}

func (s *Service) payorPayload(claim *Claim, policyID string) map[string]interface{} {
	cfg := s.gateway.Snapshot()
	payload := map[string]interface{}{
		"provider_claim_number": claim.ClaimNumber,
		"provider_id":           cfg.ProviderID,
		"provider_name":         cfg.ProviderName,
		"patient_name":          claim.PatientName,
		"policy_number":         policyID,
		"diagnosis_code":        claim.DiagnosisCode,
		"amount":                claim.AmountRequested,
		"priority":              claim.Priority,
	}
	if claim.ProcedureCode != nil {
		payload["procedure_code"] = *claim.ProcedureCode
	}
	if claim.ServiceDate != nil {
		payload["service_date"] = claim.ServiceDate.Format("2006-01-02")
	}
	return payload
}

func (s *Service) recordSubmitSuccess(ctx context.Context, claim *Claim, changedBy string, submission *payor.SubmitResult) (*SubmitResponse, error) {
	now := time.Now().UTC()
	raw, _ := json.Marshal(submission)

	claim.PayorClaimID = &submission.PayorClaimID
	claim.SubmittedToPayor = true
	claim.PayorSubmissionDate = &now
	claim.PayorResponse = raw

	// The payor may adjudicate synchronously: a trivial claim can come back
	// already approved. Route whatever status it reports through the state
	// machine so side effects land the same way as webhook updates.
	newStatus := mapPayorStatus(submission.Status)
	in := TransitionInput{
		NewStatus: newStatus,
		Source:    SourceSubmission,
		ChangedBy: changedBy,
		Notes:     submission.Message,
	}
	if newStatus == StatusApproved && submission.AmountQuoted > 0 {
		quoted := submission.AmountQuoted
		in.ApprovedAmount = &quoted
	}
	entry, err := s.sm.Apply(claim, in)
	if err != nil {
		return nil, fmt.Errorf("apply submission status: %w", err)
	}
	if err := s.repo.UpdateSubmission(ctx, claim); err != nil {
		return nil, fmt.Errorf("record payor acknowledgment: %w", err)
	}
	if err := s.repo.AppendHistory(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("claim_number", claim.ClaimNumber).Msg("record submission history")
	}

	s.logger.Info().
		Str("claim_number", claim.ClaimNumber).
		Str("payor_claim_id", submission.PayorClaimID).
		Str("status", claim.Status).
		Msg("claim submitted to payor")

	resp := &SubmitResponse{
		ClaimID:      claim.ID.String(),
		ClaimNumber:  claim.ClaimNumber,
		PayorClaimID: submission.PayorClaimID,
		Status:       claim.Status,
		AutoApproved: claim.Status == StatusApproved,
	}
	if claim.Status == StatusApproved {
		resp.PaymentDetails = &PaymentDetails{ApprovedAmount: claim.AmountApproved}
	}
	return resp, nil
}

// recordSubmitFailure annotates the stored claim with the failure and maps
// the payor error into the service taxonomy. Rejected claims move to
// requires_review for manual correction; transient failures leave the claim
// pending so it can be resubmitted.
func (s *Service) recordSubmitFailure(ctx context.Context, claim *Claim, changedBy string, attempts int, err error) error {
	if errors.Is(err, payor.ErrClientRejected) || errors.Is(err, payor.ErrMalformedResponse) {
		in := TransitionInput{
			NewStatus: StatusRequiresReview,
			Source:    SourceSubmission,
			ChangedBy: changedBy,
			Notes:     "payor rejected submission: " + err.Error(),
		}
		if entry, applyErr := s.sm.Apply(claim, in); applyErr == nil {
			if upErr := s.repo.UpdateStatus(ctx, claim, claim.Version-1); upErr != nil {
				s.logger.Error().Err(upErr).Str("claim_number", claim.ClaimNumber).Msg("record rejection status")
			}
			if hErr := s.repo.AppendHistory(ctx, entry); hErr != nil {
				s.logger.Error().Err(hErr).Str("claim_number", claim.ClaimNumber).Msg("record rejection history")
			}
		}
		return &ClientRejectionError{Message: err.Error(), Err: err}
	}

	s.logger.Error().Err(err).
		Str("claim_number", claim.ClaimNumber).
		Int("attempts", attempts).
		Msg("payor submission failed after retries")
	return &TransientPayorError{Attempts: attempts, Err: err}
}

// mapPayorStatus translates the payor's status vocabulary into the local one.
// Unknown values land in requires_review rather than being dropped.
func mapPayorStatus(payorStatus string) string {
	switch payorStatus {
	case "approved", "auto_approved":
		return StatusApproved
	case "denied", "rejected":
		return StatusRejected
	case "under_review", "in_review", "review":
		return StatusUnderReview
	case "processing", "in_progress":
		return StatusProcessing
	case "received", "accepted", "pending", "submitted", "queued", "":
		return StatusSubmitted
	case "requires_review", "needs_information":
		return StatusRequiresReview
	default:
		return StatusRequiresReview
	}
}

// StatusSnapshot combines the payor's live view with the local record.
type StatusSnapshot struct {
	PayorClaimID string             `json:"payorClaimId"`
	ClaimNumber  string             `json:"claimNumber,omitempty"`
	LocalStatus  string             `json:"localStatus,omitempty"`
	PayorStatus  *payor.ClaimStatus `json:"payorStatus"`
}

// GetStatus fetches the payor's current status for a claim and, when the
// payor reports something newer than the local record, applies it on the spot
// so a status read doubles as a single-claim sync.
func (s *Service) GetStatus(ctx context.Context, payorClaimID string) (*StatusSnapshot, error) {
	payorStatus, err := s.gateway.GetClaimStatus(ctx, payorClaimID)
	if err != nil {
		if errors.Is(err, payor.ErrClientRejected) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	snap := &StatusSnapshot{PayorClaimID: payorClaimID, PayorStatus: payorStatus}

	claim, err := s.repo.GetByPayorClaimID(ctx, payorClaimID)
	if errors.Is(err, ErrNotFound) {
		return snap, nil
	}
	if err != nil {
		return nil, err
	}
	snap.ClaimNumber = claim.ClaimNumber
	snap.LocalStatus = claim.Status

	mapped := mapPayorStatus(payorStatus.Status)
	if mapped != claim.Status {
		raw, _ := json.Marshal(payorStatus)
		in := TransitionInput{
			NewStatus:       mapped,
			Source:          SourceReconciliation,
			ApprovedAmount:  payorStatus.ApprovedAmount,
			PatientResp:     payorStatus.PatientResponsibility,
			RejectionReason: payorStatus.DenialReason,
		}
		if applied, applyErr := s.ApplyStatusUpdate(ctx, claim.ID, in, raw); applyErr != nil {
			s.logger.Warn().Err(applyErr).Str("claim_number", claim.ClaimNumber).Msg("status read sync failed")
		} else if applied {
			snap.LocalStatus = mapped
		}
	}
	return snap, nil
}

// ApplyStatusUpdate is the single write path for payor-driven transitions,
// shared by the webhook processor, the reconciliation scheduler, and status
// reads. It holds a per-claim lock across the read-apply-write cycle so
// concurrent updates for the same claim serialize, dedupes repeated payloads
// by checksum, and falls back to an optimistic version check against writers
// on other instances. Returns whether a transition was actually applied.
func (s *Service) ApplyStatusUpdate(ctx context.Context, claimID uuid.UUID, in TransitionInput, rawPayload []byte) (bool, error) {
	unlock := s.locks.acquire(claimID)
	defer unlock()

	checksum := ""
	if len(rawPayload) > 0 {
		sum := sha256.Sum256(rawPayload)
		checksum = hex.EncodeToString(sum[:])
		dup, err := s.repo.HistoryExists(ctx, claimID, in.NewStatus, checksum)
		if err != nil {
			return false, fmt.Errorf("check duplicate payload: %w", err)
		}
		if dup {
			s.logger.Debug().Stringer("claim_id", claimID).Str("status", in.NewStatus).Msg("duplicate payor payload ignored")
			return false, nil
		}
	}

	for attempt := 0; attempt < 2; attempt++ {
		claim, err := s.repo.GetByID(ctx, claimID)
		if err != nil {
			return false, err
		}

		entry, err := s.sm.Apply(claim, in)
		if err != nil {
			return false, err
		}
		entry.PayloadChecksum = checksum
		if len(rawPayload) > 0 {
			claim.PayorResponse = rawPayload
		}

		err = s.repo.UpdateStatus(ctx, claim, claim.Version-1)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("persist status: %w", err)
		}
		if err := s.repo.AppendHistory(ctx, entry); err != nil {
			return false, fmt.Errorf("append history: %w", err)
		}
		s.logger.Info().
			Str("claim_number", claim.ClaimNumber).
			Str("from", *entry.PreviousStatus).
			Str("to", entry.NewStatus).
			Str("source", in.Source).
			Msg("claim status updated")
		return true, nil
	}
	return false, ErrVersionConflict
}

// GetByClaimNumber loads a claim with its history.
func (s *Service) GetByClaimNumber(ctx context.Context, number string) (*Claim, []*HistoryEntry, error) {
	claim, err := s.repo.GetByClaimNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	history, err := s.repo.ListHistory(ctx, claim.ID)
	if err != nil {
		return nil, nil, err
	}
	return claim, history, nil
}

// ListClaims pages through local claims for operators, optionally filtered
// to one status. An unknown status filter returns an empty page rather than
// an error.
func (s *Service) ListClaims(ctx context.Context, status string, limit, offset int) ([]*Claim, int, error) {
	if status != "" && !IsValidStatus(status) {
		return nil, 0, nil
	}
	return s.repo.ListByStatus(ctx, status, limit, offset)
}

// ListPolicies fetches the insurance policies registered with the payor.
func (s *Service) ListPolicies(ctx context.Context) ([]payor.Policy, error) {
	return s.gateway.ListPolicies(ctx)
}

// TestConnection probes the payor health endpoint.
func (s *Service) TestConnection(ctx context.Context) (*payor.ConnectionInfo, error) {
	return s.gateway.TestConnection(ctx)
}

// Reconfigure installs new payor connection settings and caches them so a
// restart comes back up with the latest admin-supplied values. Empty fields
// keep their current value.
func (s *Service) Reconfigure(ctx context.Context, update payor.Config) error {
	cfg := s.gateway.Snapshot()
	if update.BaseURL != "" {
		cfg.BaseURL = update.BaseURL
	}
	if update.APIKey != "" {
		cfg.APIKey = update.APIKey
	}
	if update.ProviderID != "" {
		cfg.ProviderID = update.ProviderID
	}
	if update.Email != "" {
		cfg.Email = update.Email
	}
	if update.Password != "" {
		cfg.Password = update.Password
	}
	s.gateway.Reload(cfg)

	if s.cache != nil {
		if err := s.cache.Set(ctx, payorConfigCacheKey, cfg, 0); err != nil {
			s.logger.Warn().Err(err).Msg("cache payor config")
		}
	}
	return nil
}

// RestoreConfig loads a previously cached payor configuration, if any.
func (s *Service) RestoreConfig(ctx context.Context) {
	if s.cache == nil {
		return
	}
	var cfg payor.Config
	err := s.cache.Get(ctx, payorConfigCacheKey, &cfg)
	if errors.Is(err, configcache.ErrMiss) {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("restore payor config")
		return
	}
	s.gateway.Reload(cfg)
}

// claimLocks hands out one mutex per claim ID. Entries are reference counted
// and removed once the last holder releases, so the map stays bounded by the
// number of claims being updated concurrently.
type claimLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*claimLock
}

type claimLock struct {
	mu   sync.Mutex
	refs int
}

func (l *claimLocks) acquire(id uuid.UUID) (release func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[uuid.UUID]*claimLock)
	}
	entry, ok := l.locks[id]
	if !ok {
		entry = &claimLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
