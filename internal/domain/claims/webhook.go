package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/claimbridge/claimbridge/internal/platform/webhook"
)

// ErrInvalidSignature is returned when a webhook carries a signature header
// that does not match the shared secret. Maps to 401 at the HTTP layer.
var ErrInvalidSignature = errors.New("webhook signature verification failed")

// ErrUnsignedWebhook is returned for unsigned webhooks when the signature
// policy is set to reject.
var ErrUnsignedWebhook = errors.New("unsigned webhook rejected by policy")

// WebhookEvent is the payor's push notification payload.
type WebhookEvent struct {
	EventType           string   `json:"event_type"`
	ClaimID             string   `json:"claim_id"`
	ClaimNumber         string   `json:"claim_number"`
	PayorReference      string   `json:"payor_reference"`
	NewStatus           string   `json:"new_status"`
	PreviousStatus      string   `json:"previous_status"`
	PatientName         string   `json:"patient_name"`
	Amount              *float64 `json:"amount"`
	DenialReason        string   `json:"denial_reason"`
	ReviewReason        string   `json:"review_reason"`
	EstimatedReviewTime string   `json:"estimated_review_time"`
	Timestamp           string   `json:"timestamp"`

	PaymentDetails *struct {
		ApprovedAmount        *float64 `json:"approved_amount"`
		PatientResponsibility *float64 `json:"patient_responsibility"`
		PaymentDate           string   `json:"payment_date"`
	} `json:"payment_details"`
}

// ProcessedEvent summarizes what a webhook delivery did.
type ProcessedEvent struct {
	ClaimNumber string `json:"claim_number"`
	NewStatus   string `json:"new_status"`
	Applied     bool   `json:"applied"`
	Duplicate   bool   `json:"duplicate"`
}

// WebhookProcessor verifies and applies payor push notifications. The secret
// is swappable at runtime because admin config updates can rotate it.
type WebhookProcessor struct {
	svc    *Service
	repo   Repository
	logger zerolog.Logger

	mu             sync.RWMutex
	secret         string
	rejectUnsigned bool
}

// NewWebhookProcessor builds a processor. rejectUnsigned selects the strict
// policy: unsigned deliveries are refused instead of logged and accepted.
func NewWebhookProcessor(svc *Service, repo Repository, secret string, rejectUnsigned bool, logger zerolog.Logger) *WebhookProcessor {
	return &WebhookProcessor{
		svc:            svc,
		repo:           repo,
		secret:         secret,
		rejectUnsigned: rejectUnsigned,
		logger:         logger.With().Str("component", "webhook_processor").Logger(),
	}
}

// SetSecret rotates the shared webhook secret.
func (p *WebhookProcessor) SetSecret(secret string) {
	p.mu.Lock()
	p.secret = secret
	p.mu.Unlock()
}

func (p *WebhookProcessor) currentSecret() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.secret
}

// SecretConfigured reports whether deliveries can be verified at all.
func (p *WebhookProcessor) SecretConfigured() bool {
	return p.currentSecret() != ""
}

// RejectsUnsigned reports whether the strict signature policy is active.
func (p *WebhookProcessor) RejectsUnsigned() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rejectUnsigned
}

// VerifySignature checks a delivery signature against the current secret
// without processing the payload.
func (p *WebhookProcessor) VerifySignature(rawBody []byte, signatureHeader string) bool {
	secret := p.currentSecret()
	if secret == "" {
		return false
	}
	return webhook.VerifySignature(rawBody, secret, signatureHeader)
}

// Process verifies the delivery signature, parses the event, locates the
// local claim, and routes the status change through the state machine.
func (p *WebhookProcessor) Process(ctx context.Context, rawBody []byte, signatureHeader string) (*ProcessedEvent, error) {
	if err := p.verify(rawBody, signatureHeader); err != nil {
		return nil, err
	}

	var event WebhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("parse webhook payload: %w", err)
	}

	newStatus := eventStatus(&event)
	if newStatus == "" {
		return nil, fmt.Errorf("webhook event carries no status (event_type=%q)", event.EventType)
	}

	claim, err := p.locate(ctx, &event)
	if err != nil {
		return nil, err
	}

	in := TransitionInput{
		NewStatus:       newStatus,
		Source:          SourceWebhook,
		ChangedBy:       "payor_webhook",
		RejectionReason: event.DenialReason,
		Notes:           event.ReviewReason,
		PayorClaimID:    event.ClaimID,
	}
	if in.PayorClaimID == "" {
		in.PayorClaimID = event.PayorReference
	}
	if event.EstimatedReviewTime != "" {
		note := "estimated review time: " + event.EstimatedReviewTime
		if in.Notes != "" {
			in.Notes += "; " + note
		} else {
			in.Notes = note
		}
	}
	if event.PaymentDetails != nil {
		in.ApprovedAmount = event.PaymentDetails.ApprovedAmount
		in.PatientResp = event.PaymentDetails.PatientResponsibility
	}

	applied, err := p.svc.ApplyStatusUpdate(ctx, claim.ID, in, rawBody)
	if err != nil {
		return nil, fmt.Errorf("apply webhook status for %s: %w", claim.ClaimNumber, err)
	}

	return &ProcessedEvent{
		ClaimNumber: claim.ClaimNumber,
		NewStatus:   newStatus,
		Applied:     applied,
		Duplicate:   !applied,
	}, nil
}

// verify enforces the signature policy: a present-but-wrong signature is
// always an error, a missing one is tolerated or refused depending on
// configuration. Payors that cannot sign are still common, so the permissive
// mode logs every unsigned delivery rather than dropping it silently.
func (p *WebhookProcessor) verify(rawBody []byte, signatureHeader string) error {
	secret := p.currentSecret()

	if signatureHeader == "" {
		if p.rejectUnsigned {
			return ErrUnsignedWebhook
		}
		p.logger.Warn().Msg("accepting unsigned webhook delivery")
		return nil
	}
	if secret == "" {
		p.logger.Warn().Msg("webhook signed but no secret configured, skipping verification")
		return nil
	}
	if !webhook.VerifySignature(rawBody, secret, signatureHeader) {
		return ErrInvalidSignature
	}
	return nil
}

// eventStatus resolves the target status, preferring the explicit event type
// over the free-form new_status field.
func eventStatus(event *WebhookEvent) string {
	switch event.EventType {
	case "claim_approved":
		return StatusApproved
	case "claim_denied", "claim_rejected":
		return StatusRejected
	case "claim_under_review":
		return StatusUnderReview
	}
	if event.NewStatus != "" {
		return mapPayorStatus(event.NewStatus)
	}
	return ""
}

// locate finds the local claim for an event. Strategies run in decreasing
// order of precision and stop at the first hit: the payor's claim ID, then
// the provider claim number, then patient name plus amount among non-terminal
// claims. The fallbacks exist because payor and provider ID spaces drift.
func (p *WebhookProcessor) locate(ctx context.Context, event *WebhookEvent) (*Claim, error) {
	if event.ClaimID != "" {
		claim, err := p.repo.GetByPayorClaimID(ctx, event.ClaimID)
		if err == nil {
			return claim, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if event.ClaimNumber != "" {
		claim, err := p.repo.GetByClaimNumber(ctx, event.ClaimNumber)
		if err == nil {
			return claim, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if event.PayorReference != "" && event.PayorReference != event.ClaimID {
		claim, err := p.repo.GetByPayorClaimID(ctx, event.PayorReference)
		if err == nil {
			return claim, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if event.PatientName != "" && event.Amount != nil {
		claim, err := p.repo.FindByPatientAmount(ctx, event.PatientName, *event.Amount)
		if err == nil {
			p.logger.Warn().
				Str("claim_number", claim.ClaimNumber).
				Str("payor_claim_id", event.ClaimID).
				Msg("webhook matched by patient and amount fallback")
			return claim, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: no claim matches webhook (claim_id=%q, claim_number=%q)", ErrNotFound, event.ClaimID, event.ClaimNumber)
}
