// Package payor implements the HTTP client for the payor's claim intake API.
//
// The client authenticates with either HTTP Basic credentials or an API key
// pair, classifies responses into permanent and transient failures, and keeps
// its connection settings in an atomically swappable snapshot so that admin
// config updates take effect without restarting in-flight work.
package payor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sentinel errors used to classify payor API failures. Callers decide retry
// behavior based on these: client rejections are permanent, transient errors
// are retryable.
var (
	// ErrClientRejected indicates the payor rejected the request as invalid
	// (HTTP 4xx). Retrying the same payload cannot succeed.
	ErrClientRejected = errors.New("payor rejected request")

	// ErrTransient indicates a server-side or transport failure (HTTP 5xx,
	// connection refused, timeout). The same request may succeed later.
	ErrTransient = errors.New("transient payor error")

	// ErrMalformedResponse indicates the payor answered with a body that
	// could not be decoded.
	ErrMalformedResponse = errors.New("malformed payor response")
)

// Config holds the connection settings for the payor API. A Config value is
// immutable once installed; updates install a fresh snapshot.
type Config struct {
	BaseURL      string
	Email        string
	Password     string
	APIKey       string
	ProviderID   string
	ProviderName string
}

// SubmitResult is the payor's answer to a claim submission.
type SubmitResult struct {
	PayorClaimID string  `json:"payor_claim_id"`
	Status       string  `json:"status"`
	Message      string  `json:"message"`
	AmountQuoted float64 `json:"amount_quoted"`
}

// ClaimStatus is the payor's view of a previously submitted claim.
type ClaimStatus struct {
	PayorClaimID          string   `json:"payor_claim_id"`
	Status                string   `json:"status"`
	ApprovedAmount        *float64 `json:"approved_amount,omitempty"`
	PatientResponsibility *float64 `json:"patient_responsibility,omitempty"`
	DenialReason          string   `json:"denial_reason,omitempty"`
	ReviewReason          string   `json:"review_reason,omitempty"`
	EstimatedReviewTime   string   `json:"estimated_review_time,omitempty"`
	UpdatedAt             string   `json:"updated_at,omitempty"`
}

// Policy describes an insurance policy known to the payor.
type Policy struct {
	PolicyID   string  `json:"policy_id"`
	MemberName string  `json:"member_name"`
	PlanName   string  `json:"plan_name"`
	Active     bool    `json:"active"`
	Deductible float64 `json:"deductible"`
}

// ConnectionInfo is returned by TestConnection.
type ConnectionInfo struct {
	Connected  bool   `json:"connected"`
	PayorName  string `json:"payor_name,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Client talks to the payor API. It is safe for concurrent use; config
// updates via Reload are visible to subsequent calls without locking.
type Client struct {
	cfg        atomic.Pointer[Config]
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient creates a payor API client with the given initial configuration.
func NewClient(cfg Config, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "payor_client").Logger(),
	}
	c.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reload atomically replaces the client configuration. In-flight requests
// keep the snapshot they started with.
func (c *Client) Reload(cfg Config) {
	c.cfg.Store(&cfg)
	c.logger.Info().Str("base_url", cfg.BaseURL).Msg("payor config reloaded")
}

// Snapshot returns the current configuration.
func (c *Client) Snapshot() Config {
	return *c.cfg.Load()
}

// authorize attaches credentials to the request. Basic auth wins when both
// credential sets are configured, matching the payor's documented precedence.
func authorize(req *http.Request, cfg *Config) {
	if cfg.Email != "" && cfg.Password != "" {
		req.SetBasicAuth(cfg.Email, cfg.Password)
		return
	}
	if cfg.APIKey != "" {
		req.Header.Set("X-API-Key", cfg.APIKey)
		req.Header.Set("X-Provider-ID", cfg.ProviderID)
	}
}

// do sends the request and classifies the outcome. On 2xx it decodes the body
// into out (when out is non-nil). 4xx maps to ErrClientRejected with the
// payor's message attached, 5xx and transport failures map to ErrTransient.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d: %s", ErrClientRejected, resp.StatusCode, payorMessage(body))
	default:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
}

// payorMessage extracts a human-readable error from the payor's error body.
func payorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Error != "":
			return parsed.Error
		case parsed.Message != "":
			return parsed.Message
		case parsed.Detail != "":
			return parsed.Detail
		}
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload interface{}) (*http.Request, error) {
	cfg := c.cfg.Load()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	authorize(req, cfg)
	return req, nil
}

// SubmitClaim sends a claim to the payor intake endpoint.
func (c *Client) SubmitClaim(ctx context.Context, payload map[string]interface{}) (*SubmitResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/claims/intake", payload)
	if err != nil {
		return nil, err
	}

	var result SubmitResult
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	if result.PayorClaimID == "" {
		return nil, fmt.Errorf("%w: missing payor_claim_id", ErrMalformedResponse)
	}
	return &result, nil
}

// GetClaimStatus fetches the payor's current view of a claim.
func (c *Client) GetClaimStatus(ctx context.Context, payorClaimID string) (*ClaimStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/claims/"+payorClaimID+"/status", nil)
	if err != nil {
		return nil, err
	}

	var status ClaimStatus
	if err := c.do(req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ValidatePolicy checks whether an insurance policy is active with the payor.
func (c *Client) ValidatePolicy(ctx context.Context, policyID string) (*Policy, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/policies/"+policyID, nil)
	if err != nil {
		return nil, err
	}

	var policy Policy
	if err := c.do(req, &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

// ListPolicies fetches the insurance policies the payor exposes to this
// provider.
func (c *Client) ListPolicies(ctx context.Context) ([]Policy, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/policies", nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Policies []Policy `json:"policies"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Policies, nil
}

// TestConnection probes the payor health endpoint with a short deadline.
func (c *Client) TestConnection(ctx context.Context) (*ConnectionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return nil, err
	}

	var info ConnectionInfo
	if err := c.do(req, &info); err != nil {
		return &ConnectionInfo{Connected: false, Detail: err.Error()}, err
	}
	info.Connected = true
	return &info, nil
}
