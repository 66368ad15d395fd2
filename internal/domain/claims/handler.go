package claims

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/claimbridge/claimbridge/internal/platform/auth"
	"github.com/claimbridge/claimbridge/internal/platform/payor"
	"github.com/claimbridge/claimbridge/internal/platform/webhook"
	"github.com/claimbridge/claimbridge/pkg/pagination"
)

type Handler struct {
	svc        *Service
	processor  *WebhookProcessor
	reconciler *Reconciler
	logger     zerolog.Logger
}

func NewHandler(svc *Service, processor *WebhookProcessor, reconciler *Reconciler, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:        svc,
		processor:  processor,
		reconciler: reconciler,
		logger:     logger.With().Str("component", "claims_handler").Logger(),
	}
}

// RegisterRoutes wires claim endpoints. api carries authentication; public
// does not, because the payor's webhook deliveries authenticate by HMAC
// signature rather than by bearer token.
func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group) {
	claimsGroup := api.Group("", auth.RequireRole("admin", "billing"))
	claimsGroup.POST("/claims/submit", h.SubmitClaim)
	claimsGroup.GET("/claims", h.ListClaims)
	claimsGroup.GET("/claims/:payorClaimId/status", h.GetClaimStatus)
	claimsGroup.GET("/claims/number/:claimNumber", h.GetClaimByNumber)

	adminGroup := api.Group("/admin", auth.RequireRole("admin"))
	adminGroup.POST("/test-connection", h.TestConnection)
	adminGroup.GET("/sync-claims", h.SyncClaims)
	adminGroup.POST("/update-config", h.UpdateConfig)
	adminGroup.GET("/insurance-policies", h.ListInsurancePolicies)

	public.POST("/webhooks/payor-claims", h.ReceiveWebhook)
	public.POST("/webhooks/test", h.WebhookTest)
	public.GET("/webhooks/health", h.WebhookHealth)
}

type submitErrorResponse struct {
	Error              string   `json:"error"`
	ErrorCode          string   `json:"errorCode"`
	ValidationErrors   []string `json:"validationErrors,omitempty"`
	ValidationWarnings []string `json:"validationWarnings,omitempty"`
}

func (h *Handler) SubmitClaim(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, submitErrorResponse{
			Error:     "request body is not valid JSON",
			ErrorCode: "MALFORMED_REQUEST",
		})
	}

	resp, err := h.svc.Submit(c.Request().Context(), &req, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		var vErr *ValidationFailedError
		if errors.As(err, &vErr) {
			return c.JSON(http.StatusBadRequest, submitErrorResponse{
				Error:              "claim validation failed",
				ErrorCode:          "VALIDATION_FAILED",
				ValidationErrors:   vErr.Result.Errors,
				ValidationWarnings: vErr.Result.Warnings,
			})
		}
		var rejErr *ClientRejectionError
		if errors.As(err, &rejErr) {
			return c.JSON(http.StatusBadRequest, submitErrorResponse{
				Error:     rejErr.Message,
				ErrorCode: "PAYOR_REJECTED",
			})
		}
		var transientErr *TransientPayorError
		if errors.As(err, &transientErr) {
			return c.JSON(http.StatusBadGateway, submitErrorResponse{
				Error:     "payor system unavailable, claim stored and can be resubmitted",
				ErrorCode: "PAYOR_UNAVAILABLE",
			})
		}
		h.logger.Error().Err(err).Msg("claim submission failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) ListClaims(c echo.Context) error {
	status := c.QueryParam("status")
	p := pagination.FromContext(c)

	items, total, err := h.svc.ListClaims(c.Request().Context(), status, p.Limit, p.Offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("claim listing failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	if items == nil {
		items = []*Claim{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) GetClaimStatus(c echo.Context) error {
	payorClaimID := c.Param("payorClaimId")
	snap, err := h.svc.GetStatus(c.Request().Context(), payorClaimID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "claim not known to payor")
		}
		if errors.Is(err, payor.ErrTransient) {
			return echo.NewHTTPError(http.StatusBadGateway, "payor system unavailable")
		}
		h.logger.Error().Err(err).Str("payor_claim_id", payorClaimID).Msg("status fetch failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) GetClaimByNumber(c echo.Context) error {
	claim, history, err := h.svc.GetByClaimNumber(c.Request().Context(), c.Param("claimNumber"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "claim not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"claim":   claim,
		"history": history,
	})
}

type webhookAck struct {
	Received bool   `json:"received"`
	Error    string `json:"error,omitempty"`
}

// ReceiveWebhook acknowledges payor deliveries. Apart from signature
// failures, it always answers 200 so the payor's at-least-once delivery loop
// does not retry payloads we have already recorded as unprocessable.
func (h *Handler) ReceiveWebhook(c echo.Context) error {
	rawBody, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusOK, webhookAck{Received: true, Error: "unreadable body"})
	}

	event, err := h.processor.Process(c.Request().Context(), rawBody, c.Request().Header.Get(webhook.SignatureHeader))
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrUnsignedWebhook) {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}
		h.logger.Error().Err(err).Msg("webhook processing failed")
		return c.JSON(http.StatusOK, webhookAck{Received: true, Error: err.Error()})
	}
	h.logger.Info().
		Str("claim_number", event.ClaimNumber).
		Str("new_status", event.NewStatus).
		Bool("applied", event.Applied).
		Msg("webhook processed")
	return c.JSON(http.StatusOK, webhookAck{Received: true})
}

// WebhookTest parses a payload the way the live endpoint would, without
// touching any claim. Payors use it to verify connectivity and signature
// configuration before going live.
func (h *Handler) WebhookTest(c echo.Context) error {
	rawBody, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusOK, webhookAck{Received: true, Error: "unreadable body"})
	}

	var event WebhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return c.JSON(http.StatusOK, webhookAck{Received: true, Error: "payload is not valid JSON"})
	}

	sig := c.Request().Header.Get(webhook.SignatureHeader)
	resp := map[string]interface{}{
		"received":          true,
		"test":              true,
		"eventType":         event.EventType,
		"signaturePresent":  sig != "",
		"signatureVerified": false,
	}
	if sig != "" {
		resp["signatureVerified"] = h.processor.VerifySignature(rawBody, sig)
	}
	if s := eventStatus(&event); s != "" {
		resp["mappedStatus"] = s
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) WebhookHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"secretConfigured": h.processor.SecretConfigured(),
		"rejectsUnsigned":  h.processor.RejectsUnsigned(),
	})
}

func (h *Handler) ListInsurancePolicies(c echo.Context) error {
	policies, err := h.svc.ListPolicies(c.Request().Context())
	if err != nil {
		if errors.Is(err, payor.ErrTransient) {
			return echo.NewHTTPError(http.StatusBadGateway, "payor system unavailable")
		}
		h.logger.Error().Err(err).Msg("policy listing failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	if policies == nil {
		policies = []payor.Policy{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"policies": policies,
		"count":    len(policies),
	})
}

func (h *Handler) TestConnection(c echo.Context) error {
	cfg := h.svc.gateway.Snapshot()
	info, err := h.svc.TestConnection(c.Request().Context())
	if err != nil {
		detail := "connection failed"
		if info != nil && info.Detail != "" {
			detail = info.Detail
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success":  false,
			"message":  detail,
			"payorUrl": cfg.BaseURL,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":  true,
		"message":  "connected to " + info.PayorName,
		"payorUrl": cfg.BaseURL,
	})
}

func (h *Handler) SyncClaims(c echo.Context) error {
	report, err := h.reconciler.SyncAll(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

type updateConfigRequest struct {
	PayorURL      string `json:"payorUrl"`
	APIKey        string `json:"apiKey"`
	ProviderID    string `json:"providerId"`
	Email         string `json:"email"`
	Password      string `json:"password"`
	WebhookSecret string `json:"webhookSecret"`
}

func (h *Handler) UpdateConfig(c echo.Context) error {
	var req updateConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is not valid JSON")
	}

	err := h.svc.Reconfigure(c.Request().Context(), payor.Config{
		BaseURL:    req.PayorURL,
		APIKey:     req.APIKey,
		ProviderID: req.ProviderID,
		Email:      req.Email,
		Password:   req.Password,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if req.WebhookSecret != "" {
		h.processor.SetSecret(req.WebhookSecret)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":  true,
		"payorUrl": h.svc.gateway.Snapshot().BaseURL,
	})
}
