package claims

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/claimbridge/claimbridge/internal/platform/payor"
	"github.com/claimbridge/claimbridge/internal/platform/webhook"
)

func newTestHandler() (*Handler, *mockRepo, *mockGateway, *echo.Echo) {
	repo := newMockRepo()
	gw := newMockGateway()
	svc := newTestService(repo, gw)
	processor := NewWebhookProcessor(svc, repo, testSecret, false, zerolog.Nop())
	reconciler := newTestReconciler(svc, repo)
	h := NewHandler(svc, processor, reconciler, zerolog.Nop())
	return h, repo, gw, echo.New()
}

func doJSON(e *echo.Echo, method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_SubmitClaim_Created(t *testing.T) {
	h, _, _, e := newTestHandler()
	c, rec := doJSON(e, http.MethodPost, "/api/v1/claims/submit",
		`{"patient_name":"John Doe","insurance_id":"BC-789-456","diagnosis_code":"E11.9","amount_requested":450.00}`)

	if err := h.SubmitClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ClaimID == "" || resp.PayorClaimID != "PAY-2026-0042" || resp.Status != StatusSubmitted {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandler_SubmitClaim_ValidationErrorShape(t *testing.T) {
	h, _, _, e := newTestHandler()
	c, rec := doJSON(e, http.MethodPost, "/api/v1/claims/submit",
		`{"patient_name":"John Doe","amount_requested":-5}`)

	if err := h.SubmitClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp submitErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ErrorCode != "VALIDATION_FAILED" || len(resp.ValidationErrors) == 0 {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandler_SubmitClaim_PayorUnavailable(t *testing.T) {
	h, _, gw, e := newTestHandler()
	gw.submitErr = payor.ErrTransient
	c, rec := doJSON(e, http.MethodPost, "/api/v1/claims/submit",
		`{"patient_name":"John Doe","insurance_id":"BC-789-456","diagnosis_code":"E11.9","amount_requested":450.00}`)

	if err := h.SubmitClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	var resp submitErrorResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ErrorCode != "PAYOR_UNAVAILABLE" {
		t.Errorf("error code = %q", resp.ErrorCode)
	}
}

func TestHandler_GetClaimStatus_NotFound(t *testing.T) {
	h, _, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("payorClaimId")
	c.SetParamValues("PAY-GHOST")

	err := h.GetClaimStatus(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
}

func TestHandler_ReceiveWebhook_AlwaysAcknowledges(t *testing.T) {
	h, _, _, e := newTestHandler()

	// unknown claim: processing fails internally but the payor still gets 200
	body := `{"event_type":"claim_approved","claim_id":"PAY-GHOST"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payor-claims", strings.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, "sha256="+webhook.SignPayload([]byte(body), testSecret))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ReceiveWebhook(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var ack webhookAck
	json.Unmarshal(rec.Body.Bytes(), &ack)
	if !ack.Received || ack.Error == "" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestHandler_ReceiveWebhook_BadSignatureIs401(t *testing.T) {
	h, _, _, e := newTestHandler()
	body := `{"event_type":"claim_approved","claim_id":"PAY-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payor-claims", strings.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, "sha256=0000")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ReceiveWebhook(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 HTTPError, got %v", err)
	}
}

func TestHandler_TestConnection(t *testing.T) {
	h, _, gw, e := newTestHandler()
	c, rec := doJSON(e, http.MethodPost, "/api/v1/admin/test-connection", "")
	if err := h.TestConnection(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["success"] != true || resp["payorUrl"] != gw.Snapshot().BaseURL {
		t.Errorf("response = %v", resp)
	}

	gw.connErr = payor.ErrTransient
	gw.connInfo = &payor.ConnectionInfo{Connected: false, Detail: "connection refused"}
	c, rec = doJSON(e, http.MethodPost, "/api/v1/admin/test-connection", "")
	if err := h.TestConnection(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp = nil
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["success"] != false {
		t.Errorf("response = %v", resp)
	}
}

func TestHandler_SyncClaims(t *testing.T) {
	h, _, _, e := newTestHandler()
	c, rec := doJSON(e, http.MethodGet, "/api/v1/admin/sync-claims", "")
	if err := h.SyncClaims(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report SyncReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Errors == nil {
		t.Error("errors must serialize as an empty array, not null")
	}
}

func TestHandler_UpdateConfig(t *testing.T) {
	h, _, gw, e := newTestHandler()
	c, rec := doJSON(e, http.MethodPost, "/api/v1/admin/update-config",
		`{"payorUrl":"http://next-payor.test","apiKey":"k9","webhookSecret":"whsec_next"}`)

	if err := h.UpdateConfig(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gw.Snapshot().BaseURL != "http://next-payor.test" || gw.Snapshot().APIKey != "k9" {
		t.Errorf("config = %+v", gw.Snapshot())
	}
	if h.processor.currentSecret() != "whsec_next" {
		t.Error("webhook secret was not rotated")
	}
}

func TestHandler_ListClaims(t *testing.T) {
	h, repo, _, e := newTestHandler()
	submitTestClaim(t, h.svc, repo)
	submitTestClaim(t, h.svc, repo)

	c, rec := doJSON(e, http.MethodGet, "/api/v1/claims?status=submitted&limit=1", "")
	if err := h.ListClaims(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Data    []*Claim `json:"data"`
		Total   int      `json:"total"`
		HasMore bool     `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 2 || len(resp.Data) != 1 || !resp.HasMore {
		t.Errorf("total = %d, page = %d, has_more = %v", resp.Total, len(resp.Data), resp.HasMore)
	}
}

func TestHandler_ListClaims_UnknownStatusIsEmptyPage(t *testing.T) {
	h, repo, _, e := newTestHandler()
	submitTestClaim(t, h.svc, repo)

	c, rec := doJSON(e, http.MethodGet, "/api/v1/claims?status=bogus", "")
	if err := h.ListClaims(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Data  []*Claim `json:"data"`
		Total int      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 0 || len(resp.Data) != 0 {
		t.Errorf("expected empty page, got %+v", resp)
	}
}

func TestHandler_ListInsurancePolicies(t *testing.T) {
	h, _, _, e := newTestHandler()
	c, rec := doJSON(e, http.MethodGet, "/api/v1/admin/insurance-policies", "")

	if err := h.ListInsurancePolicies(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Policies []payor.Policy `json:"policies"`
		Count    int            `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 || len(resp.Policies) != 1 || resp.Policies[0].PolicyID != "BC-789-456" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandler_WebhookHealth(t *testing.T) {
	h, _, _, e := newTestHandler()
	c, rec := doJSON(e, http.MethodGet, "/api/v1/webhooks/health", "")

	if err := h.WebhookHealth(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" || resp["secretConfigured"] != true || resp["rejectsUnsigned"] != false {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandler_WebhookTest_VerifiesSignatureWithoutSideEffects(t *testing.T) {
	h, repo, _, e := newTestHandler()
	body := `{"event_type":"claim_approved","claim_id":"PAY-2026-0042"}`

	c, rec := doJSON(e, http.MethodPost, "/api/v1/webhooks/test", body)
	c.Request().Header.Set(webhook.SignatureHeader, "sha256="+webhook.SignPayload([]byte(body), testSecret))

	if err := h.WebhookTest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["signatureVerified"] != true || resp["mappedStatus"] != StatusApproved {
		t.Errorf("response = %+v", resp)
	}

	repo.mu.Lock()
	n := len(repo.claims)
	repo.mu.Unlock()
	if n != 0 {
		t.Errorf("test endpoint must not create claims, found %d", n)
	}
}
