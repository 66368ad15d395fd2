package webhook

import "testing"

func TestSignPayload_Deterministic(t *testing.T) {
	payload := []byte(`{"claim_id":"CLM-2026-001","new_status":"approved"}`)
	a := SignPayload(payload, "secret")
	b := SignPayload(payload, "secret")
	if a != b {
		t.Errorf("same payload and secret should produce the same signature")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars for sha256, got %d", len(a))
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"claim_id":"CLM-2026-001"}`)
	sig := SignPayload(payload, "secret")

	if !VerifySignature(payload, "secret", sig) {
		t.Error("expected valid signature to verify")
	}
	if !VerifySignature(payload, "secret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if VerifySignature(payload, "wrong-secret", sig) {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature([]byte(`tampered`), "secret", sig) {
		t.Error("expected tampered payload to fail")
	}
	if VerifySignature(payload, "secret", "") {
		t.Error("expected empty signature to fail")
	}
}
