package event

import (
	"errors"
	"strings"
	"testing"
)

func sampleEvent() *Event {
	return &Event{
		Timestamp:     "2026-08-25T10:00:00Z",
		SourceIP:      "203.0.113.42",
		Protocol:      "HTTP",
		TargetService: "Fake Git Repository",
		Action:        "file_access",
		SessionID:     "sess-1234",
		TargetFile:    "secrets.yml",
		Headers:       []byte(`{"Host":"git.internal","User-Agent":"curl/8.0"}`),
		Payload:       []byte(`{"path":"/repo/secrets.yml"}`),
		UserAgent:     "curl/8.0",
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

// TestValidate_Complete verifies a fully populated event passes validation.
func TestValidate_Complete(t *testing.T) {
	if err := sampleEvent().Validate(); err != nil {
		t.Fatalf("valid event should pass validation: %v", err)
	}
}

// TestValidate_MissingRequiredFields verifies each required field is enforced
// and the error names the offending field.
func TestValidate_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		field string
		clear func(*Event)
	}{
		{"timestamp", func(e *Event) { e.Timestamp = "" }},
		{"source_ip", func(e *Event) { e.SourceIP = "" }},
		{"protocol", func(e *Event) { e.Protocol = "" }},
		{"target_service", func(e *Event) { e.TargetService = "" }},
		{"action", func(e *Event) { e.Action = "" }},
		{"session_id", func(e *Event) { e.SessionID = "" }},
	}

	for _, tt := range tests {
		ev := sampleEvent()
		tt.clear(ev)

		err := ev.Validate()
		if err == nil {
			t.Errorf("missing %s should fail validation", tt.field)
			continue
		}

		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("missing %s: expected *ValidationError, got %T", tt.field, err)
			continue
		}
		if verr.Field != tt.field {
			t.Errorf("expected error on field %q, got %q", tt.field, verr.Field)
		}
	}
}

// TestValidate_OptionalFieldsAbsent verifies optional fields may be empty.
func TestValidate_OptionalFieldsAbsent(t *testing.T) {
	ev := sampleEvent()
	ev.TargetFile = ""
	ev.Headers = nil
	ev.Payload = nil
	ev.UserAgent = ""

	if err := ev.Validate(); err != nil {
		t.Errorf("event without optional fields should pass: %v", err)
	}
}

// TestValidate_MalformedBlobs verifies malformed header/payload JSON is
// rejected.
func TestValidate_MalformedBlobs(t *testing.T) {
	ev := sampleEvent()
	ev.Headers = []byte(`{"broken":`)

	err := ev.Validate()
	if err == nil {
		t.Fatal("malformed headers should fail validation")
	}
	if !strings.Contains(err.Error(), "headers") {
		t.Errorf("error should name headers, got: %v", err)
	}

	ev = sampleEvent()
	ev.Payload = []byte(`not json`)
	if ev.Validate() == nil {
		t.Error("malformed payload should fail validation")
	}
}

// =============================================================================
// Fingerprint Tests
// =============================================================================

// TestComputeFingerprint_Deterministic verifies the same content always
// yields the same fingerprint.
func TestComputeFingerprint_Deterministic(t *testing.T) {
	first, err := sampleEvent().ComputeFingerprint()
	if err != nil {
		t.Fatalf("ComputeFingerprint failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := sampleEvent().ComputeFingerprint()
		if err != nil {
			t.Fatalf("ComputeFingerprint failed: %v", err)
		}
		if again != first {
			t.Fatalf("fingerprint not deterministic: %q vs %q", first, again)
		}
	}

	if len(first) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(first))
	}
}

// TestComputeFingerprint_BlobKeyOrderIrrelevant verifies that reordering keys
// inside the opaque blobs does not change the fingerprint.
func TestComputeFingerprint_BlobKeyOrderIrrelevant(t *testing.T) {
	a := sampleEvent()
	a.Headers = []byte(`{"Host":"git.internal","User-Agent":"curl/8.0"}`)

	b := sampleEvent()
	b.Headers = []byte(`{"User-Agent":"curl/8.0","Host":"git.internal"}`)

	fpA, _ := a.ComputeFingerprint()
	fpB, _ := b.ComputeFingerprint()
	if fpA != fpB {
		t.Errorf("blob key order should not affect fingerprint: %q vs %q", fpA, fpB)
	}
}

// TestComputeFingerprint_ContentSensitivity verifies any content change
// changes the fingerprint, including derived fields.
func TestComputeFingerprint_ContentSensitivity(t *testing.T) {
	base, _ := sampleEvent().ComputeFingerprint()

	mutations := []struct {
		name   string
		mutate func(*Event)
	}{
		{"timestamp", func(e *Event) { e.Timestamp = "2026-08-25T10:00:01Z" }},
		{"source_ip", func(e *Event) { e.SourceIP = "203.0.113.43" }},
		{"action", func(e *Event) { e.Action = "git_push" }},
		{"payload", func(e *Event) { e.Payload = []byte(`{"path":"/other"}`) }},
		{"geo_country", func(e *Event) { e.GeoCountry = "Germany" }},
		{"risk_score", func(e *Event) { v := 0.9; e.RiskScore = &v }},
		{"is_anomaly", func(e *Event) { e.IsAnomaly = true }},
	}

	for _, tt := range mutations {
		ev := sampleEvent()
		tt.mutate(ev)
		fp, err := ev.ComputeFingerprint()
		if err != nil {
			t.Fatalf("%s: ComputeFingerprint failed: %v", tt.name, err)
		}
		if fp == base {
			t.Errorf("changing %s should change the fingerprint", tt.name)
		}
	}
}

// TestComputeFingerprint_ExcludesIdentityFields verifies the sequence number
// and the fingerprint itself do not feed the digest.
func TestComputeFingerprint_ExcludesIdentityFields(t *testing.T) {
	base, _ := sampleEvent().ComputeFingerprint()

	ev := sampleEvent()
	ev.ID = 42
	ev.Fingerprint = "already-set"
	ev.CreatedAt = "2026-08-25 10:00:00"

	fp, _ := ev.ComputeFingerprint()
	if fp != base {
		t.Error("id, fingerprint, and created_at must not affect the digest")
	}
}

// =============================================================================
// Blob Decode Tests
// =============================================================================

// TestPayloadMap_LazyDecode verifies lazy decoding and the empty-map fallback.
func TestPayloadMap_LazyDecode(t *testing.T) {
	ev := sampleEvent()
	m := ev.PayloadMap()
	if m["path"] != "/repo/secrets.yml" {
		t.Errorf("expected decoded payload path, got %v", m["path"])
	}

	ev.Payload = nil
	if len(ev.PayloadMap()) != 0 {
		t.Error("empty payload should decode to an empty map")
	}

	ev.Payload = []byte(`[1,2,3]`)
	if len(ev.PayloadMap()) != 0 {
		t.Error("non-object payload should decode to an empty map")
	}
}
