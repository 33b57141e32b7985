// Package event defines the honeypot event record, its validation rules,
// and the content fingerprint used for deduplication.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Risk level buckets derived from the classifier probability.
const (
	RiskHigh    = "HIGH"
	RiskMedium  = "MEDIUM"
	RiskLow     = "LOW"
	RiskMinimal = "MINIMAL"
)

// Event is one recorded interaction with a decoy service. Events are
// immutable once stored: enrichment and risk fields are populated by the
// ingestion pipeline before the first write, never patched in afterward.
type Event struct {
	// ID is the storage-assigned sequence number. Zero until inserted.
	ID int64 `json:"id"`

	// Fingerprint is the SHA-256 content digest used as the uniqueness key.
	Fingerprint string `json:"fingerprint"`

	// Required producer fields.
	Timestamp     string `json:"timestamp"`
	SourceIP      string `json:"source_ip"`
	Protocol      string `json:"protocol"`
	TargetService string `json:"target_service"`
	Action        string `json:"action"`
	SessionID     string `json:"session_id"`

	// Optional producer fields. Headers and Payload are opaque JSON blobs,
	// validated for well-formedness only and decoded lazily at read time.
	TargetFile string          `json:"target_file,omitempty"`
	Headers    json.RawMessage `json:"headers,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UserAgent  string          `json:"user_agent,omitempty"`

	// Enrichment fields, written once by the pipeline.
	GeoCountry   string   `json:"geo_country,omitempty"`
	GeoCity      string   `json:"geo_city,omitempty"`
	GeoRegion    string   `json:"geo_region,omitempty"`
	GeoLatitude  *float64 `json:"geo_latitude,omitempty"`
	GeoLongitude *float64 `json:"geo_longitude,omitempty"`
	GeoTimezone  string   `json:"geo_timezone,omitempty"`
	GeoISP       string   `json:"geo_isp,omitempty"`
	GeoOrg       string   `json:"geo_org,omitempty"`

	// Risk fields, written once by the pipeline. Score and Level are nil
	// when the classifier was unavailable at ingestion time.
	RiskScore *float64 `json:"risk_score,omitempty"`
	RiskLevel string   `json:"risk_level,omitempty"`
	IsAnomaly bool     `json:"is_anomaly"`

	// CreatedAt is the insert time, set by the store, in SQLite's
	// "YYYY-MM-DD HH:MM:SS" datetime layout (UTC).
	CreatedAt string `json:"created_at,omitempty"`
}

// ValidationError reports a missing or malformed client-supplied field.
// It is always a client error, never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// MissingField returns the validation error for an absent required field.
func MissingField(name string) *ValidationError {
	return &ValidationError{Field: name, Reason: "required field is missing or empty"}
}

// Validate checks that all required fields are present and non-empty and
// that the opaque header/payload blobs, if supplied, are well-formed JSON.
func (e *Event) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"timestamp", e.Timestamp},
		{"source_ip", e.SourceIP},
		{"protocol", e.Protocol},
		{"target_service", e.TargetService},
		{"action", e.Action},
		{"session_id", e.SessionID},
	}
	for _, f := range required {
		if f.value == "" {
			return MissingField(f.name)
		}
	}

	if len(e.Headers) > 0 && !json.Valid(e.Headers) {
		return &ValidationError{Field: "headers", Reason: "not valid JSON"}
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return &ValidationError{Field: "payload", Reason: "not valid JSON"}
	}
	return nil
}

// ComputeFingerprint canonicalizes the event and returns its SHA-256 digest
// as lowercase hex. The digest covers every content field, including the
// derived geo and risk fields, and excludes the fingerprint itself and the
// storage-assigned sequence number. Callers must populate enrichment and
// risk fields first; the pipeline computes this as its final pre-insert step.
func (e *Event) ComputeFingerprint() (string, error) {
	canonical, err := e.canonicalize()
	if err != nil {
		return "", fmt.Errorf("canonicalizing event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize produces a deterministic compact JSON encoding: a flat map
// with sorted keys. Opaque blobs are decoded and re-encoded so that their
// own key order is normalized as well.
func (e *Event) canonicalize() ([]byte, error) {
	fields := map[string]any{
		"timestamp":      e.Timestamp,
		"source_ip":      e.SourceIP,
		"protocol":       e.Protocol,
		"target_service": e.TargetService,
		"action":         e.Action,
		"session_id":     e.SessionID,
		"target_file":    e.TargetFile,
		"user_agent":     e.UserAgent,
		"geo_country":    e.GeoCountry,
		"geo_city":       e.GeoCity,
		"geo_region":     e.GeoRegion,
		"geo_latitude":   e.GeoLatitude,
		"geo_longitude":  e.GeoLongitude,
		"geo_timezone":   e.GeoTimezone,
		"geo_isp":        e.GeoISP,
		"geo_org":        e.GeoOrg,
		"risk_score":     e.RiskScore,
		"risk_level":     e.RiskLevel,
		"is_anomaly":     e.IsAnomaly,
	}

	fields["headers"] = normalizeBlob(e.Headers)
	fields["payload"] = normalizeBlob(e.Payload)

	// encoding/json sorts map keys, which gives the stable key ordering
	// the fingerprint depends on.
	return json.Marshal(fields)
}

// normalizeBlob decodes an opaque JSON blob into generic values so nested
// object keys re-encode in sorted order. Invalid or empty blobs normalize
// to nil; validation rejects invalid blobs before fingerprinting anyway.
func normalizeBlob(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// HeadersMap lazily decodes the headers blob. Malformed or empty blobs
// decode to an empty map rather than an error.
func (e *Event) HeadersMap() map[string]any {
	return decodeBlob(e.Headers)
}

// PayloadMap lazily decodes the payload blob.
func (e *Event) PayloadMap() map[string]any {
	return decodeBlob(e.Payload)
}

func decodeBlob(raw json.RawMessage) map[string]any {
	m := map[string]any{}
	if len(raw) == 0 {
		return m
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}
