package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/honeytrail/internal/event"
	"github.com/lvonguyen/honeytrail/internal/feed"
	"github.com/lvonguyen/honeytrail/internal/geoip"
	"github.com/lvonguyen/honeytrail/internal/pipeline"
	"github.com/lvonguyen/honeytrail/internal/risk"
	"github.com/lvonguyen/honeytrail/internal/store"
)

type staticResolver struct{}

func (staticResolver) Resolve(ctx context.Context, addr string) geoip.Record {
	return geoip.Record{Country: "Germany", City: "Berlin"}
}

type staticScorer struct {
	result *risk.Result
}

func (s staticScorer) Score(ctx context.Context, ev *event.Event) *risk.Result {
	return s.result
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	notifier := feed.NewNotifier()
	liveFeed := feed.New(st, notifier, feed.Config{
		PollInterval: 50 * time.Millisecond,
		BatchSize:    100,
	}, zap.NewNop(), nil)

	scorer := staticScorer{result: &risk.Result{Score: 0.85, Level: event.RiskHigh, Anomaly: true}}
	p := pipeline.New(st, staticResolver{}, scorer, notifier, zap.NewNop(), nil)

	server := NewServer(p, st, liveFeed, zap.NewNop(), "test")
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts
}

func submissionBody(seq int) []byte {
	return []byte(fmt.Sprintf(`{
		"timestamp": "2026-08-25T10:00:00Z",
		"source_ip": "203.0.113.42",
		"protocol": "HTTP",
		"target_service": "Fake Git Repository",
		"action": "file_access",
		"session_id": "sess-%04d",
		"target_file": "secrets.yml",
		"payload": {"path": "/repo/secrets.yml"},
		"user_agent": "curl/8.0"
	}`, seq))
}

func postLog(t *testing.T, ts *httptest.Server, body []byte) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Post(ts.URL+"/log", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /log failed: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp, decoded
}

func getJSON(t *testing.T, ts *httptest.Server, path string) map[string]any {
	t.Helper()

	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding %s response: %v", path, err)
	}
	return decoded
}

// =============================================================================
// Ingest Endpoint Tests
// =============================================================================

// TestPostLog_Stored verifies a valid submission is stored with its receipt.
func TestPostLog_Stored(t *testing.T) {
	ts := testServer(t)

	resp, body := postLog(t, ts, submissionBody(1))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "stored" {
		t.Errorf("expected status stored, got %v", body["status"])
	}
	if body["id"] == nil || body["fingerprint"] == nil {
		t.Errorf("receipt missing id or fingerprint: %v", body)
	}
	if body["risk"] == nil {
		t.Errorf("expected risk annotation in receipt: %v", body)
	}
}

// TestPostLog_Duplicate verifies an identical resubmission reports duplicate
// with a success status and stores nothing new.
func TestPostLog_Duplicate(t *testing.T) {
	ts := testServer(t)

	postLog(t, ts, submissionBody(1))
	resp, body := postLog(t, ts, submissionBody(1))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate should be 200, got %d", resp.StatusCode)
	}
	if body["status"] != "duplicate" {
		t.Errorf("expected status duplicate, got %v", body["status"])
	}

	stats := getJSON(t, ts, "/stats")
	if stats["total_events"].(float64) != 1 {
		t.Errorf("expected 1 stored event, got %v", stats["total_events"])
	}
}

// TestPostLog_ValidationError verifies missing fields reject with 400 naming
// the field.
func TestPostLog_ValidationError(t *testing.T) {
	ts := testServer(t)

	resp, body := postLog(t, ts, []byte(`{
		"timestamp": "2026-08-25T10:00:00Z",
		"protocol": "HTTP",
		"target_service": "Fake Git Repository",
		"action": "file_access",
		"session_id": "sess-1"
	}`))

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "source_ip") {
		t.Errorf("error should name source_ip, got %v", body["error"])
	}
}

// TestPostLog_MalformedBody verifies unparsable JSON rejects with 400.
func TestPostLog_MalformedBody(t *testing.T) {
	ts := testServer(t)

	resp, _ := postLog(t, ts, []byte(`{{{`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

// =============================================================================
// Query Endpoint Tests
// =============================================================================

// TestGetLogs_FilterAndPagination verifies filters apply and garbage
// pagination degrades to defaults.
func TestGetLogs_FilterAndPagination(t *testing.T) {
	ts := testServer(t)

	for i := 0; i < 3; i++ {
		postLog(t, ts, submissionBody(i))
	}

	body := getJSON(t, ts, "/logs?source_ip=203.0.113.42")
	if body["count"].(float64) != 3 {
		t.Errorf("expected 3 logs, got %v", body["count"])
	}

	body = getJSON(t, ts, "/logs?source_ip=198.51.100.1")
	if body["count"].(float64) != 0 {
		t.Errorf("expected 0 logs for other source, got %v", body["count"])
	}

	// Unparsable limit and offset fall back to defaults, not an error.
	body = getJSON(t, ts, "/logs?limit=banana&offset=-3")
	if body["count"].(float64) != 3 {
		t.Errorf("degraded pagination should return all logs, got %v", body["count"])
	}
}

// TestGetStats_Shape verifies the summary payload shape.
func TestGetStats_Shape(t *testing.T) {
	ts := testServer(t)
	postLog(t, ts, submissionBody(1))

	body := getJSON(t, ts, "/stats")
	for _, key := range []string{"total_events", "unique_sources", "recent_activity_24h", "top_countries", "top_actions", "top_services"} {
		if _, ok := body[key]; !ok {
			t.Errorf("stats missing key %q", key)
		}
	}
}

// TestGetAlerts_Threshold verifies threshold parsing and the alert shape.
func TestGetAlerts_Threshold(t *testing.T) {
	ts := testServer(t)
	postLog(t, ts, submissionBody(1))

	body := getJSON(t, ts, "/api/alerts?threshold=0.8")
	if body["threshold"].(float64) != 0.8 {
		t.Errorf("expected threshold 0.8, got %v", body["threshold"])
	}
	// Scored 0.85 and flagged anomalous, so it alerts.
	if body["count"].(float64) != 1 {
		t.Errorf("expected 1 alert, got %v", body["count"])
	}

	// Garbage threshold degrades to the default rather than erroring.
	body = getJSON(t, ts, "/api/alerts?threshold=spicy")
	if body["threshold"].(float64) != 0.85 {
		t.Errorf("expected default threshold, got %v", body["threshold"])
	}
}

// TestGetInvestigate_Source verifies the drill-down endpoint.
func TestGetInvestigate_Source(t *testing.T) {
	ts := testServer(t)
	postLog(t, ts, submissionBody(1))
	postLog(t, ts, submissionBody(2))

	body := getJSON(t, ts, "/api/investigate/203.0.113.42")
	if body["source_ip"] != "203.0.113.42" {
		t.Errorf("expected source echo, got %v", body["source_ip"])
	}
	if body["total_events"].(float64) != 2 {
		t.Errorf("expected 2 events, got %v", body["total_events"])
	}

	// Unknown sources yield an empty view, not an error.
	body = getJSON(t, ts, "/api/investigate/198.51.100.7")
	if body["total_events"].(float64) != 0 {
		t.Errorf("expected empty investigation, got %v", body["total_events"])
	}
}

// TestGetAnalyticsViews_Succeed verifies the remaining aggregate endpoints
// respond with their top-level keys.
func TestGetAnalyticsViews_Succeed(t *testing.T) {
	ts := testServer(t)
	postLog(t, ts, submissionBody(1))

	analytics := getJSON(t, ts, "/api/analytics")
	if _, ok := analytics["high_risk_events"]; !ok {
		t.Errorf("analytics missing high_risk_events: %v", analytics)
	}

	insights := getJSON(t, ts, "/api/insights")
	if _, ok := insights["risk_distribution"]; !ok {
		t.Errorf("insights missing risk_distribution: %v", insights)
	}

	mapData := getJSON(t, ts, "/api/map-data")
	if _, ok := mapData["country_stats"]; !ok {
		t.Errorf("map data missing country_stats: %v", mapData)
	}

	live := getJSON(t, ts, "/api/live-events?limit=10")
	if live["count"].(float64) != 1 {
		t.Errorf("expected 1 live event, got %v", live["count"])
	}
}

// TestHealth_Healthy verifies the health endpoint reports store reachability.
func TestHealth_Healthy(t *testing.T) {
	ts := testServer(t)

	body := getJSON(t, ts, "/health")
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
}

// =============================================================================
// Stream Endpoint Tests
// =============================================================================

// TestStream_DeliversStoredEvents verifies the SSE stream replays stored
// events as data messages, in order.
func TestStream_DeliversStoredEvents(t *testing.T) {
	ts := testServer(t)
	postLog(t, ts, submissionBody(1))
	postLog(t, ts, submissionBody(2))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events/stream?last_id=0", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	var ids []int64
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(ids) < 2 {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decoding stream event: %v", err)
		}
		ids = append(ids, ev.ID)
	}

	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("expected ids [1 2] in order, got %v", ids)
	}
}

// TestStream_ResumesPastCursor verifies last_id skips delivered events.
func TestStream_ResumesPastCursor(t *testing.T) {
	ts := testServer(t)
	postLog(t, ts, submissionBody(1))
	postLog(t, ts, submissionBody(2))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events/stream?last_id=1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decoding stream event: %v", err)
		}
		if ev.ID != 2 {
			t.Errorf("expected only id 2 past the cursor, got %d", ev.ID)
		}
		return
	}
	t.Fatal("no event received past the cursor")
}
