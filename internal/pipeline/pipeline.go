// Package pipeline orchestrates event ingestion: validation, geolocation
// enrichment, risk scoring, fingerprinting, and the single persist step.
// Each step is a hard gate to the next; nothing is written unless every
// gate before persist passes.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/honeytrail/internal/event"
	"github.com/lvonguyen/honeytrail/internal/geoip"
	"github.com/lvonguyen/honeytrail/internal/observability"
	"github.com/lvonguyen/honeytrail/internal/risk"
	"github.com/lvonguyen/honeytrail/internal/store"
)

// ErrStorage marks an infrastructure fault during persist. It is retryable
// by the producer; the pipeline itself never retries.
var ErrStorage = errors.New("event store fault")

// GeoResolver is the geolocation collaborator. It never fails; degraded
// records are possible.
type GeoResolver interface {
	Resolve(ctx context.Context, addr string) geoip.Record
}

// Scorer is the risk annotation collaborator. nil results mean the
// classifier was unavailable; scoring is best-effort.
type Scorer interface {
	Score(ctx context.Context, ev *event.Event) *risk.Result
}

// EventStore is the persistence collaborator.
type EventStore interface {
	Insert(ctx context.Context, ev *event.Event) (int64, error)
}

// Notifier is poked after each successful insert so live feed subscribers
// wake immediately instead of waiting out their poll interval.
type Notifier interface {
	Broadcast()
}

// Submission is one inbound producer event. Only producer-owned fields
// appear here: enrichment and risk fields are computed by the pipeline and
// can never be supplied by callers.
type Submission struct {
	Timestamp     string          `json:"timestamp"`
	SourceIP      string          `json:"source_ip"`
	Protocol      string          `json:"protocol"`
	TargetService string          `json:"target_service"`
	Action        string          `json:"action"`
	SessionID     string          `json:"session_id"`
	TargetFile    string          `json:"target_file,omitempty"`
	Headers       json.RawMessage `json:"headers,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
}

// Receipt is the outcome of a successful (or idempotently absorbed) ingest.
type Receipt struct {
	// ID is the assigned sequence number; zero when Duplicate.
	ID          int64  `json:"id,omitempty"`
	Fingerprint string `json:"fingerprint"`
	// Duplicate reports idempotent absorption: an identical event was
	// already stored and no new record was created.
	Duplicate bool         `json:"duplicate,omitempty"`
	Risk      *risk.Result `json:"risk,omitempty"`
}

// Pipeline ties the resolver, scorer, and store together. All collaborators
// are passed in, never process-wide state, so each can be replaced by a
// test double.
type Pipeline struct {
	store    EventStore
	resolver GeoResolver
	scorer   Scorer
	notifier Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// New creates a pipeline. notifier and metrics may be nil.
func New(st EventStore, resolver GeoResolver, scorer Scorer, notifier Notifier, logger *zap.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		store:    st,
		resolver: resolver,
		scorer:   scorer,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
	}
}

// Ingest validates, enriches, scores, fingerprints, and persists one event.
//
// Errors are either a *event.ValidationError (client-caused, nothing
// written) or wrap ErrStorage (infrastructure, retryable). Collaborator
// failures never surface as errors: geolocation degrades to the Unknown
// record and scoring degrades to a nil annotation. A duplicate fingerprint
// is not an error; it returns a Receipt with Duplicate set and creates
// nothing.
func (p *Pipeline) Ingest(ctx context.Context, sub Submission) (*Receipt, error) {
	ev := &event.Event{
		Timestamp:     sub.Timestamp,
		SourceIP:      sub.SourceIP,
		Protocol:      sub.Protocol,
		TargetService: sub.TargetService,
		Action:        sub.Action,
		SessionID:     sub.SessionID,
		TargetFile:    sub.TargetFile,
		Headers:       sub.Headers,
		Payload:       sub.Payload,
		UserAgent:     sub.UserAgent,
	}

	// Step 1: validate. Missing fields reject the event before any
	// collaborator is consulted.
	if err := ev.Validate(); err != nil {
		if p.metrics != nil {
			p.metrics.EventsRejected.Inc()
		}
		return nil, err
	}

	// Step 2: enrich. Always succeeds, possibly degraded.
	geo := p.resolver.Resolve(ctx, ev.SourceIP)
	ev.GeoCountry = geo.Country
	ev.GeoCity = geo.City
	ev.GeoRegion = geo.Region
	ev.GeoLatitude = geo.Latitude
	ev.GeoLongitude = geo.Longitude
	ev.GeoTimezone = geo.Timezone
	ev.GeoISP = geo.ISP
	ev.GeoOrg = geo.Org

	// Step 3: score. Best-effort; storage proceeds unscored on failure.
	result := p.scorer.Score(ctx, ev)
	if result == nil && p.metrics != nil {
		p.metrics.EventsUnscored.Inc()
	}
	if result != nil {
		score := result.Score
		ev.RiskScore = &score
		ev.RiskLevel = result.Level
		ev.IsAnomaly = result.Anomaly
	}

	// Step 4: fingerprint, after every derived field is in place.
	fingerprint, err := ev.ComputeFingerprint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	ev.Fingerprint = fingerprint

	// Step 5: persist under the uniqueness constraint. A lost duplicate
	// race is the designed idempotency mechanism, not a failure.
	id, err := p.store.Insert(ctx, ev)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateFingerprint) {
			if p.metrics != nil {
				p.metrics.EventsDuplicate.Inc()
			}
			p.logger.Debug("duplicate event absorbed",
				zap.String("source_ip", ev.SourceIP),
				zap.String("fingerprint", fingerprint))
			return &Receipt{Fingerprint: fingerprint, Duplicate: true}, nil
		}
		if p.metrics != nil {
			p.metrics.EventsFailed.Inc()
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if p.metrics != nil {
		p.metrics.EventsIngested.WithLabelValues(ev.TargetService).Inc()
	}
	p.logger.Info("event stored",
		zap.Int64("id", id),
		zap.String("action", ev.Action),
		zap.String("source_ip", ev.SourceIP))

	// The insert is already visible to readers; wake feed subscribers.
	if p.notifier != nil {
		p.notifier.Broadcast()
	}

	return &Receipt{ID: id, Fingerprint: fingerprint, Risk: result}, nil
}
