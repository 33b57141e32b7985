package risk

import (
	"context"

	"go.uber.org/zap"

	"github.com/lvonguyen/honeytrail/internal/event"
)

// Result is the annotation folded back onto an event: the scalar attack
// probability, its categorical bucket, and the anomaly flag. Indicators are
// advisory and are not persisted with the event.
type Result struct {
	Score      float64  `json:"score"`
	Level      string   `json:"level"`
	Anomaly    bool     `json:"anomaly"`
	Indicators []string `json:"indicators,omitempty"`
}

// Annotator maps events into the classifier's feature contract and folds
// the returned score back into a Result.
type Annotator struct {
	classifier Classifier
	logger     *zap.Logger
}

// NewAnnotator creates an annotator. classifier may be nil when scoring is
// disabled; Score then always returns nil.
func NewAnnotator(classifier Classifier, logger *zap.Logger) *Annotator {
	return &Annotator{
		classifier: classifier,
		logger:     logger,
	}
}

// Score vectorizes the event and invokes the classifier. Scoring is
// best-effort: on classifier unavailability or malformed output it returns
// nil and the event is stored without risk annotation.
func (a *Annotator) Score(ctx context.Context, ev *event.Event) *Result {
	if a.classifier == nil {
		return nil
	}

	pred, err := a.classifier.Predict(ctx, Vectorize(ev))
	if err != nil {
		a.logger.Warn("classifier unavailable, storing event unscored",
			zap.String("source_ip", ev.SourceIP), zap.Error(err))
		return nil
	}

	return &Result{
		Score:      pred.Probability,
		Level:      LevelFor(pred.Probability),
		Anomaly:    pred.Label == 1,
		Indicators: Indicators(ev),
	}
}

// LevelFor buckets an attack probability into a categorical risk level.
func LevelFor(probability float64) string {
	switch {
	case probability >= 0.8:
		return event.RiskHigh
	case probability >= 0.6:
		return event.RiskMedium
	case probability >= 0.4:
		return event.RiskLow
	default:
		return event.RiskMinimal
	}
}
