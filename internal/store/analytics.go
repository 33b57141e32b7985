package store

import (
	"context"
	"fmt"

	"github.com/lvonguyen/honeytrail/internal/event"
)

// The analytics engine is stateless: every aggregate below is recomputed
// from the store per request, never cached. Top-N rollups order by
// descending count and break ties on first-seen insertion order (MIN(id)).

// BucketCount is one labeled count in a rollup.
type BucketCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// Summary holds the headline statistics.
type Summary struct {
	TotalEvents   int64         `json:"total_events"`
	UniqueSources int64         `json:"unique_sources"`
	Recent24h     int64         `json:"recent_activity_24h"`
	TopCountries  []BucketCount `json:"top_countries"`
	TopActions    []BucketCount `json:"top_actions"`
	TopServices   []BucketCount `json:"top_services"`
}

// Summary computes the headline statistics.
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	out := &Summary{}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&out.TotalEvents); err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT source_ip) FROM events").Scan(&out.UniqueSources); err != nil {
		return nil, fmt.Errorf("counting distinct sources: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE created_at >= datetime('now', '-1 day')").Scan(&out.Recent24h); err != nil {
		return nil, fmt.Errorf("counting recent events: %w", err)
	}

	var err error
	if out.TopCountries, err = s.topN(ctx, "geo_country", 10, true); err != nil {
		return nil, err
	}
	if out.TopActions, err = s.topN(ctx, "action", 10, false); err != nil {
		return nil, err
	}
	if out.TopServices, err = s.topN(ctx, "target_service", 10, false); err != nil {
		return nil, err
	}
	return out, nil
}

// topN is the shared rollup query. excludeUnknown drops NULL and "Unknown"
// labels, which only makes sense for enrichment-derived columns.
func (s *Store) topN(ctx context.Context, column string, n int, excludeUnknown bool) ([]BucketCount, error) {
	where := ""
	if excludeUnknown {
		where = " WHERE " + column + " IS NOT NULL AND " + column + " != 'Unknown'"
	}
	// column is always one of our own identifiers, never caller input.
	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) AS count
		FROM events%s
		GROUP BY %s
		ORDER BY count DESC, MIN(id) ASC
		LIMIT ?`, column, where, column)

	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("rollup on %s: %w", column, err)
	}
	defer rows.Close()

	var out []BucketCount
	for rows.Next() {
		var b BucketCount
		if err := rows.Scan(&b.Label, &b.Count); err != nil {
			return nil, fmt.Errorf("scanning %s rollup: %w", column, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// TimeBucket is one hourly bucket of a trend. Buckets with zero events are
// omitted, not zero-filled.
type TimeBucket struct {
	Time     string  `json:"time"`
	Count    int64   `json:"count"`
	AvgScore float64 `json:"avg_score"`
}

// Dashboard is the analytics page aggregate.
type Dashboard struct {
	TotalEvents    int64         `json:"total_events"`
	HighRiskEvents int64         `json:"high_risk_events"`
	UniqueSources  int64         `json:"unique_sources"`
	AvgScore       float64       `json:"avg_score"`
	TopCountries   []BucketCount `json:"top_countries"`
	TopProtocols   []BucketCount `json:"top_protocols"`
	TopSources     []BucketCount `json:"top_sources"`
	TimeSeries     []TimeBucket  `json:"time_series"`
}

// Dashboard computes the analytics page aggregate.
func (s *Store) Dashboard(ctx context.Context) (*Dashboard, error) {
	out := &Dashboard{}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&out.TotalEvents); err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE risk_score >= 0.8").Scan(&out.HighRiskEvents); err != nil {
		return nil, fmt.Errorf("counting high risk events: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT source_ip) FROM events").Scan(&out.UniqueSources); err != nil {
		return nil, fmt.Errorf("counting distinct sources: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(AVG(risk_score), 0) FROM events WHERE risk_score IS NOT NULL").Scan(&out.AvgScore); err != nil {
		return nil, fmt.Errorf("averaging risk score: %w", err)
	}

	var err error
	if out.TopCountries, err = s.topN(ctx, "geo_country", 10, true); err != nil {
		return nil, err
	}
	if out.TopProtocols, err = s.topN(ctx, "protocol", 10, false); err != nil {
		return nil, err
	}
	if out.TopSources, err = s.topN(ctx, "source_ip", 10, false); err != nil {
		return nil, err
	}
	if out.TimeSeries, err = s.hourlyTrend(ctx,
		"WHERE created_at >= datetime('now', '-24 hours')"); err != nil {
		return nil, err
	}
	return out, nil
}

// hourlyTrend buckets count and mean score by hour (floored), over the rows
// the where clause selects.
func (s *Store) hourlyTrend(ctx context.Context, where string, args ...any) ([]TimeBucket, error) {
	query := `
		SELECT strftime('%Y-%m-%d %H:00:00', created_at) AS hour,
		       COUNT(*) AS count,
		       COALESCE(AVG(risk_score), 0) AS avg_score
		FROM events ` + where + `
		GROUP BY hour
		ORDER BY hour`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hourly trend: %w", err)
	}
	defer rows.Close()

	var out []TimeBucket
	for rows.Next() {
		var b TimeBucket
		if err := rows.Scan(&b.Time, &b.Count, &b.AvgScore); err != nil {
			return nil, fmt.Errorf("scanning trend bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MapPoint is one plotted coordinate group on the attack map.
type MapPoint struct {
	Country  string  `json:"country"`
	City     string  `json:"city"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	SourceIP string  `json:"source_ip"`
	Count    int64   `json:"count"`
	AvgScore float64 `json:"avg_score"`
}

// CountryStat is the per-country aggregate alongside the point data.
type CountryStat struct {
	Country  string  `json:"country"`
	Count    int64   `json:"count"`
	AvgScore float64 `json:"avg_score"`
}

// MapData holds the geographic rollup.
type MapData struct {
	Points       []MapPoint    `json:"points"`
	CountryStats []CountryStat `json:"country_stats"`
}

// MapData computes the geographic rollup over events with coordinates.
func (s *Store) MapData(ctx context.Context) (*MapData, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(geo_country, 'Unknown'), COALESCE(geo_city, 'Unknown'),
		       geo_latitude, geo_longitude, source_ip,
		       COUNT(*) AS count, COALESCE(AVG(risk_score), 0) AS avg_score
		FROM events
		WHERE geo_latitude IS NOT NULL AND geo_longitude IS NOT NULL
		GROUP BY geo_country, geo_city, geo_latitude, geo_longitude, source_ip`)
	if err != nil {
		return nil, fmt.Errorf("map points: %w", err)
	}
	defer rows.Close()

	out := &MapData{}
	for rows.Next() {
		var p MapPoint
		if err := rows.Scan(&p.Country, &p.City, &p.Lat, &p.Lng, &p.SourceIP, &p.Count, &p.AvgScore); err != nil {
			return nil, fmt.Errorf("scanning map point: %w", err)
		}
		out.Points = append(out.Points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	countryRows, err := s.db.QueryContext(ctx, `
		SELECT geo_country, COUNT(*) AS count, COALESCE(AVG(risk_score), 0) AS avg_score
		FROM events
		WHERE geo_country IS NOT NULL AND geo_country != 'Unknown'
		GROUP BY geo_country
		ORDER BY count DESC, MIN(id) ASC`)
	if err != nil {
		return nil, fmt.Errorf("country stats: %w", err)
	}
	defer countryRows.Close()

	for countryRows.Next() {
		var c CountryStat
		if err := countryRows.Scan(&c.Country, &c.Count, &c.AvgScore); err != nil {
			return nil, fmt.Errorf("scanning country stat: %w", err)
		}
		out.CountryStats = append(out.CountryStats, c)
	}
	return out, countryRows.Err()
}

// SourceScore is a per-source mean score with its event count.
type SourceScore struct {
	SourceIP string  `json:"source_ip"`
	AvgScore float64 `json:"avg_score"`
	Count    int64   `json:"count"`
}

// Insights is the risk insight aggregate.
type Insights struct {
	AvgScore         float64       `json:"avg_score"`
	HighScoreSources []SourceScore `json:"high_score_sources"`
	Trend            []TimeBucket  `json:"trend"`
	RiskDistribution []BucketCount `json:"risk_distribution"`
	TotalAnomalies   int64         `json:"total_anomalies"`
}

// Insights computes score-centric aggregates across all scored events.
func (s *Store) Insights(ctx context.Context) (*Insights, error) {
	out := &Insights{}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(AVG(risk_score), 0) FROM events WHERE risk_score IS NOT NULL").Scan(&out.AvgScore); err != nil {
		return nil, fmt.Errorf("averaging risk score: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_ip, AVG(risk_score) AS avg_score, COUNT(*) AS count
		FROM events
		WHERE risk_score IS NOT NULL
		GROUP BY source_ip
		HAVING avg_score >= 0.8
		ORDER BY avg_score DESC
		LIMIT 10`)
	if err != nil {
		return nil, fmt.Errorf("high score sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h SourceScore
		if err := rows.Scan(&h.SourceIP, &h.AvgScore, &h.Count); err != nil {
			return nil, fmt.Errorf("scanning high score source: %w", err)
		}
		out.HighScoreSources = append(out.HighScoreSources, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if out.Trend, err = s.hourlyTrend(ctx,
		"WHERE created_at >= datetime('now', '-24 hours') AND risk_score IS NOT NULL"); err != nil {
		return nil, err
	}

	if out.RiskDistribution, err = s.riskDistribution(ctx); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE is_anomaly = 1").Scan(&out.TotalAnomalies); err != nil {
		return nil, fmt.Errorf("counting anomalies: %w", err)
	}
	return out, nil
}

func (s *Store) riskDistribution(ctx context.Context) ([]BucketCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT risk_level, COUNT(*) AS count
		FROM events
		WHERE risk_level IS NOT NULL
		GROUP BY risk_level`)
	if err != nil {
		return nil, fmt.Errorf("risk distribution: %w", err)
	}
	defer rows.Close()

	var out []BucketCount
	for rows.Next() {
		var b BucketCount
		if err := rows.Scan(&b.Label, &b.Count); err != nil {
			return nil, fmt.Errorf("scanning risk distribution: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Alerts returns the high-risk rollup: events with a score at or above the
// threshold OR the anomaly flag set, ordered by score descending then
// recency.
func (s *Store) Alerts(ctx context.Context, threshold float64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEvents(ctx,
		"SELECT "+eventColumns+` FROM events
		WHERE risk_score >= ? OR is_anomaly = 1
		ORDER BY risk_score DESC, created_at DESC, id DESC
		LIMIT ?`,
		threshold, limit)
}

// LiveEventFilter restricts RecentEvents.
type LiveEventFilter struct {
	SourceIP string
	MinScore *float64
	Limit    int
}

// RecentEvents returns the newest events for the live events view.
func (s *Store) RecentEvents(ctx context.Context, f LiveEventFilter) ([]event.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	query := "SELECT " + eventColumns + " FROM events WHERE 1=1"
	var args []any
	if f.SourceIP != "" {
		query += " AND source_ip = ?"
		args = append(args, f.SourceIP)
	}
	if f.MinScore != nil {
		query += " AND risk_score >= ?"
		args = append(args, *f.MinScore)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)

	return s.queryEvents(ctx, query, args...)
}

// GeoSnapshot is the representative enrichment for one source.
type GeoSnapshot struct {
	Country   string   `json:"country"`
	City      string   `json:"city"`
	Region    string   `json:"region"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	ISP       string   `json:"isp"`
}

// ScorePoint is one hourly mean-score sample for a source.
type ScorePoint struct {
	Time  string  `json:"time"`
	Score float64 `json:"score"`
}

// Investigation is the per-source drill-down view.
type Investigation struct {
	SourceIP       string        `json:"source_ip"`
	TotalEvents    int64         `json:"total_events"`
	AvgScore       float64       `json:"avg_score"`
	MaxScore       float64       `json:"max_score"`
	UniqueActions  int64         `json:"unique_actions"`
	UniqueServices int64         `json:"unique_services"`
	FirstSeen      *string       `json:"first_seen"`
	LastSeen       *string       `json:"last_seen"`
	Geo            *GeoSnapshot  `json:"geo"`
	History        []event.Event `json:"history"`
	ScoreTrend     []ScorePoint  `json:"score_trend"`
}

// Investigate builds the per-source view from a single filtered scan of the
// source's events rather than one query per field. A source with no stored
// events yields zero counts and null first/last-seen, not an error.
func (s *Store) Investigate(ctx context.Context, sourceIP string) (*Investigation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE source_ip = ? ORDER BY id DESC",
		sourceIP)
	if err != nil {
		return nil, fmt.Errorf("scanning source history: %w", err)
	}
	defer rows.Close()

	out := &Investigation{
		SourceIP: sourceIP,
		History:  []event.Event{},
	}

	var (
		scoreSum   float64
		scoreCount int64
		actions    = map[string]struct{}{}
		services   = map[string]struct{}{}
		trendSum   = map[string]float64{}
		trendCount = map[string]int64{}
		trendHours []string
	)

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}

		out.TotalEvents++
		actions[ev.Action] = struct{}{}
		services[ev.TargetService] = struct{}{}

		// Rows arrive newest first: the first row carries last-seen and
		// the geo snapshot, the final row carries first-seen.
		if out.LastSeen == nil {
			last := ev.CreatedAt
			out.LastSeen = &last
			out.Geo = &GeoSnapshot{
				Country:   ev.GeoCountry,
				City:      ev.GeoCity,
				Region:    ev.GeoRegion,
				Latitude:  ev.GeoLatitude,
				Longitude: ev.GeoLongitude,
				ISP:       ev.GeoISP,
			}
		}
		first := ev.CreatedAt
		out.FirstSeen = &first

		if ev.RiskScore != nil {
			scoreSum += *ev.RiskScore
			scoreCount++
			if *ev.RiskScore > out.MaxScore {
				out.MaxScore = *ev.RiskScore
			}
			hour := floorHour(ev.CreatedAt)
			if _, seen := trendSum[hour]; !seen {
				trendHours = append(trendHours, hour)
			}
			trendSum[hour] += *ev.RiskScore
			trendCount[hour]++
		}

		// History is bounded to the most recent 100 events; stats above
		// still cover the full scan.
		if len(out.History) < 100 {
			out.History = append(out.History, ev)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out.UniqueActions = int64(len(actions))
	out.UniqueServices = int64(len(services))
	if scoreCount > 0 {
		out.AvgScore = scoreSum / float64(scoreCount)
	}

	// trendHours collected newest-first; emit in ascending hour order.
	for i := len(trendHours) - 1; i >= 0; i-- {
		hour := trendHours[i]
		out.ScoreTrend = append(out.ScoreTrend, ScorePoint{
			Time:  hour,
			Score: trendSum[hour] / float64(trendCount[hour]),
		})
	}
	return out, nil
}

// floorHour truncates a store timestamp to its hour bucket.
func floorHour(createdAt string) string {
	if len(createdAt) < 13 {
		return createdAt
	}
	return createdAt[:13] + ":00:00"
}
