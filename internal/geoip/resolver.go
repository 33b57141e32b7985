// Package geoip resolves source addresses to coarse geographic and network
// metadata via an external lookup service. Resolution is best-effort by
// contract: every failure mode degrades to a well-defined record instead of
// an error, so ingestion never stalls on geolocation.
package geoip

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultBaseURL = "https://ipapi.co"

// Record holds the enrichment result for one address. It is ephemeral:
// the pipeline folds it into the event before the write.
type Record struct {
	Country   string   `json:"country"`
	City      string   `json:"city"`
	Region    string   `json:"region"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timezone  string   `json:"timezone"`
	ISP       string   `json:"isp"`
	Org       string   `json:"org"`
}

// PrivateRecord is returned for addresses in private or loopback ranges,
// without issuing an external call.
func PrivateRecord() Record {
	return Record{
		Country:  "Private Network",
		City:     "Local",
		Region:   "Private",
		Timezone: "Local",
		ISP:      "Private",
		Org:      "Private Network",
	}
}

// UnknownRecord is the degraded fallback when the external lookup fails.
func UnknownRecord() Record {
	return Record{
		Country:  "Unknown",
		City:     "Unknown",
		Region:   "Unknown",
		Timezone: "Unknown",
		ISP:      "Unknown",
		Org:      "Unknown",
	}
}

// privateRanges are resolved locally to avoid wasted external calls and to
// keep internal topology out of third-party lookup logs.
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
}

// Config holds resolver settings.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// Resolver maps source addresses to Records via a single bounded external
// lookup per address, with an optional shared cache in front.
type Resolver struct {
	config     Config
	httpClient *http.Client
	cache      Cache
	logger     *zap.Logger
}

// NewResolver creates a resolver. cache may be nil to disable caching.
func NewResolver(config Config, cache Cache, logger *zap.Logger) *Resolver {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Resolver{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		cache:  cache,
		logger: logger,
	}
}

// Resolve returns geographic metadata for addr. It never fails: private
// addresses short-circuit to the Private Network record, and any lookup
// error, timeout, or non-success status degrades to the Unknown record.
// No inline retry is performed; the design favors ingestion latency over
// completeness of enrichment.
func (r *Resolver) Resolve(ctx context.Context, addr string) Record {
	if isPrivate(addr) {
		return PrivateRecord()
	}

	if r.cache != nil {
		if rec, ok := r.cache.Get(ctx, addr); ok {
			return rec
		}
	}

	rec, ok := r.lookup(ctx, addr)
	if !ok {
		return UnknownRecord()
	}

	if r.cache != nil {
		r.cache.Set(ctx, addr, rec)
	}
	return rec
}

// lookupResponse mirrors the ipapi.co JSON contract.
type lookupResponse struct {
	CountryName string   `json:"country_name"`
	City        string   `json:"city"`
	Region      string   `json:"region"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Timezone    string   `json:"timezone"`
	Org         string   `json:"org"`
}

func (r *Resolver) lookup(ctx context.Context, addr string) (Record, bool) {
	lookupURL := strings.TrimSuffix(r.config.BaseURL, "/") + "/" + url.PathEscape(addr) + "/json/"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		r.logger.Warn("building geo lookup request failed",
			zap.String("addr", addr), zap.Error(err))
		return Record{}, false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn("geo lookup failed",
			zap.String("addr", addr), zap.Error(err))
		return Record{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.logger.Warn("geo lookup returned non-success status",
			zap.String("addr", addr), zap.Int("status", resp.StatusCode))
		return Record{}, false
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		r.logger.Warn("decoding geo lookup response failed",
			zap.String("addr", addr), zap.Error(err))
		return Record{}, false
	}

	return Record{
		Country:   orUnknown(body.CountryName),
		City:      orUnknown(body.City),
		Region:    orUnknown(body.Region),
		Latitude:  body.Latitude,
		Longitude: body.Longitude,
		Timezone:  orUnknown(body.Timezone),
		ISP:       orUnknown(body.Org),
		Org:       orUnknown(body.Org),
	}, true
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func isPrivate(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	for _, p := range privateRanges {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
