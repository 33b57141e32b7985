// Package risk bridges stored events to the external attack classifier and
// derives categorical risk levels and advisory attack indicators.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lvonguyen/honeytrail/internal/event"
)

// VectorVersion identifies the event-to-feature mapping. Bump it whenever
// the mapping changes so classifier artifacts and service stay in lockstep.
const VectorVersion = "v1"

// FeatureVector is the fixed-shape input the classifier expects. The shape
// follows the UNSW-NB15 flow-feature layout the model was trained against;
// fields the honeypot cannot observe carry documented defaults so the vector
// is always complete.
type FeatureVector struct {
	Dur             float64 `json:"dur"`
	Proto           int     `json:"proto"`
	Service         int     `json:"service"`
	State           int     `json:"state"`
	SPkts           int     `json:"spkts"`
	DPkts           int     `json:"dpkts"`
	SBytes          int     `json:"sbytes"`
	DBytes          int     `json:"dbytes"`
	Rate            float64 `json:"rate"`
	STTL            int     `json:"sttl"`
	DTTL            int     `json:"dttl"`
	SLoad           float64 `json:"sload"`
	DLoad           float64 `json:"dload"`
	SLoss           int     `json:"sloss"`
	DLoss           int     `json:"dloss"`
	SInPkt          float64 `json:"sinpkt"`
	DInPkt          float64 `json:"dinpkt"`
	SJit            float64 `json:"sjit"`
	DJit            float64 `json:"djit"`
	SWin            int     `json:"swin"`
	DWin            int     `json:"dwin"`
	STCPB           int     `json:"stcpb"`
	DTCPB           int     `json:"dtcpb"`
	TCPRTT          float64 `json:"tcprtt"`
	SynAck          float64 `json:"synack"`
	AckDat          float64 `json:"ackdat"`
	SMean           float64 `json:"smean"`
	DMean           float64 `json:"dmean"`
	TransDepth      int     `json:"trans_depth"`
	ResponseBodyLen int     `json:"response_body_len"`
	CtSrvSrc        int     `json:"ct_srv_src"`
	CtStateTTL      int     `json:"ct_state_ttl"`
	CtDstLtm        int     `json:"ct_dst_ltm"`
	CtSrcDportLtm   int     `json:"ct_src_dport_ltm"`
	CtDstSportLtm   int     `json:"ct_dst_sport_ltm"`
	CtDstSrcLtm     int     `json:"ct_dst_src_ltm"`
	IsFtpLogin      int     `json:"is_ftp_login"`
	CtFtpCmd        int     `json:"ct_ftp_cmd"`
	CtFlwHTTPMthd   int     `json:"ct_flw_http_mthd"`
	CtSrcLtm        int     `json:"ct_src_ltm"`
	CtSrvDst        int     `json:"ct_srv_dst"`
	IsSmIpsPorts    int     `json:"is_sm_ips_ports"`
}

// Prediction is the classifier output: a binary attack label and the
// attack probability in [0,1].
type Prediction struct {
	Label       int     `json:"label"`
	Probability float64 `json:"probability"`
}

// Classifier is the opaque scoring function. Implementations must bound
// their own latency; callers treat any error as "no annotation".
type Classifier interface {
	Predict(ctx context.Context, v FeatureVector) (*Prediction, error)
}

// protocol encoding table, fixed for VectorVersion v1.
var protocolCodes = map[string]int{
	"HTTP":   0,
	"HTTPS":  0,
	"TCP":    0,
	"UDP":    1,
	"ICMP":   2,
	"FTP":    3,
	"SSH":    4,
	"TELNET": 5,
}

// service encoding table, fixed for VectorVersion v1. Unknown services
// encode to 3.
var serviceCodes = map[string]int{
	"Fake Git Repository":            0,
	"Fake CI/CD Runner":              1,
	"Consolidated Honeypot Services": 2,
}

// Vectorize maps an event into the fixed feature contract. The mapping is
// deterministic: the same event always produces the same vector. Payload and
// header sizes stand in for flow byte counts; everything the honeypot does
// not observe takes its default.
func Vectorize(ev *event.Event) FeatureVector {
	const (
		defaultDur   = 0.1
		defaultSPkts = 10
		defaultDPkts = 5
	)

	sbytes := len(ev.Payload) * 10
	dbytes := len(ev.Headers) * 5

	proto := 0
	if code, ok := protocolCodes[strings.ToUpper(ev.Protocol)]; ok {
		proto = code
	}
	service := 3
	if code, ok := serviceCodes[ev.TargetService]; ok {
		service = code
	}

	return FeatureVector{
		Dur:             defaultDur,
		Proto:           proto,
		Service:         service,
		State:           0, // ESTABLISHED
		SPkts:           defaultSPkts,
		DPkts:           defaultDPkts,
		SBytes:          sbytes,
		DBytes:          dbytes,
		Rate:            100.0,
		STTL:            64,
		DTTL:            64,
		SLoad:           float64(sbytes) / defaultDur,
		DLoad:           float64(dbytes) / defaultDur,
		SInPkt:          defaultDur / defaultSPkts,
		DInPkt:          defaultDur / defaultDPkts,
		SJit:            0.001,
		DJit:            0.001,
		SWin:            65535,
		DWin:            65535,
		TCPRTT:          0.01,
		SynAck:          0.01,
		AckDat:          0.01,
		SMean:           float64(sbytes) / defaultSPkts,
		DMean:           float64(dbytes) / defaultDPkts,
		TransDepth:      1,
		ResponseBodyLen: dbytes,
		CtSrvSrc:        1,
		CtStateTTL:      1,
		CtDstLtm:        1,
		CtSrcDportLtm:   1,
		CtDstSportLtm:   1,
		CtDstSrcLtm:     1,
		CtSrcLtm:        1,
		CtSrvDst:        1,
	}
}

// HTTPConfig holds settings for the HTTP classifier client.
type HTTPConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout: 5 * time.Second,
	}
}

// HTTPClassifier calls a classifier service exposing the preloaded model
// artifact behind POST {base}/predict.
type HTTPClassifier struct {
	config     HTTPConfig
	httpClient *http.Client
}

// NewHTTPClassifier creates a classifier client.
func NewHTTPClassifier(config HTTPConfig) (*HTTPClassifier, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("classifier base URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &HTTPClassifier{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Predict posts the vector and decodes the label/probability pair. Malformed
// or out-of-range output is an error; the caller degrades to no annotation.
func (c *HTTPClassifier) Predict(ctx context.Context, v FeatureVector) (*Prediction, error) {
	payload, err := json.Marshal(struct {
		Version  string        `json:"version"`
		Features FeatureVector `json:"features"`
	}{Version: VectorVersion, Features: v})
	if err != nil {
		return nil, fmt.Errorf("encoding feature vector: %w", err)
	}

	predictURL := strings.TrimSuffix(c.config.BaseURL, "/") + "/predict"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, predictURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, string(body))
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("decoding classifier response: %w", err)
	}
	if pred.Probability < 0 || pred.Probability > 1 {
		return nil, fmt.Errorf("classifier probability out of range: %f", pred.Probability)
	}
	return &pred, nil
}
