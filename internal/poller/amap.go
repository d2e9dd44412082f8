package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/trafficmon/internal/model"
	"github.com/tinytelemetry/trafficmon/internal/regionlog"
)

type amapResponse struct {
	Status      string `json:"status"`
	Info        string `json:"info"`
	TrafficInfo *struct {
		Evaluation *amapEvaluation `json:"evaluation"`
	} `json:"trafficinfo"`
}

// AMAP reports an empty array instead of a string when it has no data, so the
// values stay raw until validation.
type amapEvaluation struct {
	Expedite  json.RawMessage `json:"expedite"`
	Congested json.RawMessage `json:"congested"`
	Blocked   json.RawMessage `json:"blocked"`
	Unknown   json.RawMessage `json:"unknown"`
}

func (p *Poller) amapURL(region model.Region, key string) string {
	q := url.Values{}
	var endpoint string
	switch region.Style {
	case model.StyleRectangle:
		endpoint = "/v3/traffic/status/rectangle"
		q.Set("rectangle", region.Rectangle[0]+";"+region.Rectangle[1])
	default:
		endpoint = "/v3/traffic/status/circle"
		q.Set("location", region.Center)
		q.Set("radius", strconv.Itoa(region.Radius))
	}
	q.Set("key", key)
	return p.cfg.AMAPBaseURL + endpoint + "?" + q.Encode()
}

// fetchPercent also returns the congested share exactly as reported, in
// percent, which is the region's published aggregate.
func (p *Poller) fetchPercent(ctx context.Context, region model.Region, key string, now time.Time) (model.PercentSample, float64, error) {
	var resp amapResponse
	if err := p.cfg.Fetcher.GetJSON(ctx, p.amapURL(region, key), &resp); err != nil {
		return model.PercentSample{}, 0, err
	}
	return parseAMAP(resp, now)
}

func parseAMAP(resp amapResponse, now time.Time) (model.PercentSample, float64, error) {
	if resp.Status != "1" {
		return model.PercentSample{}, 0, fmt.Errorf("%w: status %q: %s", ErrUpstreamStatus, resp.Status, resp.Info)
	}
	if resp.TrafficInfo == nil || resp.TrafficInfo.Evaluation == nil {
		return model.PercentSample{}, 0, fmt.Errorf("%w: missing trafficinfo.evaluation", ErrMalformed)
	}
	eval := resp.TrafficInfo.Evaluation

	sample := model.PercentSample{Time: now}
	fields := []struct {
		name string
		raw  json.RawMessage
		dst  *float64
	}{
		{"expedite", eval.Expedite, &sample.Expedite},
		{"congested", eval.Congested, &sample.Congested},
		{"blocked", eval.Blocked, &sample.Blocked},
		{"unknown", eval.Unknown, &sample.Unknown},
	}
	var congested float64
	for _, f := range fields {
		v, err := parsePercent(f.raw)
		if err != nil {
			return model.PercentSample{}, 0, fmt.Errorf("%w: %s: %v", ErrMalformed, f.name, err)
		}
		if f.dst == &sample.Congested {
			congested = v
		}
		*f.dst = v / 100
	}
	return sample, congested, nil
}

// parsePercent turns a JSON string such as "45.20%" into 45.2.
func parsePercent(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a string: %s", raw)
	}
	s = strings.TrimSpace(s)
	num, ok := strings.CutSuffix(s, "%")
	if !ok {
		return 0, fmt.Errorf("not a percentage: %q", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return 0, fmt.Errorf("not a percentage: %q", s)
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("out of range: %q", s)
	}
	return v, nil
}

func percentRow(s model.PercentSample) []string {
	return append(regionlog.TimeColumns(s.Time),
		formatFraction(s.Expedite),
		formatFraction(s.Congested),
		formatFraction(s.Blocked),
		formatFraction(s.Unknown),
	)
}

func formatFraction(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
