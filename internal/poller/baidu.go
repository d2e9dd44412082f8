package poller

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/tinytelemetry/trafficmon/internal/model"
	"github.com/tinytelemetry/trafficmon/internal/regionlog"
)

const (
	minSectionStatus = 0
	maxSectionStatus = 4
)

type baiduResponse struct {
	Status      *int   `json:"status"`
	Message     string `json:"message"`
	Description string `json:"description"`
	Evaluation  *struct {
		Status *int `json:"status"`
	} `json:"evaluation"`
	RoadTraffic []baiduRoad `json:"road_traffic"`
}

type baiduRoad struct {
	RoadName           string         `json:"road_name"`
	CongestionSections []baiduSection `json:"congestion_sections"`
}

type baiduSection struct {
	SectionDesc        string   `json:"section_desc"`
	Status             *int     `json:"status"`
	CongestionDistance *float64 `json:"congestion_distance"`
	Speed              *float64 `json:"speed"`
	CongestionTrend    string   `json:"congestion_trend"`
}

func (p *Poller) baiduURL(region model.Region, key string) string {
	coordType := region.CoordType
	if coordType == "" {
		coordType = model.DefaultCoordType
	}
	q := url.Values{}
	q.Set("ak", key)
	q.Set("center", region.Center)
	q.Set("radius", strconv.Itoa(region.Radius))
	q.Set("coord_type_input", coordType)
	return p.cfg.BaiduBaseURL + "/traffic/v1/around?" + q.Encode()
}

func (p *Poller) fetchRoads(ctx context.Context, region model.Region, key string, now time.Time) (model.RoadSample, error) {
	var resp baiduResponse
	if err := p.cfg.Fetcher.GetJSON(ctx, p.baiduURL(region, key), &resp); err != nil {
		return model.RoadSample{}, err
	}
	return parseBaidu(resp, region.Roads, now)
}

func parseBaidu(resp baiduResponse, required []string, now time.Time) (model.RoadSample, error) {
	if resp.Status == nil {
		return model.RoadSample{}, fmt.Errorf("%w: missing status", ErrMalformed)
	}
	if *resp.Status != 0 {
		return model.RoadSample{}, fmt.Errorf("%w: status %d: %s", ErrUpstreamStatus, *resp.Status, resp.Message)
	}
	if resp.Evaluation == nil || resp.Evaluation.Status == nil {
		return model.RoadSample{}, fmt.Errorf("%w: missing evaluation.status", ErrMalformed)
	}
	if len(resp.RoadTraffic) == 0 {
		return model.RoadSample{}, fmt.Errorf("%w: empty road_traffic", ErrMalformed)
	}

	reported := make(map[string][]baiduSection, len(resp.RoadTraffic))
	for _, road := range resp.RoadTraffic {
		reported[road.RoadName] = road.CongestionSections
	}

	sample := model.RoadSample{
		Time:        now,
		Status:      *resp.Evaluation.Status,
		Description: resp.Description,
	}
	for _, name := range required {
		sections, ok := reported[name]
		if !ok {
			return model.RoadSample{}, fmt.Errorf("%w: %s", ErrMissingRoad, name)
		}
		for i, s := range sections {
			section, err := s.validate(name)
			if err != nil {
				return model.RoadSample{}, fmt.Errorf("%w: %s section %d: %v", ErrMalformed, name, i, err)
			}
			sample.Sections = append(sample.Sections, section)
		}
	}
	return sample, nil
}

func (s baiduSection) validate(road string) (model.RoadSection, error) {
	switch {
	case s.Status == nil:
		return model.RoadSection{}, fmt.Errorf("missing status")
	case *s.Status < minSectionStatus || *s.Status > maxSectionStatus:
		return model.RoadSection{}, fmt.Errorf("status %d out of range", *s.Status)
	case s.CongestionDistance == nil:
		return model.RoadSection{}, fmt.Errorf("missing congestion_distance")
	case *s.CongestionDistance < 0:
		return model.RoadSection{}, fmt.Errorf("negative congestion_distance")
	case s.Speed == nil:
		return model.RoadSection{}, fmt.Errorf("missing speed")
	case *s.Speed < 0:
		return model.RoadSection{}, fmt.Errorf("negative speed")
	}
	return model.RoadSection{
		Road:     road,
		Status:   *s.Status,
		Desc:     s.SectionDesc,
		Distance: *s.CongestionDistance,
		Speed:    *s.Speed,
		Trend:    s.CongestionTrend,
	}, nil
}

// roadRows renders the region summary row followed by one row per section.
func roadRows(s model.RoadSample) [][]string {
	ts := regionlog.TimeColumns(s.Time)
	rows := make([][]string, 0, len(s.Sections)+1)

	summary := append(append([]string(nil), ts...),
		model.SummaryRoad,
		strconv.Itoa(s.Status),
		regionlog.Sanitize(s.Description),
		"-1", "-1", "NA",
	)
	rows = append(rows, summary)

	for _, section := range s.Sections {
		row := append(append([]string(nil), ts...),
			regionlog.Sanitize(section.Road),
			strconv.Itoa(section.Status),
			regionlog.Sanitize(section.Desc),
			strconv.FormatFloat(section.Distance, 'f', -1, 64),
			strconv.FormatFloat(section.Speed, 'f', -1, 64),
			regionlog.Sanitize(section.Trend),
		)
		rows = append(rows, row)
	}
	return rows
}
