package analytics

import "time"

// PercentStats aggregates a percentage-style log. Means are fractions 0..1.
type PercentStats struct {
	Samples         int64     `json:"samples"`
	MeanExpedite    float64   `json:"mean_expedite"`
	MeanCongested   float64   `json:"mean_congested"`
	MeanBlocked     float64   `json:"mean_blocked"`
	MeanUnknown     float64   `json:"mean_unknown"`
	CongestionIndex float64   `json:"congestion_index"`
	First           time.Time `json:"first,omitzero"`
	Last            time.Time `json:"last,omitzero"`
}

// RoadStat aggregates the congestion sections of one road.
type RoadStat struct {
	Road          string  `json:"road"`
	Sections      int64   `json:"sections"`
	TotalDistance float64 `json:"total_distance"`
	MeanDistance  float64 `json:"mean_distance"`
	MeanSpeed     float64 `json:"mean_speed"`
}

// RoadStats aggregates a roads-style log.
type RoadStats struct {
	Samples    int64      `json:"samples"`
	MeanStatus float64    `json:"mean_status"`
	First      time.Time  `json:"first,omitzero"`
	Last       time.Time  `json:"last,omitzero"`
	Roads      []RoadStat `json:"roads"`
}
