package model

import "time"

// SummaryRoad is the Road column value that marks a region-level summary row
// in a roads-style log.
const SummaryRoad = "区域"

// PercentSample is one percentage evaluation of a circle or rectangle region.
// All four values are fractions in [0, 1].
type PercentSample struct {
	Time      time.Time
	Expedite  float64
	Congested float64
	Blocked   float64
	Unknown   float64
}

// RoadSection is one congested section reported on a named road.
type RoadSection struct {
	Road     string
	Status   int
	Desc     string
	Distance float64 // metres
	Speed    float64 // km/h
	Trend    string
}

// RoadSample is one roads-style poll: the region summary plus the sections
// of every required road.
type RoadSample struct {
	Time        time.Time
	Status      int
	Description string
	Sections    []RoadSection
}

// TotalDistance sums the congestion distance over all sections.
func (s RoadSample) TotalDistance() float64 {
	var total float64
	for _, section := range s.Sections {
		total += section.Distance
	}
	return total
}
