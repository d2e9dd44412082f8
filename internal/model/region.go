package model

import (
	"fmt"
	"strings"
)

// QueryStyle selects the upstream API and the log layout used for a region.
type QueryStyle string

const (
	// StyleCircle queries AMAP percentage evaluation around a center point.
	StyleCircle QueryStyle = "circle"
	// StyleRectangle queries AMAP percentage evaluation inside a bounding box.
	StyleRectangle QueryStyle = "rectangle"
	// StyleRoads queries Baidu road-section congestion around a center point
	// and keeps only the configured roads.
	StyleRoads QueryStyle = "roads"
)

// DefaultCoordType is the Baidu input coordinate system used when a region
// does not set one.
const DefaultCoordType = "bd09ll"

// Region is one configured geographic area. It is built once at startup and
// never mutated afterwards.
type Region struct {
	ID        string     `mapstructure:"id" yaml:"id" json:"id"`
	Style     QueryStyle `mapstructure:"style" yaml:"style" json:"style"`
	Center    string     `mapstructure:"center" yaml:"center,omitempty" json:"center,omitempty"`
	Radius    int        `mapstructure:"radius" yaml:"radius,omitempty" json:"radius,omitempty"`
	Rectangle []string   `mapstructure:"rectangle" yaml:"rectangle,omitempty" json:"rectangle,omitempty"`
	Roads     []string   `mapstructure:"roads" yaml:"roads,omitempty" json:"roads,omitempty"`
	CoordType string     `mapstructure:"coord-type" yaml:"coord-type,omitempty" json:"coord_type,omitempty"`
	File      string     `mapstructure:"file" yaml:"file" json:"file"`
	Field     int        `mapstructure:"field" yaml:"field" json:"field"`

	// Index is the region's slot in the sample buffer, assigned in declared order.
	Index int `mapstructure:"-" yaml:"-" json:"index"`
}

// Validate checks the style-specific query parameters.
func (r Region) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("region: id is required")
	}
	if strings.TrimSpace(r.File) == "" {
		return fmt.Errorf("region %s: file is required", r.ID)
	}
	if r.Field < 1 || r.Field > MaxTelemetryFields {
		return fmt.Errorf("region %s: field must be between 1 and %d, got %d", r.ID, MaxTelemetryFields, r.Field)
	}

	switch r.Style {
	case StyleCircle, StyleRoads:
		if strings.TrimSpace(r.Center) == "" {
			return fmt.Errorf("region %s: center is required for style %q", r.ID, r.Style)
		}
		if r.Radius <= 0 {
			return fmt.Errorf("region %s: radius must be positive", r.ID)
		}
		if r.Style == StyleRoads && len(r.Roads) == 0 {
			return fmt.Errorf("region %s: roads style needs at least one road", r.ID)
		}
	case StyleRectangle:
		if len(r.Rectangle) != 2 || strings.TrimSpace(r.Rectangle[0]) == "" || strings.TrimSpace(r.Rectangle[1]) == "" {
			return fmt.Errorf("region %s: rectangle needs exactly two corner points", r.ID)
		}
	default:
		return fmt.Errorf("region %s: unknown style %q", r.ID, r.Style)
	}
	return nil
}

// MaxTelemetryFields is the number of numeric fields a telemetry channel accepts.
const MaxTelemetryFields = 8

// PollTaskName is the task name under which a region's polls are recorded.
func PollTaskName(regionID string) string {
	return "poll:" + regionID
}
