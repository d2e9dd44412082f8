package analytics

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/trafficmon/internal/model"
	"github.com/tinytelemetry/trafficmon/internal/regionlog"
)

var testZone = time.FixedZone("CST", 8*3600)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore()
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writeLog(t *testing.T, header []string, rows ...[]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "region.csv")
	log, err := regionlog.Open(path, header)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()
	if len(rows) > 0 {
		if err := log.Append(rows...); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return path
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 7, hour, minute, 0, 0, testZone)
}

func row(ts time.Time, fields ...string) []string {
	return append(regionlog.TimeColumns(ts), fields...)
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPercentStats(t *testing.T) {
	store := newTestStore(t)
	path := writeLog(t, regionlog.PercentHeader,
		row(at(6, 0), "0.9000", "0.0500", "0.0000", "0.0500"),
		row(at(8, 0), "0.7000", "0.2000", "0.0500", "0.0500"),
		row(at(8, 10), "0.6000", "0.3000", "0.1000", "0.0000"),
	)

	st, err := store.PercentStats(context.Background(), path, at(7, 0))
	if err != nil {
		t.Fatalf("PercentStats: %v", err)
	}
	if st.Samples != 2 {
		t.Fatalf("Samples = %d, want 2 (window excludes 06:00)", st.Samples)
	}
	if !approx(st.MeanCongested, 0.25) {
		t.Errorf("MeanCongested = %v, want 0.25", st.MeanCongested)
	}
	if !approx(st.MeanBlocked, 0.075) {
		t.Errorf("MeanBlocked = %v, want 0.075", st.MeanBlocked)
	}
	// (0.25/0.95 + 0.4/1.0) / 2
	if want := (0.25/0.95 + 0.4) / 2; !approx(st.CongestionIndex, want) {
		t.Errorf("CongestionIndex = %v, want %v", st.CongestionIndex, want)
	}
	if st.First.Hour() != 8 || st.First.Minute() != 0 || st.Last.Minute() != 10 {
		t.Errorf("First/Last = %v / %v", st.First, st.Last)
	}
}

func TestPercentStats_EmptyLog(t *testing.T) {
	store := newTestStore(t)
	path := writeLog(t, regionlog.PercentHeader)

	st, err := store.PercentStats(context.Background(), path, at(0, 0))
	if err != nil {
		t.Fatalf("PercentStats: %v", err)
	}
	if st.Samples != 0 || st.MeanCongested != 0 {
		t.Errorf("stats = %+v, want zero", st)
	}
}

func TestRoadStats(t *testing.T) {
	store := newTestStore(t)
	path := writeLog(t, regionlog.RoadHeader,
		row(at(8, 0), model.SummaryRoad, "2", "徽州大道拥堵", "-1", "-1", "NA"),
		row(at(8, 0), "徽州大道", "3", "北向南", "400", "8", "加重"),
		row(at(8, 0), "芜湖路", "2", "东向西", "100", "20", "持平"),
		row(at(8, 10), model.SummaryRoad, "3", "严重拥堵", "-1", "-1", "NA"),
		row(at(8, 10), "徽州大道", "4", "北向南", "600", "4", "加重"),
	)

	st, err := store.RoadStats(context.Background(), path, at(7, 0))
	if err != nil {
		t.Fatalf("RoadStats: %v", err)
	}
	if st.Samples != 2 || !approx(st.MeanStatus, 2.5) {
		t.Errorf("summary = %d samples, status %v; want 2, 2.5", st.Samples, st.MeanStatus)
	}
	if len(st.Roads) != 2 {
		t.Fatalf("roads = %+v, want 2", st.Roads)
	}
	first := st.Roads[0]
	if first.Road != "徽州大道" || first.Sections != 2 || !approx(first.TotalDistance, 1000) ||
		!approx(first.MeanDistance, 500) || !approx(first.MeanSpeed, 6) {
		t.Errorf("roads[0] = %+v", first)
	}
	if st.Roads[1].Road != "芜湖路" {
		t.Errorf("roads[1] = %+v", st.Roads[1])
	}
}

func TestRoadStats_UnbalancedQuoteInDescription(t *testing.T) {
	store := newTestStore(t)
	path := writeLog(t, regionlog.RoadHeader,
		row(at(8, 0), model.SummaryRoad, "2", `站前路"北向南拥堵`, "-1", "-1", "NA"),
		row(at(8, 0), "站前路", "3", `"胜利路附近`, "250", "9", "加重"),
	)

	st, err := store.RoadStats(context.Background(), path, at(7, 0))
	if err != nil {
		t.Fatalf("RoadStats: %v", err)
	}
	if st.Samples != 1 || len(st.Roads) != 1 || !approx(st.Roads[0].TotalDistance, 250) {
		t.Errorf("stats = %+v", st)
	}
}

func TestStats_MissingLog(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "nope.csv")

	if _, err := store.PercentStats(context.Background(), path, at(0, 0)); !errors.Is(err, ErrNoData) {
		t.Errorf("PercentStats error = %v, want ErrNoData", err)
	}
	if _, err := store.RoadStats(context.Background(), path, at(0, 0)); !errors.Is(err, ErrNoData) {
		t.Errorf("RoadStats error = %v, want ErrNoData", err)
	}
}
