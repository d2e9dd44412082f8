// Package analytics answers read-only statistics queries over region logs
// with an in-memory DuckDB database.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/tinytelemetry/trafficmon/internal/model"
)

const defaultQueryTimeout = 30 * time.Second

// ErrNoData is returned when the region log does not exist yet.
var ErrNoData = errors.New("analytics: region log not found")

// Store wraps an in-memory DuckDB connection. Nothing is persisted; every
// query reads the CSV logs directly.
type Store struct {
	db           *sql.DB
	mu           sync.Mutex
	QueryTimeout time.Duration
}

// NewStore opens an in-memory DuckDB database.
// An optional queryTimeout can be passed; it defaults to 30s.
func NewStore(queryTimeout ...time.Duration) (*Store, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("analytics: open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("analytics: ping duckdb: %w", err)
	}

	qt := defaultQueryTimeout
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}
	return &Store{db: db, QueryTimeout: qt}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.QueryTimeout)
}

// PercentStats summarises a circle or rectangle log from since onwards.
func (s *Store) PercentStats(ctx context.Context, path string, since time.Time) (PercentStats, error) {
	if err := checkExists(path); err != nil {
		return PercentStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		WITH data AS (
			SELECT *, make_timestamp("Year", "Month", "Day", "Hour", "Minute", 0.0) AS ts
			FROM %s
		)
		SELECT
			COUNT(*),
			AVG("Expedite"),
			AVG("Congested"),
			AVG("Blocked"),
			AVG("Unknown"),
			AVG(("Congested" + "Blocked") / NULLIF(1 - "Unknown", 0)),
			MIN(ts),
			MAX(ts)
		FROM data
		WHERE ts >= CAST(? AS TIMESTAMP)`, percentSource(path))

	var (
		st                         PercentStats
		exp, cong, blk, unk, index sql.NullFloat64
		first, last                sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, wallClock(since)).
		Scan(&st.Samples, &exp, &cong, &blk, &unk, &index, &first, &last)
	if err != nil {
		return PercentStats{}, fmt.Errorf("analytics: percent stats: %w", err)
	}
	st.MeanExpedite = exp.Float64
	st.MeanCongested = cong.Float64
	st.MeanBlocked = blk.Float64
	st.MeanUnknown = unk.Float64
	st.CongestionIndex = index.Float64
	st.First = first.Time
	st.Last = last.Time
	return st, nil
}

// RoadStats summarises a roads log from since onwards: region status from
// summary rows and per-road congestion from section rows.
func (s *Store) RoadStats(ctx context.Context, path string, since time.Time) (RoadStats, error) {
	if err := checkExists(path); err != nil {
		return RoadStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	source := roadSource(path)
	cutoff := wallClock(since)

	summary := fmt.Sprintf(`
		WITH data AS (
			SELECT *, make_timestamp("Year", "Month", "Day", "Hour", "Minute", 0.0) AS ts
			FROM %s
		)
		SELECT COUNT(*), AVG("Status"), MIN(ts), MAX(ts)
		FROM data
		WHERE "Road" = ? AND ts >= CAST(? AS TIMESTAMP)`, source)

	var (
		st          RoadStats
		status      sql.NullFloat64
		first, last sql.NullTime
	)
	if err := s.db.QueryRowContext(ctx, summary, model.SummaryRoad, cutoff).
		Scan(&st.Samples, &status, &first, &last); err != nil {
		return RoadStats{}, fmt.Errorf("analytics: road summary: %w", err)
	}
	st.MeanStatus = status.Float64
	st.First = first.Time
	st.Last = last.Time

	perRoad := fmt.Sprintf(`
		WITH data AS (
			SELECT *, make_timestamp("Year", "Month", "Day", "Hour", "Minute", 0.0) AS ts
			FROM %s
		)
		SELECT "Road", COUNT(*), SUM("Distance"), AVG("Distance"), AVG("Speed")
		FROM data
		WHERE "Road" <> ? AND ts >= CAST(? AS TIMESTAMP)
		GROUP BY "Road"
		ORDER BY SUM("Distance") DESC, "Road"`, source)

	rows, err := s.db.QueryContext(ctx, perRoad, model.SummaryRoad, cutoff)
	if err != nil {
		return RoadStats{}, fmt.Errorf("analytics: road sections: %w", err)
	}
	defer rows.Close()

	st.Roads = []RoadStat{}
	for rows.Next() {
		var rs RoadStat
		if err := rows.Scan(&rs.Road, &rs.Sections, &rs.TotalDistance, &rs.MeanDistance, &rs.MeanSpeed); err != nil {
			return RoadStats{}, fmt.Errorf("analytics: scan road: %w", err)
		}
		st.Roads = append(st.Roads, rs)
	}
	return st, rows.Err()
}

func checkExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoData, path)
		}
		return fmt.Errorf("analytics: %w", err)
	}
	return nil
}

// read_csv takes its path as a literal, not a bind parameter.
func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func percentSource(path string) string {
	return fmt.Sprintf(`read_csv(%s, header = true, delim = ',', columns = {
		'Year': 'INTEGER', 'Month': 'INTEGER', 'Day': 'INTEGER',
		'Hour': 'INTEGER', 'Minute': 'INTEGER',
		'Expedite': 'DOUBLE', 'Congested': 'DOUBLE', 'Blocked': 'DOUBLE', 'Unknown': 'DOUBLE'
	})`, sqlString(path))
}

func roadSource(path string) string {
	return fmt.Sprintf(`read_csv(%s, header = true, delim = ',', columns = {
		'Year': 'INTEGER', 'Month': 'INTEGER', 'Day': 'INTEGER',
		'Hour': 'INTEGER', 'Minute': 'INTEGER',
		'Road': 'VARCHAR', 'Status': 'INTEGER', 'Desc': 'VARCHAR',
		'Distance': 'DOUBLE', 'Speed': 'DOUBLE', 'Trend': 'VARCHAR'
	})`, sqlString(path))
}

// Log rows carry local wall-clock fields without a zone, so the window start
// is compared the same way.
func wallClock(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
