package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/tinytelemetry/trafficmon/internal/analytics"
	"github.com/tinytelemetry/trafficmon/internal/buffer"
	"github.com/tinytelemetry/trafficmon/internal/model"
	"github.com/tinytelemetry/trafficmon/internal/schedule"
	"github.com/tinytelemetry/trafficmon/internal/task"
)

const (
	defaultStatsHours = 24
	maxStatsHours     = 24 * 366
)

// StatsStore is the narrow analytics contract required by the HTTP API.
type StatsStore interface {
	PercentStats(ctx context.Context, path string, since time.Time) (analytics.PercentStats, error)
	RoadStats(ctx context.Context, path string, since time.Time) (analytics.RoadStats, error)
}

// SampleSource exposes the current sample buffer.
type SampleSource interface {
	Snapshot() []buffer.Entry
}

// OutcomeSource exposes task run records.
type OutcomeSource interface {
	Outcomes() []task.Outcome
	Last(name string) (task.Outcome, bool)
}

// ScheduleSource exposes upcoming cadence runs.
type ScheduleSource interface {
	NextRuns() []schedule.NextRun
}

// Deps are the read-only views the API serves. Stats and Schedule may be nil.
type Deps struct {
	Regions  []model.Region
	DataDir  string
	Samples  SampleSource
	Tasks    OutcomeSource
	Schedule ScheduleSource
	Stats    StatsStore
	Clock    clockwork.Clock
	Location *time.Location
}

// Server provides a read-only HTTP status API.
type Server struct {
	addr      string
	deps      Deps
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, deps Deps) *Server {
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		startTime: deps.Clock.Now(),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/regions", s.handleRegions)
	r.GET("/api/regions/:id/stats", s.handleRegionStats)
	r.GET("/api/tasks", s.handleTasks)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = s.deps.Clock.Now()

	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":  "ok",
		"uptime":  s.deps.Clock.Since(s.startTime).Round(time.Second).String(),
		"regions": len(s.deps.Regions),
	}
	if s.deps.Schedule != nil {
		body["next_runs"] = s.deps.Schedule.NextRuns()
	}
	c.JSON(http.StatusOK, body)
}

type regionStatus struct {
	ID        string        `json:"id"`
	Style     string        `json:"style"`
	Field     int           `json:"field"`
	File      string        `json:"file"`
	Value     float64       `json:"value"`
	Set       bool          `json:"set"`
	Fresh     bool          `json:"fresh"`
	UpdatedAt *time.Time    `json:"updated_at,omitempty"`
	LastPoll  *task.Outcome `json:"last_poll,omitempty"`
}

func (s *Server) handleRegions(c *gin.Context) {
	entries := s.deps.Samples.Snapshot()
	out := make([]regionStatus, 0, len(s.deps.Regions))
	for _, region := range s.deps.Regions {
		st := regionStatus{
			ID:    region.ID,
			Style: string(region.Style),
			Field: region.Field,
			File:  region.File,
		}
		if region.Index >= 0 && region.Index < len(entries) {
			e := entries[region.Index]
			st.Value, st.Set, st.Fresh = e.Value, e.Set, e.Fresh
			if e.Set {
				updated := e.UpdatedAt
				st.UpdatedAt = &updated
			}
		}
		if s.deps.Tasks != nil {
			if last, ok := s.deps.Tasks.Last(model.PollTaskName(region.ID)); ok {
				st.LastPoll = &last
			}
		}
		out = append(out, st)
	}
	c.JSON(http.StatusOK, gin.H{"regions": out})
}

func (s *Server) handleRegionStats(c *gin.Context) {
	if s.deps.Stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "statistics are not available"})
		return
	}

	region, ok := s.findRegion(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown region"})
		return
	}

	hours := defaultStatsHours
	if raw := c.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxStatsHours {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be an integer between 1 and 8784"})
			return
		}
		hours = n
	}

	since := s.deps.Clock.Now().In(s.deps.Location).Add(-time.Duration(hours) * time.Hour)
	path := filepath.Join(s.deps.DataDir, region.File)

	var (
		stats any
		err   error
	)
	if region.Style == model.StyleRoads {
		stats, err = s.deps.Stats.RoadStats(c.Request.Context(), path, since)
	} else {
		stats, err = s.deps.Stats.PercentStats(c.Request.Context(), path, since)
	}
	switch {
	case errors.Is(err, analytics.ErrNoData):
		c.JSON(http.StatusNotFound, gin.H{"error": "no samples recorded for region yet"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute statistics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"region": region.ID,
		"style":  region.Style,
		"hours":  hours,
		"stats":  stats,
	})
}

func (s *Server) handleTasks(c *gin.Context) {
	if s.deps.Tasks == nil {
		c.JSON(http.StatusOK, gin.H{"tasks": []task.Outcome{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.deps.Tasks.Outcomes()})
}

func (s *Server) findRegion(id string) (model.Region, bool) {
	for _, r := range s.deps.Regions {
		if r.ID == id {
			return r, true
		}
	}
	return model.Region{}, false
}
