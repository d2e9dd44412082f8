// Package poller queries the upstream traffic APIs for one region at a time,
// appends validated samples to the region's log and feeds the sample buffer.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tinytelemetry/trafficmon/internal/apikey"
	"github.com/tinytelemetry/trafficmon/internal/buffer"
	"github.com/tinytelemetry/trafficmon/internal/model"
	"github.com/tinytelemetry/trafficmon/internal/regionlog"
)

const (
	DefaultAMAPBaseURL  = "https://restapi.amap.com"
	DefaultBaiduBaseURL = "https://api.map.baidu.com"
)

var (
	// ErrUpstreamStatus is returned when the API answers with a non-success status.
	ErrUpstreamStatus = errors.New("poller: upstream reported failure")
	// ErrMalformed is returned when a success payload fails validation.
	ErrMalformed = errors.New("poller: malformed payload")
	// ErrMissingRoad is returned when a required road is absent from a roads-style payload.
	ErrMissingRoad = errors.New("poller: required road missing")
	// ErrBusy is returned when the region already has a poll in flight.
	ErrBusy = errors.New("poller: region poll already in flight")
)

// Fetcher performs one JSON GET.
type Fetcher interface {
	GetJSON(ctx context.Context, url string, v any) error
}

// Config wires a Poller to its collaborators.
type Config struct {
	Fetcher      Fetcher
	Keys         *apikey.Rotator
	Buffer       *buffer.Buffer
	Clock        clockwork.Clock
	Location     *time.Location
	DataDir      string
	AMAPBaseURL  string
	BaiduBaseURL string
	Logger       *slog.Logger
}

// Poller owns the per-region logs and the in-flight guard.
type Poller struct {
	cfg Config

	mu       sync.Mutex
	logs     map[string]*regionlog.Log
	inflight map[string]bool
}

// New validates cfg and returns a Poller. Logs are opened lazily on the
// first successful poll of each region.
func New(cfg Config) (*Poller, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("poller: nil fetcher")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("poller: nil key rotator")
	}
	if cfg.Buffer == nil {
		return nil, fmt.Errorf("poller: nil sample buffer")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, fmt.Errorf("poller: data-dir is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.AMAPBaseURL == "" {
		cfg.AMAPBaseURL = DefaultAMAPBaseURL
	}
	if cfg.BaiduBaseURL == "" {
		cfg.BaiduBaseURL = DefaultBaiduBaseURL
	}
	cfg.AMAPBaseURL = strings.TrimRight(cfg.AMAPBaseURL, "/")
	cfg.BaiduBaseURL = strings.TrimRight(cfg.BaiduBaseURL, "/")
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Poller{
		cfg:      cfg,
		logs:     make(map[string]*regionlog.Log),
		inflight: make(map[string]bool),
	}, nil
}

// Poll performs one query for region. Any error leaves the log and the
// buffer untouched.
func (p *Poller) Poll(ctx context.Context, region model.Region) error {
	if !p.acquire(region.ID) {
		return fmt.Errorf("%w: %s", ErrBusy, region.ID)
	}
	defer p.release(region.ID)

	now := p.cfg.Clock.Now().In(p.cfg.Location)
	key := p.cfg.Keys.Next()

	var (
		rows   [][]string
		header []string
		value  float64
	)
	switch region.Style {
	case model.StyleCircle, model.StyleRectangle:
		sample, congested, err := p.fetchPercent(ctx, region, key, now)
		if err != nil {
			return fmt.Errorf("region %s: %w", region.ID, err)
		}
		header = regionlog.PercentHeader
		rows = [][]string{percentRow(sample)}
		value = congested
	case model.StyleRoads:
		sample, err := p.fetchRoads(ctx, region, key, now)
		if err != nil {
			return fmt.Errorf("region %s: %w", region.ID, err)
		}
		header = regionlog.RoadHeader
		rows = roadRows(sample)
		value = sample.TotalDistance()
	default:
		return fmt.Errorf("region %s: unknown style %q", region.ID, region.Style)
	}

	log, err := p.openLog(region, header)
	if err != nil {
		return fmt.Errorf("region %s: %w", region.ID, err)
	}
	if err := log.Append(rows...); err != nil {
		return fmt.Errorf("region %s: append: %w", region.ID, err)
	}
	if err := p.cfg.Buffer.Set(region.Index, value, now); err != nil {
		return fmt.Errorf("region %s: %w", region.ID, err)
	}

	p.cfg.Logger.Info("poller: sample recorded",
		"region", region.ID,
		"style", string(region.Style),
		"rows", len(rows),
		"value", value,
	)
	return nil
}

// LogPath returns where region's log lives.
func (p *Poller) LogPath(region model.Region) string {
	return filepath.Join(p.cfg.DataDir, region.File)
}

// Close closes every open region log.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for id, log := range p.logs {
		if err := log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(p.logs, id)
	}
	return errors.Join(errs...)
}

func (p *Poller) acquire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[id] {
		return false
	}
	p.inflight[id] = true
	return true
}

func (p *Poller) release(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

func (p *Poller) openLog(region model.Region, header []string) (*regionlog.Log, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if log, ok := p.logs[region.ID]; ok {
		return log, nil
	}
	log, err := regionlog.Open(p.LogPath(region), header)
	if err != nil {
		return nil, err
	}
	p.logs[region.ID] = log
	return log, nil
}
