// Package publish forwards one complete polling cycle to the telemetry
// channel.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/tinytelemetry/trafficmon/internal/buffer"
	"github.com/tinytelemetry/trafficmon/internal/model"
)

// DefaultURL is the ThingSpeak channel update endpoint.
const DefaultURL = "https://api.thingspeak.com/update"

// ErrRejected is returned when the channel answers an update with entry id 0.
var ErrRejected = errors.New("publish: telemetry update rejected")

// Getter performs one GET and returns the response body.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Config wires a Publisher.
type Config struct {
	Getter  Getter
	Buffer  *buffer.Buffer
	Regions []model.Region
	URL     string
	APIKey  string
	Logger  *slog.Logger
}

// Publisher sends the buffer once every slot is fresh.
type Publisher struct {
	cfg Config
}

// New validates cfg and returns a Publisher.
func New(cfg Config) (*Publisher, error) {
	if cfg.Getter == nil {
		return nil, fmt.Errorf("publish: nil getter")
	}
	if cfg.Buffer == nil {
		return nil, fmt.Errorf("publish: nil sample buffer")
	}
	if len(cfg.Regions) != cfg.Buffer.Len() {
		return nil, fmt.Errorf("publish: %d regions for %d buffer slots", len(cfg.Regions), cfg.Buffer.Len())
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("publish: telemetry api key is required")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Publisher{cfg: cfg}, nil
}

// PublishIfReady sends one update when every region is fresh and reports
// whether a send was attempted. The freshness gate is cleared before the
// send, so a failed update is not retried until the next complete cycle.
func (p *Publisher) PublishIfReady(ctx context.Context) (bool, error) {
	values, ok := p.cfg.Buffer.TakeIfAllFresh()
	if !ok {
		p.cfg.Logger.Debug("publish: cycle incomplete, skipping")
		return false, nil
	}

	body, err := p.cfg.Getter.Get(ctx, p.updateURL(values))
	if err != nil {
		return true, fmt.Errorf("publish: send: %w", err)
	}
	entry := strings.TrimSpace(string(body))
	if entry == "0" {
		return true, ErrRejected
	}

	p.cfg.Logger.Info("publish: telemetry updated", "entry", entry, "fields", len(values))
	return true, nil
}

func (p *Publisher) updateURL(values []float64) string {
	q := url.Values{}
	q.Set("api_key", p.cfg.APIKey)
	for _, region := range p.cfg.Regions {
		q.Set("field"+strconv.Itoa(region.Field), strconv.FormatFloat(values[region.Index], 'f', -1, 64))
	}
	return p.cfg.URL + "?" + q.Encode()
}
