package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/tinytelemetry/trafficmon/internal/apikey"
	"github.com/tinytelemetry/trafficmon/internal/buffer"
	"github.com/tinytelemetry/trafficmon/internal/model"
	"github.com/tinytelemetry/trafficmon/internal/poller"
	"github.com/tinytelemetry/trafficmon/internal/publish"
	"github.com/tinytelemetry/trafficmon/internal/task"
	"github.com/tinytelemetry/trafficmon/internal/upstream"
)

// pipeline is the sampling chain shared by the service and the one-shot
// poll command: rotator and client feed the poller, the poller fills the
// buffer, the publisher drains it.
type pipeline struct {
	cfg       appConfig
	buffer    *buffer.Buffer
	poller    *poller.Poller
	publisher *publish.Publisher // nil without a telemetry key
	runner    *task.Runner
}

func newPipeline(cfg appConfig, clock clockwork.Clock, logger *slog.Logger) (*pipeline, error) {
	keys, err := apikey.New(cfg.APIKeys)
	if err != nil {
		return nil, err
	}

	client := upstream.NewClient(upstream.Config{
		Timeout:  cfg.RequestTimeout,
		RetryMax: cfg.RequestRetries,
		Logger:   logger.With("component", "upstream"),
	})

	buf := buffer.New(len(cfg.Regions))

	p, err := poller.New(poller.Config{
		Fetcher:      client,
		Keys:         keys,
		Buffer:       buf,
		Clock:        clock,
		Location:     cfg.Location,
		DataDir:      cfg.DataDir,
		AMAPBaseURL:  cfg.AMAPBaseURL,
		BaiduBaseURL: cfg.BaiduBaseURL,
		Logger:       logger.With("component", "poller"),
	})
	if err != nil {
		return nil, err
	}

	var pub *publish.Publisher
	if cfg.TelemetryAPIKey != "" {
		pub, err = publish.New(publish.Config{
			Getter:  client,
			Buffer:  buf,
			Regions: cfg.Regions,
			URL:     cfg.TelemetryURL,
			APIKey:  cfg.TelemetryAPIKey,
			Logger:  logger.With("component", "publish"),
		})
		if err != nil {
			_ = p.Close()
			return nil, err
		}
	}

	return &pipeline{
		cfg:       cfg,
		buffer:    buf,
		poller:    p,
		publisher: pub,
		runner:    task.NewRunner(logger.With("component", "task"), clock),
	}, nil
}

// pollTasks returns one task per region in declared order.
func (p *pipeline) pollTasks() []task.Task {
	tasks := make([]task.Task, 0, len(p.cfg.Regions))
	for _, region := range p.cfg.Regions {
		region := region
		tasks = append(tasks, task.Task{
			Name:    model.PollTaskName(region.ID),
			Timeout: p.cfg.TaskTimeout,
			Run: func(ctx context.Context) error {
				return p.poller.Poll(ctx, region)
			},
		})
	}
	return tasks
}

func (p *pipeline) publishTask() (task.Task, error) {
	if p.publisher == nil {
		return task.Task{}, fmt.Errorf("telemetry-api-key is required to publish")
	}
	return task.Task{
		Name:    "publish",
		Timeout: p.cfg.TaskTimeout,
		Run: func(ctx context.Context) error {
			_, err := p.publisher.PublishIfReady(ctx)
			return err
		},
	}, nil
}

// logPaths lists the region logs in declared order.
func (p *pipeline) logPaths() []string {
	paths := make([]string, 0, len(p.cfg.Regions))
	for _, region := range p.cfg.Regions {
		paths = append(paths, p.poller.LogPath(region))
	}
	return paths
}

func (p *pipeline) Close() error {
	return p.poller.Close()
}
