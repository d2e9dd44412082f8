package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/tinytelemetry/trafficmon/internal/logging"
	"github.com/tinytelemetry/trafficmon/internal/model"
	"golang.org/x/sync/errgroup"
)

func pollCmd(configPath *string) *cobra.Command {
	var publishAfter bool

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll every region once and print the aggregates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := cfg.validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger, closeLog, err := logging.Setup(logging.Config{
				Level:    cfg.LogLevel,
				ErrorLog: cfg.ErrorLog,
			})
			if err != nil {
				return err
			}
			defer closeLog()

			pipe, err := newPipeline(cfg, clockwork.NewRealClock(), logger)
			if err != nil {
				return err
			}
			defer pipe.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return pollOnce(ctx, pipe, cmd.OutOrStdout(), publishAfter)
		},
	}

	cmd.Flags().BoolVar(&publishAfter, "publish", false, "publish the aggregates when every region succeeded")
	return cmd
}

// pollOnce runs one poll task per region through the task runner, prints
// each region's outcome and buffer slot, then optionally publishes.
func pollOnce(ctx context.Context, pipe *pipeline, out io.Writer, publishAfter bool) error {
	var publishTask func(context.Context) error
	if publishAfter {
		t, err := pipe.publishTask()
		if err != nil {
			return err
		}
		publishTask = t.Run
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pipe.cfg.MaxParallelPolls)
	for _, t := range pipe.pollTasks() {
		g.Go(func() error {
			pipe.runner.Run(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	entries := pipe.buffer.Snapshot()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tSTYLE\tFIELD\tSTATUS\tVALUE")
	for _, r := range pipe.cfg.Regions {
		status := "-"
		if o, ok := pipe.runner.Last(model.PollTaskName(r.ID)); ok {
			status = string(o.Status)
		}
		value := "-"
		if e := entries[r.Index]; e.Set {
			value = fmt.Sprintf("%.4g", e.Value)
		}
		fmt.Fprintf(tw, "%s\t%s\tfield%d\t%s\t%s\n", r.ID, r.Style, r.Field, status, value)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if publishTask == nil {
		return nil
	}
	if !pipe.buffer.AllFresh() {
		fmt.Fprintln(out, "not published: some regions have no fresh sample")
		return nil
	}
	if err := publishTask(ctx); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	fmt.Fprintln(out, "published")
	return nil
}
