package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golouhm/awesant/internal/config"
	"github.com/golouhm/awesant/internal/input"
	"github.com/golouhm/awesant/internal/logging"
	"github.com/golouhm/awesant/internal/metrics"
	"github.com/golouhm/awesant/internal/output"
	"github.com/golouhm/awesant/internal/pipeline"
	"github.com/golouhm/awesant/internal/supervisor"
	"github.com/golouhm/awesant/internal/tailer"
)

var (
	configFile  = flag.String("config", "/etc/awesant/agent.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Print version and exit")
	version     = "0.1.0"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("awesant", version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// group couples a supervisor group with the input sets and watchers its
// workers own.
type group struct {
	supervisor.Group
	sets     []*input.Set
	watchers []*pipeline.WatcherBinding
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(logger)
	logger.Info().Str("version", version).Msg("starting awesant")

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Listen); err != nil {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to resolve hostname: %w", err)
	}

	settings := pipeline.Settings{
		Hostname:         hostname,
		Poll:             time.Duration(cfg.Poll) * time.Millisecond,
		Lines:            cfg.Lines,
		LogWatchInterval: time.Duration(cfg.LogWatchInterval) * time.Second,
		Benchmark:        cfg.Benchmark,
	}

	groups, err := buildGroups(cfg, settings, logger)
	if err != nil {
		return err
	}

	// validate the output sections once up front; adapters connect lazily
	probe, err := buildOutputs(cfg, logger)
	if err != nil {
		return err
	}
	for _, bound := range probe {
		bound.Output.Close()
	}

	factory := func(groupName string, id int) (*pipeline.Worker, error) {
		for _, g := range groups {
			if g.Name != groupName {
				continue
			}
			outs, err := buildOutputs(cfg, logger)
			if err != nil {
				return nil, err
			}
			var watchers []*pipeline.WatcherBinding
			if id == 0 {
				watchers = g.watchers
			}
			return pipeline.NewWorker(settings, g.sets, outs, watchers,
				logger.WithWorker(groupName, id)), nil
		}
		return nil, fmt.Errorf("unknown worker group %q", groupName)
	}

	sups := make([]supervisor.Group, 0, len(groups))
	for _, g := range groups {
		sups = append(sups, g.Group)
	}
	sup := supervisor.New(sups, factory, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	sup.Run(ctx)

	for _, g := range groups {
		for _, set := range g.sets {
			for _, in := range set.Inputs {
				in.Close()
			}
		}
		for _, wb := range g.watchers {
			wb.Watcher.Close()
		}
	}
	logger.Info().Msg("awesant stopped")
	return nil
}

// buildGroups expands the input sections into worker groups: everything
// without a workers setting shares one implicit group, every section with
// workers forms its own. File-backed sections are forced to one worker.
func buildGroups(cfg *config.Config, settings pipeline.Settings, logger *logging.Logger) ([]*group, error) {
	globals := input.Globals{
		Libdir:           cfg.Libdir,
		LogWatchInterval: cfg.LogWatchInterval,
	}

	implicit := &group{Group: supervisor.Group{Name: "main", Workers: 1}}
	groups := []*group{implicit}

	section := 0
	for inputType, nodes := range cfg.Input {
		for _, node := range nodes {
			set, err := input.Build(inputType, node, globals, logger)
			if err != nil {
				return nil, err
			}
			section++

			fileBacked := inputType == "file" || inputType == "oraclealertlog"
			target := implicit
			if set.Descriptor.HasWorkers && set.Descriptor.Workers > 0 {
				workers := set.Descriptor.Workers
				if fileBacked {
					workers = 1
				}
				target = &group{Group: supervisor.Group{
					Name:    fmt.Sprintf("%s-%d", inputType, section),
					Workers: workers,
				}}
				groups = append(groups, target)
			}
			target.sets = append(target.sets, set)

			for _, pattern := range set.Wildcards {
				seed := make([]string, 0, len(set.Inputs))
				for _, in := range set.Inputs {
					if p, ok := in.(interface{ Path() string }); ok {
						seed = append(seed, p.Path())
					}
				}
				w, err := tailer.NewWatcher(pattern, settings.LogWatchInterval, seed, logger)
				if err != nil {
					return nil, err
				}
				target.watchers = append(target.watchers, &pipeline.WatcherBinding{
					Watcher: w,
					Set:     set,
				})
			}
		}
	}
	return groups, nil
}

func buildOutputs(cfg *config.Config, logger *logging.Logger) ([]*output.Bound, error) {
	var outs []*output.Bound
	for outputType, nodes := range cfg.Output {
		for _, node := range nodes {
			bound, err := output.Build(outputType, node, logger)
			if err != nil {
				for _, b := range outs {
					b.Output.Close()
				}
				return nil, err
			}
			outs = append(outs, bound)
		}
	}
	return outs, nil
}
