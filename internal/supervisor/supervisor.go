// Package supervisor spawns and tracks the worker goroutines: one owner
// per input group, respawn on crash, graceful drain on shutdown.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/golouhm/awesant/internal/logging"
	"github.com/golouhm/awesant/internal/metrics"
	"github.com/golouhm/awesant/internal/pipeline"
)

// respawnDelay is the minimum pause before a crashed worker is restarted.
const respawnDelay = time.Second

// drainTimeout is how long soft termination waits for workers to finish
// their current pass before the supervisor gives up on them.
const drainTimeout = 15 * time.Second

// Group is one worker group: a set of inputs owned by Workers goroutines.
// File-backed inputs are always a single-worker group because the tailer
// state (offset, inode) is per file and not shared.
type Group struct {
	Name    string
	Workers int
}

// WorkerFactory builds a fresh worker for a group slot. Each worker gets
// its own output instances; inputs are owned by the group.
type WorkerFactory func(group string, id int) (*pipeline.Worker, error)

// Supervisor runs the groups and keeps their workers alive.
type Supervisor struct {
	log     *logging.Logger
	stats   *metrics.Collector
	groups  []Group
	factory WorkerFactory
	wg      sync.WaitGroup
}

// New creates a supervisor over the given groups.
func New(groups []Group, factory WorkerFactory, log *logging.Logger) *Supervisor {
	return &Supervisor{
		log:     log.WithComponent("supervisor"),
		stats:   metrics.Default(),
		groups:  groups,
		factory: factory,
	}
}

// Run spawns all workers and blocks until the context is cancelled and
// the workers have drained, or the drain timeout expires.
func (s *Supervisor) Run(ctx context.Context) {
	for _, group := range s.groups {
		for id := 0; id < group.Workers; id++ {
			s.wg.Add(1)
			go s.keepAlive(ctx, group.Name, id)
		}
	}

	<-ctx.Done()
	s.log.Info().Msg("shutdown requested, draining workers")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("all workers drained")
	case <-time.After(drainTimeout):
		s.log.Warn().Msg("drain timeout, abandoning remaining workers")
	}
}

// keepAlive runs one worker slot, respawning the worker after a crash
// until the context is cancelled.
func (s *Supervisor) keepAlive(ctx context.Context, group string, id int) {
	defer s.wg.Done()
	log := s.log.WithWorker(group, id)

	for {
		worker, err := s.factory(group, id)
		if err != nil {
			log.Error().Err(err).Msg("failed to build worker")
			return
		}

		s.stats.WorkersRunning.WithLabelValues(group).Inc()
		crashed := s.runOnce(ctx, worker, log)
		s.stats.WorkersRunning.WithLabelValues(group).Dec()

		if !crashed {
			return
		}
		s.stats.WorkerRestarts.WithLabelValues(group).Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(respawnDelay):
		}
	}
}

// runOnce executes a worker and converts a panic into a respawn signal.
func (s *Supervisor) runOnce(ctx context.Context, worker *pipeline.Worker, log *logging.Logger) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("worker crashed")
			crashed = true
		}
	}()
	worker.Run(ctx)
	return false
}
