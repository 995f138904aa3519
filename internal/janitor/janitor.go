// Package janitor periodically reclaims per-instance state: idle AI
// streams, expired rate buckets, dead connections and orphaned in-flight
// markers. It also watches heap usage and sheds reclaimable registries when
// the process crosses its hard threshold.
package janitor

import (
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/metrics"
)

// Tasks are the sweep hooks the janitor drives. Each returns the number of
// entries it removed. Nil hooks are skipped.
type Tasks struct {
	ExpireStreams    func() int
	SweepRateBuckets func() int
	SweepConnections func() int
	SweepInflight    func() int

	// ShedMemory drops reclaimable caches when the hard heap threshold is
	// crossed.
	ShedMemory func()
}

// Options tune the janitor schedule and heap thresholds.
type Options struct {
	Schedule      string // cron spec, e.g. "@every 3m"
	SoftHeapBytes uint64
	HardHeapBytes uint64
}

// Janitor owns the maintenance schedule.
type Janitor struct {
	cron   *cron.Cron
	tasks  Tasks
	opts   Options
	logger *logger.Logger
}

// New creates a janitor running tasks on opts.Schedule.
func New(tasks Tasks, opts Options, log *logger.Logger) *Janitor {
	if opts.Schedule == "" {
		opts.Schedule = "@every 3m"
	}
	return &Janitor{
		cron:   cron.New(),
		tasks:  tasks,
		opts:   opts,
		logger: log.WithComponent("janitor"),
	}
}

// Start registers the sweep on the cron schedule and begins running it.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.opts.Schedule, j.RunOnce); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("janitor started", slog.String("schedule", j.opts.Schedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// RunOnce performs one full sweep. Exposed so tests and shutdown paths can
// sweep without the schedule.
func (j *Janitor) RunOnce() {
	started := time.Now()

	streams := runTask(j.tasks.ExpireStreams, "streams")
	buckets := runTask(j.tasks.SweepRateBuckets, "rate_buckets")
	conns := runTask(j.tasks.SweepConnections, "connections")
	inflight := runTask(j.tasks.SweepInflight, "inflight")

	j.checkHeap()

	j.logger.Debug("sweep complete",
		slog.Int("streams", streams),
		slog.Int("rate_buckets", buckets),
		slog.Int("connections", conns),
		slog.Int("inflight", inflight),
		slog.Duration("took", time.Since(started)))
}

func runTask(fn func() int, target string) int {
	if fn == nil {
		return 0
	}
	n := fn()
	if n > 0 {
		metrics.JanitorSweeps.WithLabelValues(target).Add(float64(n))
	}
	return n
}

// checkHeap warns past the soft threshold and sheds reclaimable state past
// the hard one.
func (j *Janitor) checkHeap() {
	if j.opts.SoftHeapBytes == 0 && j.opts.HardHeapBytes == 0 {
		return
	}

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	if j.opts.HardHeapBytes > 0 && stats.HeapAlloc > j.opts.HardHeapBytes {
		j.logger.Error("heap above hard threshold, shedding reclaimable state",
			slog.Uint64("heap_alloc", stats.HeapAlloc),
			slog.Uint64("threshold", j.opts.HardHeapBytes))
		if j.tasks.ShedMemory != nil {
			j.tasks.ShedMemory()
		}
		debug.FreeOSMemory()
		return
	}
	if j.opts.SoftHeapBytes > 0 && stats.HeapAlloc > j.opts.SoftHeapBytes {
		j.logger.Warn("heap above soft threshold",
			slog.Uint64("heap_alloc", stats.HeapAlloc),
			slog.Uint64("threshold", j.opts.SoftHeapBytes))
	}
}
