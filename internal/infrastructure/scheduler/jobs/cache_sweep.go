// Package jobs contains the scheduled jobs of the sync daemon.
package jobs

import (
	"context"
	"fmt"

	"github.com/finedu/finedu-sync/pkg/logger"
)

// Sweeper removes expired cache entries.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// CacheSweepJob drops expired cache entries so the KV store does not grow
// without bound.
type CacheSweepJob struct {
	cache Sweeper
	log   *logger.Logger
}

// NewCacheSweepJob creates the job.
func NewCacheSweepJob(cache Sweeper, log *logger.Logger) *CacheSweepJob {
	if log == nil {
		log = logger.Nop()
	}
	return &CacheSweepJob{cache: cache, log: log.With(logger.Component("job.cache_sweep"))}
}

// Name implements scheduler.Job.
func (j *CacheSweepJob) Name() string { return "cache_sweep" }

// Description implements scheduler.Job.
func (j *CacheSweepJob) Description() string { return "Removes expired cache entries" }

// Run implements scheduler.Job.
func (j *CacheSweepJob) Run(ctx context.Context) error {
	removed, err := j.cache.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep cache: %w", err)
	}
	if removed > 0 {
		j.log.Info("expired cache entries removed", logger.Int("removed", removed))
	}
	return nil
}
