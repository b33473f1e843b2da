package background

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/StudioEly/koomy-saas2-sub001/internal/metrics"
	"github.com/StudioEly/koomy-saas2-sub001/internal/services"
)

// UsageSource produces per-community usage snapshots
type UsageSource interface {
	UsageSnapshot(ctx context.Context) ([]services.CommunityUsage, error)
}

// Runner manages background jobs that export usage and pool gauges
type Runner struct {
	usage          UsageSource
	db             *gorm.DB
	metrics        *metrics.Metrics
	snapshotEvery  time.Duration
	dbStatsEvery   time.Duration
	logger         *logrus.Entry
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
	snapshotTicker *time.Ticker
	dbStatsTicker  *time.Ticker
}

// NewRunner creates a new background runner. db may be nil to skip pool statistics.
func NewRunner(usage UsageSource, db *gorm.DB, m *metrics.Metrics, snapshotIntervalMins int, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if snapshotIntervalMins <= 0 {
		snapshotIntervalMins = 5
	}
	return &Runner{
		usage:         usage,
		db:            db,
		metrics:       m,
		snapshotEvery: time.Duration(snapshotIntervalMins) * time.Minute,
		dbStatsEvery:  10 * time.Second,
		logger:        logger.WithField("component", "background_runner"),
		stopCh:        make(chan struct{}),
	}
}

// Start begins the background job processing
func (r *Runner) Start() {
	r.logger.Info("Starting background job runner")

	r.snapshotTicker = time.NewTicker(r.snapshotEvery)
	r.logger.WithField("interval", r.snapshotEvery.String()).Info("Usage snapshot job scheduled")

	r.wg.Add(1)
	go r.runSnapshotJob()

	if r.db != nil {
		r.dbStatsTicker = time.NewTicker(r.dbStatsEvery)
		r.wg.Add(1)
		go r.runDBStatsJob()
	}
}

// Stop gracefully stops all background jobs
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("Stopping background job runner")
		close(r.stopCh)

		if r.snapshotTicker != nil {
			r.snapshotTicker.Stop()
		}
		if r.dbStatsTicker != nil {
			r.dbStatsTicker.Stop()
		}

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			r.logger.Info("Background job runner stopped gracefully")
		case <-time.After(30 * time.Second):
			r.logger.Warn("Background job runner stop timeout - forcing shutdown")
		}
	})
}

// RunOnce takes a single usage snapshot
func (r *Runner) RunOnce(ctx context.Context) error {
	usage, err := r.usage.UsageSnapshot(ctx)
	if err != nil {
		return err
	}

	r.metrics.ResetCommunityUsage()
	overQuota := 0
	for _, u := range usage {
		r.metrics.SetCommunityUsage(u.CommunityID.String(), u.PlanID, u.Billable, u.Max)
		if u.Max != nil && u.Billable > int64(*u.Max) {
			overQuota++
		}
	}

	entry := r.logger.WithFields(logrus.Fields{
		"communities": len(usage),
		"over_quota":  overQuota,
	})
	if overQuota > 0 {
		entry.Warn("Usage snapshot found communities above their plan ceiling")
	} else {
		entry.Debug("Usage snapshot completed")
	}
	return nil
}

func (r *Runner) runSnapshotJob() {
	defer r.wg.Done()

	r.executeSnapshot()

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.snapshotTicker.C:
			r.executeSnapshot()
		}
	}
}

func (r *Runner) executeSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := r.RunOnce(ctx); err != nil {
		r.logger.WithError(err).Error("Usage snapshot job failed")
	}
}

func (r *Runner) runDBStatsJob() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.dbStatsTicker.C:
			sqlDB, err := r.db.DB()
			if err != nil {
				r.logger.WithError(err).Warn("Failed to get database instance for metrics")
				continue
			}
			stats := sqlDB.Stats()
			r.metrics.SetDBStats(stats.OpenConnections, stats.InUse, stats.Idle)
		}
	}
}
