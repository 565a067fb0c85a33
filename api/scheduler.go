/*
scheduler.go - Automated accrual and billing scheduler

PURPOSE:
  Periodically runs the accrual and demand batch for every active loan.
  The lending core never schedules itself; this ticker is its external
  trigger in the server process.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each run calls lending.Service.RunBatch up to the current business date
  - Runs are idempotent: accrual and demand keys make a repeated run a no-op
  - The last report is kept for the admin UI

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewDemandScheduler(svc)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunBatch endpoint (manual run)
  - lending/service.go: RunBatch
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/lending-engine/lending"
	"github.com/warp/lending-engine/logger"
)

// DemandScheduler runs the nightly batch on a ticker.
type DemandScheduler struct {
	Service       *lending.Service
	CheckInterval time.Duration
	Enabled       bool

	// Today is the business date a run accrues and bills up to.
	Today func() lending.Date

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastReport *lending.BatchReport
	lastRunAt  time.Time
}

// NewDemandScheduler creates a new scheduler.
func NewDemandScheduler(svc *lending.Service) *DemandScheduler {
	return &DemandScheduler{
		Service:       svc,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Today:         lending.Today,
	}
}

// Start begins the scheduler.
func (ds *DemandScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		logger.Info("[Scheduler] Disabled, not starting")
		return
	}
	if ds.ticker != nil {
		return
	}

	ds.ticker = time.NewTicker(ds.CheckInterval)
	ds.stop = make(chan struct{})
	ds.wg.Add(1)

	go ds.run(ds.ticker, ds.stop)

	logger.Info("[Scheduler] Started", "interval", ds.CheckInterval)
}

// Stop stops the scheduler and waits for a running batch to finish.
func (ds *DemandScheduler) Stop() {
	ds.mu.Lock()
	if ds.ticker == nil {
		ds.mu.Unlock()
		return
	}
	ds.ticker.Stop()
	close(ds.stop)
	ds.ticker = nil
	ds.mu.Unlock()

	ds.wg.Wait()
	logger.Info("[Scheduler] Stopped")
}

func (ds *DemandScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ds.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	ds.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			ds.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow runs one batch synchronously (for testing/admin).
func (ds *DemandScheduler) RunNow(ctx context.Context) (*lending.BatchReport, error) {
	asOf := ds.Today()
	logger.Info("[Scheduler] Running batch", "as_of", asOf.String())

	report, err := ds.Service.RunBatch(ctx, asOf)
	if err != nil {
		logger.Error("[Scheduler] Batch failed", "as_of", asOf.String(), "error", err)
		return nil, err
	}

	ds.mu.Lock()
	ds.lastReport = report
	ds.lastRunAt = time.Now()
	ds.mu.Unlock()

	if report.Processed > 0 || len(report.Failures) > 0 {
		logger.Info("[Scheduler] Completed",
			"processed", report.Processed,
			"skipped", report.Skipped,
			"accrued", report.Accrued,
			"billed", report.Billed,
			"failed", len(report.Failures))
	}
	return report, nil
}

// LastReport returns the report of the most recent successful run.
func (ds *DemandScheduler) LastReport() (*lending.BatchReport, time.Time) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.lastReport, ds.lastRunAt
}

// GetNextRunTime returns when the next scheduled check will occur.
func (ds *DemandScheduler) GetNextRunTime() time.Time {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.lastRunAt.IsZero() {
		return time.Now()
	}
	return ds.lastRunAt.Add(ds.CheckInterval)
}
