/*
scheduler.go - Automated forfeiture scan

PURPOSE:
  Periodically looks for devices whose repair is done but which nobody came
  to collect. The Centro and the customer are warned once a week before the
  deadline and told once when the grace period is over. The scan never
  changes a repair's status: declaring a device forfeited stays a human
  decision taken through the advance endpoint.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Evaluates the Forfeiture Policy over every repair awaiting collection
  - Each notice is claimed on the repair row before it is sent, so it goes
    out once across restarts and across several server processes
  - Errors are logged and the next tick tries again

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewForfeitureScheduler(repairs, dispatcher, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

  or, inside an errgroup:
  g.Go(func() error { return scheduler.Run(ctx) })

SEE ALSO:
  - handlers.go: TriggerForfeitureScan endpoint (manual scan)
  - repair/forfeiture.go: ForfeiturePolicy
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/repair-engine/engine"
	"github.com/warp/repair-engine/repair"
)

// ForfeitureScheduler handles the periodic forfeiture scan.
type ForfeitureScheduler struct {
	Repairs       *repair.LifecycleService
	Notify        *engine.Dispatcher
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewForfeitureScheduler creates a new scheduler.
func NewForfeitureScheduler(repairs *repair.LifecycleService, notify *engine.Dispatcher, logger *zap.Logger) *ForfeitureScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForfeitureScheduler{
		Repairs:       repairs,
		Notify:        notify,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (fs *ForfeitureScheduler) Start() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.Enabled || fs.CheckInterval <= 0 {
		fs.Logger.Info("forfeiture scheduler disabled")
		return
	}
	if fs.ticker != nil {
		return
	}

	fs.ticker = time.NewTicker(fs.CheckInterval)
	fs.stop = make(chan struct{})
	fs.wg.Add(1)

	go fs.run(fs.ticker, fs.stop)

	fs.Logger.Info("forfeiture scheduler started", zap.Duration("interval", fs.CheckInterval))
}

// Stop stops the scheduler and waits for a running scan to finish.
func (fs *ForfeitureScheduler) Stop() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ticker != nil {
		fs.ticker.Stop()
		close(fs.stop)
		fs.wg.Wait()
		fs.ticker = nil
		fs.Logger.Info("forfeiture scheduler stopped")
	}
}

// Run starts the scheduler and stops it when ctx is done.
func (fs *ForfeitureScheduler) Run(ctx context.Context) error {
	fs.Start()
	<-ctx.Done()
	fs.Stop()
	return nil
}

func (fs *ForfeitureScheduler) run(ticker *time.Ticker, stop chan struct{}) {
	defer fs.wg.Done()

	// Run immediately on start
	fs.checkAndNotify()

	for {
		select {
		case <-ticker.C:
			fs.checkAndNotify()
		case <-stop:
			return
		}
	}
}

func (fs *ForfeitureScheduler) checkAndNotify() {
	ctx, cancel := context.WithTimeout(context.Background(), fs.scanTimeout())
	defer cancel()

	candidates, notified, err := fs.Scan(ctx)
	if err != nil {
		fs.Logger.Warn("forfeiture scan failed", zap.Error(err))
		return
	}
	if notified > 0 {
		fs.Logger.Info("forfeiture scan completed",
			zap.Int("eligible", len(candidates)),
			zap.Int("notified", notified))
	}
}

func (fs *ForfeitureScheduler) scanTimeout() time.Duration {
	if fs.CheckInterval > 0 && fs.CheckInterval < 5*time.Minute {
		return fs.CheckInterval
	}
	return 5 * time.Minute
}

// Scan evaluates every repair awaiting collection across all Centri and
// sends the warnings and eligibility notices not sent before. It returns
// every eligible repair and how many notices went out now.
func (fs *ForfeitureScheduler) Scan(ctx context.Context) ([]repair.ForfeitureCandidate, int, error) {
	due, err := fs.Repairs.ForfeitureNotices(ctx, "")
	if err != nil {
		return nil, 0, err
	}

	notified := 0
	for _, c := range due {
		kind := engine.EventForfeitureWarning
		if c.Status.NoticeDue {
			kind = engine.EventForfeitureEligible
		}
		marked, err := fs.Repairs.MarkForfeitureNotice(ctx, c.Request.ID, kind)
		if err != nil {
			fs.Logger.Warn("failed to record forfeiture notice",
				zap.String("request_id", c.Request.ID), zap.Error(err))
			continue
		}
		if !marked {
			continue
		}
		fs.notify(ctx, kind, c)
		notified++
	}

	candidates, err := fs.Repairs.ForfeitureCandidates(ctx, "")
	if err != nil {
		return nil, notified, err
	}
	return candidates, notified, nil
}

func (fs *ForfeitureScheduler) notify(ctx context.Context, kind engine.EventKind, c repair.ForfeitureCandidate) {
	ev := engine.Event{
		Kind:            kind,
		RepairRequestID: c.Request.ID,
		Status:          c.Request.Status,
	}
	fs.Notify.Send(ctx, engine.Audience{TenantID: c.Request.CentroID, Role: engine.RoleCentro}, ev)
	if c.Request.CustomerID != "" {
		fs.Notify.Send(ctx, engine.Audience{TenantID: c.Request.CustomerID, Role: engine.RoleCustomer}, ev)
	}
	if kind == engine.EventForfeitureWarning {
		fs.Logger.Info("repair nearing forfeiture",
			zap.String("request_id", c.Request.ID),
			zap.String("tenant", c.Request.CentroID),
			zap.Int("days_remaining", c.Status.DaysRemaining))
		return
	}
	fs.Logger.Info("repair eligible for forfeiture",
		zap.String("request_id", c.Request.ID),
		zap.String("tenant", c.Request.CentroID),
		zap.Int("days_overdue", -c.Status.DaysRemaining))
}
