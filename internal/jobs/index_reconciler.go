// Package jobs contains background workers that run on a schedule. Jobs are
// idempotent; re-running after a crash produces the same result as a clean
// run.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/recipegate/recipegate/internal/safego"
)

// IndexRebuilder is the slice of the gating service the reconciler needs.
type IndexRebuilder interface {
	RebuildIndex(ctx context.Context) (int, error)
}

// IndexReconciler periodically rebuilds the recipe enumeration index from
// the store's native key listing. Creation appends to the index best effort;
// this job repairs any drift (a crash between record write and index append,
// or an index write that failed against an unavailable store) so listings
// converge without operator action.
type IndexReconciler struct {
	svc      IndexRebuilder
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
}

// NewIndexReconciler builds a reconciler running every interval.
func NewIndexReconciler(svc IndexRebuilder, interval time.Duration, logger *slog.Logger) *IndexReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexReconciler{
		svc:      svc,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the reconciliation loop. One pass runs immediately so a
// restarted server converges without waiting a full interval.
func (j *IndexReconciler) Start(ctx context.Context) {
	safego.Go(func() {
		j.runOnce(ctx)

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				j.runOnce(ctx)
			case <-j.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	})
}

// Stop terminates the loop. Safe to call once.
func (j *IndexReconciler) Stop() {
	close(j.stopCh)
}

func (j *IndexReconciler) runOnce(ctx context.Context) {
	n, err := j.svc.RebuildIndex(ctx)
	if err != nil {
		j.logger.Warn("index reconciliation failed, will retry next interval", "error", err)
		return
	}
	j.logger.Debug("index reconciled", "records", n)
}
