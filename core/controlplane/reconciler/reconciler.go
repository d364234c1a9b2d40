// Package reconciler enforces artifact retention for finished jobs.
package reconciler

import (
	"context"
	"time"

	"github.com/cordum/jobrelay/core/infra/artifacts"
	"github.com/cordum/jobrelay/core/infra/jobstore"
	"github.com/cordum/jobrelay/core/infra/locks"
	"github.com/cordum/jobrelay/core/infra/logging"
)

const sweepLease = "sweep"

// Reconciler periodically removes expired result directories and uploads.
// Job records are never deleted.
type Reconciler struct {
	store        jobstore.Store
	layout       *artifacts.Layout
	pollInterval time.Duration
	lock         locks.Locker
	owner        string
}

func New(store jobstore.Store, layout *artifacts.Layout, pollInterval time.Duration) *Reconciler {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Minute
	}
	return &Reconciler{store: store, layout: layout, pollInterval: pollInterval, lock: locks.Local{}}
}

// WithLock makes sweeps conditional on holding a shared lease, so replicas
// pointed at the same directories do not race each other.
func (r *Reconciler) WithLock(l locks.Locker, owner string) *Reconciler {
	if l != nil {
		r.lock = l
		r.owner = owner
	}
	return r
}

// Start runs the sweep loop until the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one sweep and returns how many jobs had their results removed.
func (r *Reconciler) Tick(ctx context.Context) int {
	held, err := r.lock.TryAcquire(ctx, sweepLease, r.owner, r.pollInterval)
	if err != nil {
		logging.Error("reconciler", "acquire sweep lease", "error", err)
		return 0
	}
	if !held {
		return 0
	}
	jobs, err := r.store.ListTerminal(ctx)
	if err != nil {
		logging.Error("reconciler", "list terminal jobs", "error", err)
		return 0
	}
	removed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return removed
		}
		ok, err := r.layout.Sweep(job.ID)
		if err != nil {
			logging.Error("reconciler", "sweep results", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			removed++
			logging.Info("reconciler", "results expired", "job_id", job.ID, "status", job.Status)
		}
	}
	uploads, err := r.layout.SweepUploads()
	if err != nil {
		logging.Error("reconciler", "sweep uploads", "error", err)
	} else if uploads > 0 {
		logging.Info("reconciler", "uploads expired", "count", uploads)
	}
	return removed
}
