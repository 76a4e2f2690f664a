// internal/service/reconcile/service.go
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"billing-service/internal/domain/registration"
	"billing-service/internal/domain/tenant"
	"billing-service/internal/domain/webhook"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/metrics"
	"billing-service/internal/repository"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Replayer re-dispatches a stored billing event.
type Replayer interface {
	Replay(ctx context.Context, eventID string) (*webhook.Ack, error)
}

type Options struct {
	// Spec is a robfig/cron schedule, e.g. "@every 5m".
	Spec          string
	StaleEventAge time.Duration
	OrphanGrace   time.Duration
	BatchSize     int
	// RunTimeout bounds one full pass.
	RunTimeout time.Duration
}

// Report summarizes one pass.
type Report struct {
	Expired        int64
	Relinked       int
	Flagged        int
	Replayed       int
	ReplayFailures int
}

// Reconciler repairs state that webhooks alone cannot: abandoned registrations,
// tenants missing their links, and events stuck in RECEIVED.
type Reconciler struct {
	store    repository.Store
	replayer Replayer
	opts     Options
	cron     *cron.Cron
	running  atomic.Bool
	now      func() time.Time
	logger   *zap.Logger
}

func NewReconciler(store repository.Store, replayer Replayer, opts Options, logger *zap.Logger) *Reconciler {
	if opts.Spec == "" {
		opts.Spec = "@every 5m"
	}
	if opts.StaleEventAge <= 0 {
		opts.StaleEventAge = 15 * time.Minute
	}
	if opts.OrphanGrace <= 0 {
		opts.OrphanGrace = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 2 * time.Minute
	}
	return &Reconciler{
		store:    store,
		replayer: replayer,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock overrides the time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Start schedules RunOnce on the configured spec.
func (r *Reconciler) Start() error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.opts.Spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.RunTimeout)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("reconciliation pass failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconciliation %q: %w", r.opts.Spec, err)
	}
	r.cron.Start()
	r.logger.Info("reconciler started", zap.String("schedule", r.opts.Spec))
	return nil
}

// Stop halts scheduling and returns a context done when the running pass ends.
func (r *Reconciler) Stop() context.Context {
	if r.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return r.cron.Stop()
}

// RunOnce runs every sweep concurrently. Overlapping passes are skipped.
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug("reconciliation pass already running, skipping")
		return &Report{}, nil
	}
	defer r.running.Store(false)

	report := &Report{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := r.ExpireStale(gctx)
		report.Expired = n
		return err
	})
	g.Go(func() error {
		relinked, flagged, err := r.RepairOrphans(gctx)
		report.Relinked, report.Flagged = relinked, flagged
		return err
	})
	g.Go(func() error {
		replayed, failures, err := r.ReplayStuckEvents(gctx)
		report.Replayed, report.ReplayFailures = replayed, failures
		return err
	})

	err := g.Wait()
	r.logger.Info("reconciliation pass finished",
		zap.Int64("expired", report.Expired),
		zap.Int("relinked", report.Relinked),
		zap.Int("flagged", report.Flagged),
		zap.Int("replayed", report.Replayed),
		zap.Int("replay_failures", report.ReplayFailures),
		zap.Error(err),
	)
	return report, err
}

// ExpireStale moves PENDING registrations past their TTL to EXPIRED.
func (r *Reconciler) ExpireStale(ctx context.Context) (int64, error) {
	n, err := r.store.Repos().Registrations.ExpireStale(ctx, r.now().UTC(), r.opts.BatchSize)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("expire_stale", "error").Inc()
		return 0, fmt.Errorf("failed to expire stale registrations: %w", err)
	}
	metrics.ReconcileRuns.WithLabelValues("expire_stale", "ok").Inc()
	if n > 0 {
		r.logger.Info("expired stale registrations", zap.Int64("count", n))
	}
	return n, nil
}

// RepairOrphans relinks tenants whose registration was left PENDING although
// their subscription exists. Anything else is flagged ORPHANED for support.
func (r *Reconciler) RepairOrphans(ctx context.Context) (relinked, flagged int, err error) {
	olderThan := r.now().UTC().Add(-r.opts.OrphanGrace)
	orphans, err := r.store.Repos().Tenants.ListOrphans(ctx, olderThan, r.opts.BatchSize)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("repair_orphans", "error").Inc()
		return 0, 0, fmt.Errorf("failed to list orphan tenants: %w", err)
	}

	for _, t := range orphans {
		ok, err := r.relink(ctx, t)
		if err != nil {
			metrics.ReconcileRuns.WithLabelValues("repair_orphans", "error").Inc()
			return relinked, flagged, err
		}
		if ok {
			relinked++
			continue
		}
		if err := r.store.Repos().Tenants.UpdateStatus(ctx, t.ID, tenant.StatusOrphaned); err != nil {
			metrics.ReconcileRuns.WithLabelValues("repair_orphans", "error").Inc()
			return relinked, flagged, fmt.Errorf("failed to flag orphan tenant: %w", err)
		}
		flagged++
		r.logger.Warn("tenant flagged as orphaned", zap.String("tenant_id", t.ID), zap.String("name", t.Name))
	}
	metrics.ReconcileRuns.WithLabelValues("repair_orphans", "ok").Inc()
	return relinked, flagged, nil
}

func (r *Reconciler) relink(ctx context.Context, t tenant.Tenant) (bool, error) {
	var relinked bool
	err := r.store.Run(ctx, func(repos repository.Repositories) error {
		if _, err := repos.Subscriptions.FindByTenant(ctx, t.ID); err != nil {
			if errors.Is(err, xerrors.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("failed to load subscription: %w", err)
		}

		admin, err := repos.Users.FindAdminByTenant(ctx, t.ID)
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load tenant admin: %w", err)
		}

		pending, err := repos.Registrations.FindLatestByEmail(ctx, admin.Email)
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load registration: %w", err)
		}
		// expiry is terminal, so only PENDING rows can be completed here
		if pending.Status != registration.StatusPending {
			return nil
		}

		if err := repos.Registrations.MarkCompleted(ctx, pending.ID, t.ID, r.now().UTC()); err != nil {
			return fmt.Errorf("failed to relink registration: %w", err)
		}
		relinked = true
		r.logger.Info("relinked orphan tenant",
			zap.String("tenant_id", t.ID),
			zap.String("pending_registration_id", pending.ID),
		)
		return nil
	})
	return relinked, err
}

// ReplayStuckEvents re-dispatches events left RECEIVED longer than the stale
// age. A failing replay is logged and the sweep continues.
func (r *Reconciler) ReplayStuckEvents(ctx context.Context) (replayed, failures int, err error) {
	olderThan := r.now().UTC().Add(-r.opts.StaleEventAge)
	stuck, err := r.store.Repos().Events.ListStale(ctx, olderThan, r.opts.BatchSize)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("replay_events", "error").Inc()
		return 0, 0, fmt.Errorf("failed to list stale events: %w", err)
	}

	for _, ev := range stuck {
		if ctx.Err() != nil {
			break
		}
		ack, err := r.replayer.Replay(ctx, ev.ID)
		if err != nil {
			failures++
			r.logger.Warn("event replay failed",
				zap.String("event_id", ev.ID),
				zap.String("provider_event_id", ev.ProviderEventID),
				zap.Error(err),
			)
			continue
		}
		replayed++
		r.logger.Info("event replayed",
			zap.String("provider_event_id", ev.ProviderEventID),
			zap.String("outcome", string(ack.Outcome)),
		)
	}

	result := "ok"
	if failures > 0 {
		result = "partial"
	}
	metrics.ReconcileRuns.WithLabelValues("replay_events", result).Inc()
	return replayed, failures, nil
}
