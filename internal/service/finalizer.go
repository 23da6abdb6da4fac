package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Krau5e/CrowdGate/internal/adapter/otel"
	"github.com/Krau5e/CrowdGate/internal/domain/association"
	"github.com/Krau5e/CrowdGate/internal/port/eventbus"
)

// Finalizer completes ended experiments once their cooldown elapsed. The
// schedule lives in the database, so a restart resumes pending finalizations
// instead of losing them with the process.
type Finalizer struct {
	manager *PlatformManager
	bus     eventbus.Bus
	poll    time.Duration
	sem     *semaphore.Weighted
	metrics *otel.Metrics
	log     *slog.Logger
	now     func() time.Time // for testing
}

// NewFinalizer creates the finalizer. parallel bounds how many experiments
// are finalized concurrently per poll; metrics may be nil.
func NewFinalizer(manager *PlatformManager, bus eventbus.Bus, poll time.Duration, parallel int, metrics *otel.Metrics, log *slog.Logger) *Finalizer {
	if parallel < 1 {
		parallel = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Finalizer{
		manager: manager,
		bus:     bus,
		poll:    poll,
		sem:     semaphore.NewWeighted(int64(parallel)),
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

// Run polls for due finalizations until ctx is cancelled. One poll that
// errors is logged and retried on the next tick.
func (f *Finalizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	f.log.Info("finalizer started", "poll", f.poll)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.Tick(ctx); err != nil && ctx.Err() == nil {
				f.log.Error("finalizer poll failed", "error", err)
			}
		}
	}
}

// Tick processes every experiment whose cooldown has elapsed. Exported so
// callers (and tests) can force a pass without waiting for the ticker.
func (f *Finalizer) Tick(ctx context.Context) error {
	due, err := f.manager.DueFinalizations(ctx, f.now())
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, experimentID := range due {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer f.sem.Release(1)
			f.finalize(ctx, id)
		}(experimentID)
	}
	wg.Wait()
	return nil
}

// finalize drives one experiment to its terminal state: platforms that are
// still live get one more unpublish attempt (the shutdown may have partially
// failed), then every draining association is promoted to finished. Whatever
// still resists is flagged degraded and reported as stuck; the experiment is
// finalized around it rather than being retried forever.
func (f *Finalizer) finalize(ctx context.Context, experimentID string) {
	ctx, span := otel.StartFinalizeSpan(ctx, experimentID)
	defer span.End()

	statuses, err := f.manager.ExperimentStatuses(ctx, experimentID)
	if err != nil {
		f.log.Error("finalize aborted", "experiment", experimentID, "error", err)
		return
	}

	var stuck []string
	for platform, st := range statuses {
		// running: the shutdown attempt failed earlier, retry it.
		// creative_stopping: the task is still live for ratings and comes
		// down now that the drain is over.
		if st == association.StatusRunning || st == association.StatusCreativeStopping {
			if err := f.manager.UnpublishTask(ctx, platform, experimentID); err != nil {
				f.flagStuck(ctx, experimentID, platform, err)
				stuck = append(stuck, platform)
				continue
			}
		}
		if err := f.manager.FinalizePlatform(ctx, platform, experimentID); err != nil {
			f.flagStuck(ctx, experimentID, platform, err)
			stuck = append(stuck, platform)
		}
	}

	refreshed, err := f.manager.ExperimentStatuses(ctx, experimentID)
	if err != nil {
		f.log.Error("finalize state readback failed", "experiment", experimentID, "error", err)
		refreshed = statuses
	}

	payload := eventbus.ExperimentStatePayload{
		ExperimentID: experimentID,
		State:        string(deriveFromMap(refreshed)),
		Platforms:    statusStrings(refreshed),
		Stuck:        stuck,
		OccurredAt:   f.now().UTC(),
	}
	if err := f.bus.Emit(ctx, eventbus.SubjectExperimentStopped, payload); err != nil {
		f.log.Error("stopped event emit failed", "experiment", experimentID, "error", err)
	}

	for platform, st := range refreshed {
		if st != association.StatusFinished {
			continue
		}
		due := eventbus.PaymentDuePayload{ExperimentID: experimentID, Platform: platform}
		if err := f.bus.Emit(ctx, eventbus.SubjectPaymentDue, due); err != nil {
			f.log.Error("payment due emit failed",
				"experiment", experimentID, "platform", platform, "error", err)
		}
	}

	if err := f.manager.ClearFinalize(ctx, experimentID); err != nil {
		f.log.Error("finalize clear failed", "experiment", experimentID, "error", err)
		return
	}

	if f.metrics != nil {
		f.metrics.Finalizations.Add(ctx, 1)
	}
	f.log.Info("experiment finalized",
		"experiment", experimentID, "stuck", len(stuck))
}

func (f *Finalizer) flagStuck(ctx context.Context, experimentID, platform string, err error) {
	f.log.Error("platform stuck during finalization",
		"experiment", experimentID, "platform", platform, "error", err)
	if f.metrics != nil {
		f.metrics.StuckPlatforms.Add(ctx, 1)
	}
	if derr := f.manager.MarkDegraded(ctx, platform, experimentID); derr != nil {
		f.log.Error("degraded flag failed",
			"experiment", experimentID, "platform", platform, "error", derr)
	}
}
