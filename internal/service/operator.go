package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/Krau5e/CrowdGate/internal/adapter/otel"
	"github.com/Krau5e/CrowdGate/internal/domain/association"
	"github.com/Krau5e/CrowdGate/internal/domain/experiment"
	"github.com/Krau5e/CrowdGate/internal/port/eventbus"
)

// ErrNeverPublished is returned when a lifecycle operation targets an
// experiment that has no association on any platform.
var ErrNeverPublished = errors.New("experiment was never published")

// CompensationError reports that rolling back one already-published platform
// failed after a later publish aborted the rollout. The experiment is left in
// a mixed state that needs operator attention.
type CompensationError struct {
	Platform string
	Err      error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation on %s failed: %v", e.Platform, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// PopulationResult is the outcome of publishing one population.
type PopulationResult struct {
	Platform    string
	Association *association.Association
	Err         error
}

// ExperimentOperator drives the experiment lifecycle: the sequential publish
// across populations with rollback on failure, the all-platform shutdown, and
// the creative stop. It never talks to a platform or the database directly;
// every effect goes through the platform manager.
type ExperimentOperator struct {
	manager  *PlatformManager
	bus      eventbus.Bus
	cooldown time.Duration
	metrics  *otel.Metrics
	log      *slog.Logger
}

// NewExperimentOperator creates the operator. cooldown is how long finished
// tasks drain before the experiment is finalized; metrics may be nil.
func NewExperimentOperator(manager *PlatformManager, bus eventbus.Bus, cooldown time.Duration, metrics *otel.Metrics, log *slog.Logger) *ExperimentOperator {
	if log == nil {
		log = slog.Default()
	}
	return &ExperimentOperator{
		manager:  manager,
		bus:      bus,
		cooldown: cooldown,
		metrics:  metrics,
		log:      log,
	}
}

// StartExperiment publishes the experiment on every population's platform,
// one at a time in declaration order. The first failure aborts the rollout
// and rolls the already-published platforms back in reverse order; their
// per-population results carry what happened. The experiment goes live only
// when every population published.
func (o *ExperimentOperator) StartExperiment(ctx context.Context, exp *experiment.Experiment) ([]PopulationResult, error) {
	if len(exp.Populations) == 0 {
		return nil, fmt.Errorf("experiment %s has no populations", exp.ID)
	}

	ctx, span := otel.StartPublishSpan(ctx, exp.ID, len(exp.Populations))
	defer span.End()

	results := make([]PopulationResult, 0, len(exp.Populations))
	for _, pop := range exp.Populations {
		a, err := o.manager.PublishTask(ctx, pop.Platform, exp)
		results = append(results, PopulationResult{Platform: pop.Platform, Association: a, Err: err})
		if err == nil {
			continue
		}

		span.SetStatus(codes.Error, err.Error())
		o.log.Error("experiment rollout aborted",
			"experiment", exp.ID, "platform", pop.Platform, "error", err)

		stuck, compErr := o.compensate(ctx, exp.ID, results[:len(results)-1])
		o.emitState(ctx, eventbus.SubjectExperimentInvalid, exp.ID, stuck)
		if compErr != nil {
			return results, errors.Join(
				fmt.Errorf("publish %s on %s: %w", exp.ID, pop.Platform, err),
				compErr,
			)
		}
		return results, fmt.Errorf("publish %s on %s: %w", exp.ID, pop.Platform, err)
	}

	o.emitState(ctx, eventbus.SubjectExperimentPublished, exp.ID, nil)
	o.log.Info("experiment published", "experiment", exp.ID, "populations", len(results))
	return results, nil
}

// compensate rolls back the already-published platforms in reverse order.
// Each platform is unpublished and finalized back-to-back: a task that never
// collected answers has nothing to drain, so no cooldown applies. Best
// effort: a failure flags the platform degraded and moves on to the next.
// The returned list names the platforms whose rollback failed.
func (o *ExperimentOperator) compensate(ctx context.Context, experimentID string, published []PopulationResult) ([]string, error) {
	var stuck []string
	var errs []error
	for i := len(published) - 1; i >= 0; i-- {
		r := published[i]
		if r.Err != nil {
			continue
		}

		err := o.manager.UnpublishTask(ctx, r.Platform, experimentID)
		if err == nil {
			err = o.manager.FinalizePlatform(ctx, r.Platform, experimentID)
		}
		if err != nil {
			stuck = append(stuck, r.Platform)
			errs = append(errs, &CompensationError{Platform: r.Platform, Err: err})
			if derr := o.manager.MarkDegraded(ctx, r.Platform, experimentID); derr != nil {
				o.log.Error("degraded flag failed",
					"experiment", experimentID, "platform", r.Platform, "error", derr)
			}
			continue
		}

		if o.metrics != nil {
			o.metrics.Compensations.Add(ctx, 1)
		}
		o.log.Info("publish rolled back", "experiment", experimentID, "platform", r.Platform)
	}
	return stuck, errors.Join(errs...)
}

// EndExperiment takes the experiment's tasks off every platform and schedules
// the finalization after the cooldown. Unlike the start, this attempts every
// platform even after failures: a broken platform must not keep the others
// live. A repeat call retries whatever is still running; once every platform
// drains it is a no-op.
func (o *ExperimentOperator) EndExperiment(ctx context.Context, exp *experiment.Experiment) error {
	statuses, err := o.manager.ExperimentStatuses(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("end %s: %w", exp.ID, err)
	}
	if len(statuses) == 0 {
		return fmt.Errorf("end %s: %w", exp.ID, ErrNeverPublished)
	}

	// The no-op applies only once every platform is draining or done. A
	// retry after a partial shutdown still has live platforms to take down,
	// and the unpublish below is idempotent for the ones already drained.
	drained := true
	for _, st := range statuses {
		if st != association.StatusShutdown && !st.Terminal() {
			drained = false
			break
		}
	}
	if drained {
		o.log.Info("experiment already shutting down", "experiment", exp.ID)
		return nil
	}

	start := time.Now()
	var errs []error
	for platform := range statuses {
		if err := o.manager.UnpublishTask(ctx, platform, exp.ID); err != nil {
			errs = append(errs, fmt.Errorf("unpublish %s: %w", platform, err))
			o.log.Error("unpublish failed during shutdown",
				"experiment", exp.ID, "platform", platform, "error", err)
		}
	}

	// The schedule is written even when some platforms failed: the finalizer
	// retries them after the cooldown and flags whatever is still stuck.
	if err := o.manager.ScheduleFinalize(ctx, exp.ID, time.Now().Add(o.cooldown)); err != nil {
		errs = append(errs, fmt.Errorf("schedule finalize: %w", err))
	}

	if o.metrics != nil {
		o.metrics.ShutdownDuration.Record(ctx, time.Since(start).Seconds())
	}
	if len(errs) > 0 {
		return fmt.Errorf("end %s: %w", exp.ID, errors.Join(errs...))
	}
	o.log.Info("experiment ended, draining",
		"experiment", exp.ID, "cooldown", o.cooldown)
	return nil
}

// CreativeStopExperiment stops every platform from accepting new creative
// answers while ratings continue. Attempts all platforms.
func (o *ExperimentOperator) CreativeStopExperiment(ctx context.Context, exp *experiment.Experiment) error {
	statuses, err := o.manager.ExperimentStatuses(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("creative stop %s: %w", exp.ID, err)
	}
	if len(statuses) == 0 {
		return fmt.Errorf("creative stop %s: %w", exp.ID, ErrNeverPublished)
	}

	var errs []error
	for platform, st := range statuses {
		if st != association.StatusRunning {
			continue
		}
		if err := o.manager.StopAcceptingWorkers(ctx, platform, exp.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("creative stop %s: %w", exp.ID, errors.Join(errs...))
	}
	return nil
}

// emitState publishes the experiment's derived state on the bus. Event
// emission is observational: a bus failure is logged, never propagated into
// the lifecycle result.
func (o *ExperimentOperator) emitState(ctx context.Context, subject, experimentID string, stuck []string) {
	statuses, err := o.manager.ExperimentStatuses(ctx, experimentID)
	if err != nil {
		o.log.Error("state emit skipped", "experiment", experimentID, "error", err)
		return
	}

	payload := eventbus.ExperimentStatePayload{
		ExperimentID: experimentID,
		State:        string(deriveFromMap(statuses)),
		Platforms:    statusStrings(statuses),
		Stuck:        stuck,
		OccurredAt:   time.Now().UTC(),
	}
	if err := o.bus.Emit(ctx, subject, payload); err != nil {
		o.log.Error("event emit failed", "subject", subject, "experiment", experimentID, "error", err)
	}
}

func deriveFromMap(statuses map[string]association.Status) experiment.State {
	list := make([]association.Status, 0, len(statuses))
	for _, s := range statuses {
		list = append(list, s)
	}
	return experiment.DeriveState(list)
}

func statusStrings(statuses map[string]association.Status) map[string]string {
	out := make(map[string]string, len(statuses))
	for p, s := range statuses {
		out[p] = string(s)
	}
	return out
}
