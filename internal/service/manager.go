// Package service contains the application services orchestrating experiment
// publication across crowd platforms.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Krau5e/CrowdGate/internal/adapter/otel"
	"github.com/Krau5e/CrowdGate/internal/config"
	"github.com/Krau5e/CrowdGate/internal/domain"
	"github.com/Krau5e/CrowdGate/internal/domain/association"
	"github.com/Krau5e/CrowdGate/internal/domain/experiment"
	"github.com/Krau5e/CrowdGate/internal/port/crowd"
	"github.com/Krau5e/CrowdGate/internal/port/statestore"
	"github.com/Krau5e/CrowdGate/internal/resilience"
)

// ErrUnknownPlatform is returned when an operation names a platform that was
// never registered. This is a configuration fault, not a runtime one: the
// experiment references a platform this deployment does not carry.
var ErrUnknownPlatform = errors.New("unknown platform")

// WorkerDirectory resolves which workers participated in an experiment. It is
// optional; without one, payment jobs are submitted unverified.
type WorkerDirectory interface {
	ExperimentWorkers(ctx context.Context, experimentID string) ([]string, error)
}

// PlatformInfo describes one registered platform for API consumers.
type PlatformInfo struct {
	Name         string             `json:"name"`
	Capabilities crowd.Capabilities `json:"capabilities"`
	// NeedsEmail is true when the platform cannot pay workers itself, so
	// workers must leave an email address for the out-of-band payout.
	NeedsEmail bool `json:"needs_email"`
}

// PlatformManager is the facade in front of the registered platforms. It is
// the only component that writes associations and status history; everything
// above it (the experiment operator, HTTP handlers) goes through here so a
// platform call and its persisted consequence stay in one place.
type PlatformManager struct {
	platforms map[string]crowd.Platform
	breakers  map[string]*resilience.Breaker
	store     statestore.Store

	fallbackPayment crowd.Payment
	fallbackIdent   crowd.WorkerIdentification
	workers         WorkerDirectory
	metrics         *otel.Metrics
	log             *slog.Logger
}

// NewPlatformManager creates the manager over the given platforms. Each
// platform gets its own circuit breaker; explicit platform rejections do not
// count toward opening it. fallbackPayment, fallbackIdent, workers and
// metrics may be nil.
func NewPlatformManager(
	platforms []crowd.Platform,
	store statestore.Store,
	breakerCfg config.Breaker,
	fallbackPayment crowd.Payment,
	fallbackIdent crowd.WorkerIdentification,
	workers WorkerDirectory,
	metrics *otel.Metrics,
	log *slog.Logger,
) (*PlatformManager, error) {
	if log == nil {
		log = slog.Default()
	}

	m := &PlatformManager{
		platforms:       make(map[string]crowd.Platform, len(platforms)),
		breakers:        make(map[string]*resilience.Breaker, len(platforms)),
		store:           store,
		fallbackPayment: fallbackPayment,
		fallbackIdent:   fallbackIdent,
		workers:         workers,
		metrics:         metrics,
		log:             log,
	}

	for _, p := range platforms {
		name := p.Name()
		if name == "" {
			return nil, errors.New("platform with empty name")
		}
		if _, dup := m.platforms[name]; dup {
			return nil, fmt.Errorf("duplicate platform %q", name)
		}
		m.platforms[name] = p
		m.breakers[name] = resilience.NewBreakerWithClassifier(
			breakerCfg.MaxFailures, breakerCfg.Timeout,
			func(err error) bool { return err != nil && !crowd.IsPermanent(err) },
		)
	}
	return m, nil
}

// Platform returns the registered platform by name.
func (m *PlatformManager) Platform(name string) (crowd.Platform, error) {
	p, ok := m.platforms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, name)
	}
	return p, nil
}

// Platforms lists every registered platform sorted by name.
func (m *PlatformManager) Platforms() []PlatformInfo {
	out := make([]PlatformInfo, 0, len(m.platforms))
	for name, p := range m.platforms {
		_, hasPayment := p.Payment()
		out = append(out, PlatformInfo{
			Name:         name,
			Capabilities: p.Capabilities(),
			NeedsEmail:   !hasPayment,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PublishTask publishes the experiment's task on the named platform and
// records the association. The publish only counts once the association with
// its handle is durable: if persistence fails (or another publisher won the
// race), the freshly created external task is torn down again.
func (m *PlatformManager) PublishTask(ctx context.Context, platformName string, exp *experiment.Experiment) (*association.Association, error) {
	p, err := m.Platform(platformName)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartPlatformSpan(ctx, "publish", platformName, exp.ID)
	defer span.End()
	start := time.Now()

	var handle []byte
	err = m.breakers[platformName].Execute(func() error {
		var perr error
		handle, perr = p.PublishTask(ctx, exp)
		if perr != nil {
			return perr
		}
		if len(handle) == 0 {
			return crowd.Permanent(fmt.Errorf("platform %s returned empty handle", platformName))
		}
		return nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = crowd.Transient(err)
	}
	if err != nil {
		m.countPublishFailure(ctx, span, platformName, err)
		return nil, fmt.Errorf("publish on %s: %w", platformName, err)
	}

	a, err := m.store.RecordPublished(ctx, exp.ID, platformName, handle)
	if err != nil {
		// The external task exists but could not be recorded. Undo it so the
		// marketplace does not serve a task the system no longer knows about.
		m.teardown(ctx, p, platformName, exp.ID, handle)
		m.countPublishFailure(ctx, span, platformName, err)
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("publish on %s: %w", platformName, err)
		}
		return nil, fmt.Errorf("record publish on %s: %w", platformName, err)
	}

	if m.metrics != nil {
		m.metrics.TasksPublished.Add(ctx, 1)
		m.metrics.PublishDuration.Record(ctx, time.Since(start).Seconds())
	}
	m.log.Info("task published",
		"experiment", exp.ID, "platform", platformName, "association", a.ID)
	return a, nil
}

// teardown closes an external task outside the normal unpublish flow. Best
// effort: on failure the task is orphaned on the marketplace and flagged for
// the operator.
func (m *PlatformManager) teardown(ctx context.Context, p crowd.Platform, platformName, experimentID string, handle []byte) {
	if err := p.UnpublishTask(ctx, handle); err != nil {
		m.log.Error("orphaned task: teardown failed",
			"experiment", experimentID, "platform", platformName, "error", err)
	}
}

func (m *PlatformManager) countPublishFailure(ctx context.Context, span trace.Span, platformName string, err error) {
	span.SetStatus(codes.Error, err.Error())
	if m.metrics != nil {
		m.metrics.PublishFailures.Add(ctx, 1)
	}
	m.log.Warn("publish failed", "platform", platformName, "error", err)
}

// UnpublishTask closes the experiment's task on the named platform and moves
// the association into the shutdown drain. Already-draining or finished
// associations succeed without another platform call, so retries after a
// partial failure are safe.
func (m *PlatformManager) UnpublishTask(ctx context.Context, platformName, experimentID string) error {
	p, err := m.Platform(platformName)
	if err != nil {
		return err
	}

	a, err := m.store.GetAssociation(ctx, platformName, experimentID)
	if errors.Is(err, domain.ErrNotFound) {
		// The experiment never reached this platform, so there is nothing
		// to take down. Shutdown loops can run against any platform set.
		return nil
	}
	if err != nil {
		return fmt.Errorf("unpublish on %s: %w", platformName, err)
	}

	current, err := m.store.CurrentStatus(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("unpublish on %s: %w", platformName, err)
	}
	// shutdown means the platform call already succeeded; finished means the
	// lifecycle is over. Either way there is nothing left to take down.
	if current == association.StatusShutdown || current.Terminal() {
		return nil
	}

	ctx, span := otel.StartPlatformSpan(ctx, "unpublish", platformName, experimentID)
	defer span.End()

	err = m.breakers[platformName].Execute(func() error {
		return p.UnpublishTask(ctx, a.TaskHandle)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = crowd.Transient(err)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("unpublish on %s: %w", platformName, err)
	}

	// A creative-stopping association is already in its draining branch; the
	// branches never cross, so only a live one moves to shutdown.
	if current != association.StatusCreativeStopping {
		if err := m.store.AppendStatus(ctx, a.ID, association.StatusShutdown); err != nil {
			// A concurrent append may have raced us forward; the platform
			// call already succeeded, so a conflict here is not a failure.
			if !errors.Is(err, domain.ErrConflict) {
				return fmt.Errorf("record unpublish on %s: %w", platformName, err)
			}
		}
	}

	if m.metrics != nil {
		m.metrics.TasksUnpublished.Add(ctx, 1)
	}
	m.log.Info("task unpublished", "experiment", experimentID, "platform", platformName)
	return nil
}

// StopAcceptingWorkers moves the association into creative_stopping: the task
// stays reachable for workers already rating, but new creative answers are no
// longer wanted.
func (m *PlatformManager) StopAcceptingWorkers(ctx context.Context, platformName, experimentID string) error {
	a, err := m.store.GetAssociation(ctx, platformName, experimentID)
	if err != nil {
		return fmt.Errorf("creative stop on %s: %w", platformName, err)
	}
	if err := m.store.AppendStatus(ctx, a.ID, association.StatusCreativeStopping); err != nil {
		return fmt.Errorf("creative stop on %s: %w", platformName, err)
	}
	return nil
}

// FinalizePlatform promotes a draining association to finished. Finished is
// terminal; calling this again is a no-op. A still-running association is a
// conflict: it must be unpublished first.
func (m *PlatformManager) FinalizePlatform(ctx context.Context, platformName, experimentID string) error {
	a, err := m.store.GetAssociation(ctx, platformName, experimentID)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", platformName, err)
	}

	current, err := m.store.CurrentStatus(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", platformName, err)
	}

	switch {
	case current.Terminal():
		return nil
	case current.Draining():
		if err := m.store.AppendStatus(ctx, a.ID, association.StatusFinished); err != nil {
			return fmt.Errorf("finalize %s: %w", platformName, err)
		}
		return nil
	default:
		return fmt.Errorf("finalize %s: status %s is not draining: %w",
			platformName, current, domain.ErrConflict)
	}
}

// UpdateTask pushes changed experiment parameters to the live task. If the
// platform re-creates the task under a new handle, the refreshed handle is
// persisted before the call returns.
func (m *PlatformManager) UpdateTask(ctx context.Context, platformName string, exp *experiment.Experiment) error {
	p, err := m.Platform(platformName)
	if err != nil {
		return err
	}

	a, err := m.store.GetAssociation(ctx, platformName, exp.ID)
	if err != nil {
		return fmt.Errorf("update on %s: %w", platformName, err)
	}

	ctx, span := otel.StartPlatformSpan(ctx, "update", platformName, exp.ID)
	defer span.End()

	var newHandle []byte
	err = m.breakers[platformName].Execute(func() error {
		var uerr error
		newHandle, uerr = p.UpdateTask(ctx, a.TaskHandle, exp)
		return uerr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = crowd.Transient(err)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("update on %s: %w", platformName, err)
	}

	if len(newHandle) > 0 && string(newHandle) != string(a.TaskHandle) {
		if err := m.store.SetTaskHandle(ctx, a.ID, newHandle); err != nil {
			return fmt.Errorf("record new handle on %s: %w", platformName, err)
		}
		m.log.Info("task handle refreshed", "experiment", exp.ID, "platform", platformName)
	}
	return nil
}

// TaskURL returns the worker-facing link for the experiment's task.
func (m *PlatformManager) TaskURL(platformName string, exp *experiment.Experiment) (string, error) {
	p, err := m.Platform(platformName)
	if err != nil {
		return "", err
	}
	return p.TaskURL(exp), nil
}

// IdentifyWorker resolves the worker identity from platform request
// parameters, using the platform's own identification or the configured
// fallback. A missing identity is crowd.ErrUnidentifiedWorker, never a guess.
func (m *PlatformManager) IdentifyWorker(platformName string, params map[string][]string) (string, error) {
	p, err := m.Platform(platformName)
	if err != nil {
		return "", err
	}

	ident, ok := p.WorkerIdentification()
	if !ok {
		ident = m.fallbackIdent
	}
	if ident == nil {
		return "", fmt.Errorf("platform %s has no worker identification", platformName)
	}

	id, err := ident.IdentifyWorker(params)
	if err != nil {
		return "", fmt.Errorf("identify worker on %s: %w", platformName, err)
	}
	return id, nil
}

// PlatformPayment returns the payment capability for the platform: its own,
// or the configured fallback.
func (m *PlatformManager) PlatformPayment(platformName string) (crowd.Payment, error) {
	p, err := m.Platform(platformName)
	if err != nil {
		return nil, err
	}
	if pay, ok := p.Payment(); ok {
		return pay, nil
	}
	if m.fallbackPayment != nil {
		return m.fallbackPayment, nil
	}
	return nil, fmt.Errorf("platform %s has no payment path", platformName)
}

// NeedsEmail reports whether paying on this platform goes through the email
// fallback instead of a platform-native payment capability.
func (m *PlatformManager) NeedsEmail(platformName string) (bool, error) {
	p, err := m.Platform(platformName)
	if err != nil {
		return false, err
	}
	_, native := p.Payment()
	return !native, nil
}

// PayExperiment submits the payment jobs for a finished experiment. When a
// worker directory is available, the job set must exactly cover the workers
// who participated; a mismatch aborts before any money moves.
func (m *PlatformManager) PayExperiment(ctx context.Context, platformName string, exp *experiment.Experiment, jobs []crowd.PaymentJob) error {
	pay, err := m.PlatformPayment(platformName)
	if err != nil {
		return err
	}

	for _, j := range jobs {
		if j.Amount < 0 {
			return fmt.Errorf("pay %s: negative amount for worker %s", platformName, j.WorkerID)
		}
	}

	if m.workers != nil {
		if err := m.verifyWorkerSet(ctx, exp.ID, jobs); err != nil {
			return fmt.Errorf("pay %s: %w", platformName, err)
		}
	}

	a, err := m.store.GetAssociation(ctx, platformName, exp.ID)
	if err != nil {
		return fmt.Errorf("pay %s: %w", platformName, err)
	}

	ctx, span := otel.StartPlatformSpan(ctx, "pay", platformName, exp.ID)
	defer span.End()

	err = m.breakers[platformName].Execute(func() error {
		return pay.PayExperiment(ctx, a.TaskHandle, exp, jobs)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = crowd.Transient(err)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("pay %s: %w", platformName, err)
	}

	m.log.Info("experiment paid",
		"experiment", exp.ID, "platform", platformName, "workers", len(jobs))
	return nil
}

// verifyWorkerSet checks that jobs and the directory's worker set match
// exactly.
func (m *PlatformManager) verifyWorkerSet(ctx context.Context, experimentID string, jobs []crowd.PaymentJob) error {
	known, err := m.workers.ExperimentWorkers(ctx, experimentID)
	if err != nil {
		return fmt.Errorf("worker directory: %w", err)
	}

	expected := make(map[string]bool, len(known))
	for _, w := range known {
		expected[w] = false
	}
	for _, j := range jobs {
		seen, ok := expected[j.WorkerID]
		if !ok {
			return fmt.Errorf("worker %s did not participate", j.WorkerID)
		}
		if seen {
			return fmt.Errorf("worker %s paid twice", j.WorkerID)
		}
		expected[j.WorkerID] = true
	}
	for w, seen := range expected {
		if !seen {
			return fmt.Errorf("worker %s has no payment job", w)
		}
	}
	return nil
}

// MarkDegraded flags the association for manual operator handling, e.g. after
// its teardown repeatedly failed. The status history is left untouched.
func (m *PlatformManager) MarkDegraded(ctx context.Context, platformName, experimentID string) error {
	a, err := m.store.GetAssociation(ctx, platformName, experimentID)
	if err != nil {
		return fmt.Errorf("mark degraded %s: %w", platformName, err)
	}
	if err := m.store.AppendMode(ctx, a.ID, association.ModeDegraded); err != nil {
		return fmt.Errorf("mark degraded %s: %w", platformName, err)
	}
	m.log.Warn("association degraded", "experiment", experimentID, "platform", platformName)
	return nil
}

// ExperimentStatuses returns the current status of every platform association
// of the experiment.
func (m *PlatformManager) ExperimentStatuses(ctx context.Context, experimentID string) (map[string]association.Status, error) {
	return m.store.CurrentStatuses(ctx, experimentID)
}

// Associations returns every association of the experiment.
func (m *PlatformManager) Associations(ctx context.Context, experimentID string) ([]association.Association, error) {
	return m.store.ListAssociations(ctx, experimentID)
}

// ScheduleFinalize durably records when the experiment becomes eligible for
// finalization. Survives restarts; an earlier existing schedule wins.
func (m *PlatformManager) ScheduleFinalize(ctx context.Context, experimentID string, eligibleAt time.Time) error {
	return m.store.ScheduleFinalize(ctx, experimentID, eligibleAt)
}

// DueFinalizations returns experiments whose cooldown has elapsed.
func (m *PlatformManager) DueFinalizations(ctx context.Context, now time.Time) ([]string, error) {
	return m.store.DueFinalizations(ctx, now)
}

// ClearFinalize removes the experiment's pending finalization.
func (m *PlatformManager) ClearFinalize(ctx context.Context, experimentID string) error {
	return m.store.ClearFinalize(ctx, experimentID)
}
