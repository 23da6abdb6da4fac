package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Krau5e/CrowdGate/internal/domain/association"
	"github.com/Krau5e/CrowdGate/internal/domain/experiment"
	"github.com/Krau5e/CrowdGate/internal/port/crowd"
	"github.com/Krau5e/CrowdGate/internal/port/eventbus"
)

func newTestOperator(t *testing.T, store *memStore, bus *fakeBus, platforms ...crowd.Platform) *ExperimentOperator {
	t.Helper()
	m := newTestManager(t, store, platforms...)
	return NewExperimentOperator(m, bus, 2*time.Hour, nil, nil)
}

func TestStartExperiment_AllPopulationsPublished(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	alpha, beta := newFakePlatform("alpha"), newFakePlatform("beta")
	op := newTestOperator(t, store, bus, alpha, beta)
	ctx := context.Background()

	results, err := op.StartExperiment(ctx, twoPlatformExperiment())
	if err != nil {
		t.Fatalf("StartExperiment: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for _, r := range results {
		if r.Err != nil || r.Association == nil {
			t.Fatalf("unexpected result %+v", r)
		}
	}

	statuses, _ := store.CurrentStatuses(ctx, "exp-1")
	for p, st := range statuses {
		if st != association.StatusRunning {
			t.Fatalf("platform %s is %s, want running", p, st)
		}
	}

	events := bus.bySubject(eventbus.SubjectExperimentPublished)
	if len(events) != 1 {
		t.Fatalf("got %d published events", len(events))
	}
	payload := events[0].payload.(eventbus.ExperimentStatePayload)
	if payload.State != string(experiment.StatePublished) {
		t.Fatalf("event state = %s", payload.State)
	}
}

func TestStartExperiment_EarlyExitWithCompensation(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	alpha := newFakePlatform("alpha")
	beta := newFakePlatform("beta")
	beta.publishErr = crowd.Permanent(errors.New("account suspended"))
	gamma := newFakePlatform("gamma")
	op := newTestOperator(t, store, bus, alpha, beta, gamma)
	ctx := context.Background()

	exp := &experiment.Experiment{
		ID: "exp-1",
		Populations: []experiment.Population{
			{Platform: "alpha"}, {Platform: "beta"}, {Platform: "gamma"},
		},
	}

	results, err := op.StartExperiment(ctx, exp)
	if err == nil {
		t.Fatal("expected rollout error")
	}

	// Early exit: gamma is never attempted.
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if publishes, _ := gamma.counts(); publishes != 0 {
		t.Fatal("platform after the failure must not be attempted")
	}

	// alpha was rolled back: unpublished and finished, no cooldown.
	hist := store.history("alpha", exp.ID)
	if hist[len(hist)-1] != association.StatusFinished {
		t.Fatalf("alpha history = %v, want trailing finished", hist)
	}

	// beta's failed publish left no association behind.
	if got := store.history("beta", exp.ID); got != nil {
		t.Fatalf("beta should have no history, got %v", got)
	}

	// Derived state folds only existing associations: alpha finished => STOPPED.
	statuses, _ := store.CurrentStatuses(ctx, exp.ID)
	if st := deriveFromMap(statuses); st != experiment.StateStopped {
		t.Fatalf("derived state = %s, want STOPPED", st)
	}

	if events := bus.bySubject(eventbus.SubjectExperimentPublished); len(events) != 0 {
		t.Fatal("aborted rollout must not announce a published experiment")
	}

	// The abort itself is announced, with nothing stuck after a clean rollback.
	events := bus.bySubject(eventbus.SubjectExperimentInvalid)
	if len(events) != 1 {
		t.Fatalf("got %d invalid events, want 1", len(events))
	}
	if payload := events[0].payload.(eventbus.ExperimentStatePayload); len(payload.Stuck) != 0 {
		t.Fatalf("clean rollback reported stuck platforms: %v", payload.Stuck)
	}
}

func TestStartExperiment_AbortWithStuckCompensationAnnouncesInvalid(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	alpha := newFakePlatform("alpha")
	alpha.unpublishErr = crowd.Transient(errors.New("gateway timeout"))
	beta := newFakePlatform("beta")
	beta.publishErr = crowd.Permanent(errors.New("rejected"))
	op := newTestOperator(t, store, bus, alpha, beta)

	if _, err := op.StartExperiment(context.Background(), twoPlatformExperiment()); err == nil {
		t.Fatal("expected rollout error")
	}

	events := bus.bySubject(eventbus.SubjectExperimentInvalid)
	if len(events) != 1 {
		t.Fatalf("got %d invalid events, want 1", len(events))
	}
	payload := events[0].payload.(eventbus.ExperimentStatePayload)
	if len(payload.Stuck) != 1 || payload.Stuck[0] != "alpha" {
		t.Fatalf("stuck = %v, want [alpha]", payload.Stuck)
	}
}

func TestStartExperiment_CompensationFailureIsReported(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	alpha := newFakePlatform("alpha")
	alpha.unpublishErr = crowd.Transient(errors.New("gateway timeout"))
	beta := newFakePlatform("beta")
	beta.publishErr = crowd.Permanent(errors.New("rejected"))
	op := newTestOperator(t, store, bus, alpha, beta)
	ctx := context.Background()

	_, err := op.StartExperiment(ctx, twoPlatformExperiment())
	if err == nil {
		t.Fatal("expected error")
	}

	var comp *CompensationError
	if !errors.As(err, &comp) {
		t.Fatalf("expected CompensationError in chain, got %v", err)
	}
	if comp.Platform != "alpha" {
		t.Fatalf("compensation error names %s", comp.Platform)
	}

	// The stuck platform is flagged for the operator.
	modes := store.modeHistory("alpha", "exp-1")
	if len(modes) != 1 || modes[0] != association.ModeDegraded {
		t.Fatalf("expected degraded mode, got %v", modes)
	}

	// alpha is still running: compensation failed before any status append.
	hist := store.history("alpha", "exp-1")
	if hist[len(hist)-1] != association.StatusRunning {
		t.Fatalf("alpha history = %v", hist)
	}
}

func TestStartExperiment_NoPopulations(t *testing.T) {
	op := newTestOperator(t, newMemStore(), &fakeBus{}, newFakePlatform("alpha"))

	if _, err := op.StartExperiment(context.Background(), &experiment.Experiment{ID: "empty"}); err == nil {
		t.Fatal("expected error for experiment without populations")
	}
}

func TestEndExperiment_DrainsAllPlatforms(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	alpha, beta := newFakePlatform("alpha"), newFakePlatform("beta")
	op := newTestOperator(t, store, bus, alpha, beta)
	ctx := context.Background()
	exp := twoPlatformExperiment()

	if _, err := op.StartExperiment(ctx, exp); err != nil {
		t.Fatal(err)
	}
	if err := op.EndExperiment(ctx, exp); err != nil {
		t.Fatalf("EndExperiment: %v", err)
	}

	statuses, _ := store.CurrentStatuses(ctx, exp.ID)
	for p, st := range statuses {
		if st != association.StatusShutdown {
			t.Fatalf("platform %s is %s, want shutdown", p, st)
		}
	}

	// The drain keeps the experiment PUBLISHED until finalization.
	if st := deriveFromMap(statuses); st != experiment.StatePublished {
		t.Fatalf("derived state = %s, want PUBLISHED while draining", st)
	}

	at, ok := store.finalize[exp.ID]
	if !ok {
		t.Fatal("expected a durable finalization schedule")
	}
	if until := time.Until(at); until < time.Hour || until > 3*time.Hour {
		t.Fatalf("eligibility %v away, want ~2h", until)
	}
}

func TestEndExperiment_Idempotent(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	alpha := newFakePlatform("alpha")
	op := newTestOperator(t, store, bus, alpha)
	ctx := context.Background()
	exp := &experiment.Experiment{ID: "exp-1", Populations: []experiment.Population{{Platform: "alpha"}}}

	if _, err := op.StartExperiment(ctx, exp); err != nil {
		t.Fatal(err)
	}
	if err := op.EndExperiment(ctx, exp); err != nil {
		t.Fatal(err)
	}
	if err := op.EndExperiment(ctx, exp); err != nil {
		t.Fatalf("repeated EndExperiment: %v", err)
	}
	if _, unpublishes := alpha.counts(); unpublishes != 1 {
		t.Fatalf("expected 1 unpublish, got %d", unpublishes)
	}
}

func TestEndExperiment_AttemptsAllDespiteFailure(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	alpha := newFakePlatform("alpha")
	beta := newFakePlatform("beta")
	op := newTestOperator(t, store, bus, alpha, beta)
	ctx := context.Background()
	exp := twoPlatformExperiment()

	if _, err := op.StartExperiment(ctx, exp); err != nil {
		t.Fatal(err)
	}

	alpha.mu.Lock()
	alpha.unpublishErr = crowd.Transient(errors.New("unreachable"))
	alpha.mu.Unlock()

	err := op.EndExperiment(ctx, exp)
	if err == nil {
		t.Fatal("expected partial failure to surface")
	}

	// beta still went down, and the schedule exists so the finalizer can
	// retry alpha later.
	statuses, _ := store.CurrentStatuses(ctx, exp.ID)
	if statuses["beta"] != association.StatusShutdown {
		t.Fatalf("beta = %s, want shutdown", statuses["beta"])
	}
	if statuses["alpha"] != association.StatusRunning {
		t.Fatalf("alpha = %s, want running", statuses["alpha"])
	}
	if _, ok := store.finalize[exp.ID]; !ok {
		t.Fatal("finalization must be scheduled despite failures")
	}
}

func TestEndExperiment_RetriesPartialShutdown(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	alpha := newFakePlatform("alpha")
	beta := newFakePlatform("beta")
	op := newTestOperator(t, store, bus, alpha, beta)
	ctx := context.Background()
	exp := twoPlatformExperiment()

	if _, err := op.StartExperiment(ctx, exp); err != nil {
		t.Fatal(err)
	}

	alpha.mu.Lock()
	alpha.unpublishErr = crowd.Transient(errors.New("unreachable"))
	alpha.mu.Unlock()
	if err := op.EndExperiment(ctx, exp); err == nil {
		t.Fatal("expected partial failure to surface")
	}

	alpha.mu.Lock()
	alpha.unpublishErr = nil
	alpha.mu.Unlock()

	// The retry takes alpha down immediately instead of leaving it to the
	// finalizer after the full cooldown.
	if err := op.EndExperiment(ctx, exp); err != nil {
		t.Fatalf("retry after partial shutdown: %v", err)
	}
	statuses, _ := store.CurrentStatuses(ctx, exp.ID)
	if statuses["alpha"] != association.StatusShutdown {
		t.Fatalf("alpha = %s, want shutdown", statuses["alpha"])
	}

	// beta already drained; the retry must not call its platform again.
	if _, unpublishes := beta.counts(); unpublishes != 1 {
		t.Fatalf("beta unpublished %d times, want 1", unpublishes)
	}
}

func TestEndExperiment_NeverPublished(t *testing.T) {
	op := newTestOperator(t, newMemStore(), &fakeBus{}, newFakePlatform("alpha"))

	err := op.EndExperiment(context.Background(), twoPlatformExperiment())
	if err == nil {
		t.Fatal("expected error for never-published experiment")
	}
}

func TestCreativeStopExperiment(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	alpha, beta := newFakePlatform("alpha"), newFakePlatform("beta")
	op := newTestOperator(t, store, bus, alpha, beta)
	ctx := context.Background()
	exp := twoPlatformExperiment()

	if _, err := op.StartExperiment(ctx, exp); err != nil {
		t.Fatal(err)
	}
	if err := op.CreativeStopExperiment(ctx, exp); err != nil {
		t.Fatalf("CreativeStopExperiment: %v", err)
	}

	statuses, _ := store.CurrentStatuses(ctx, exp.ID)
	for p, st := range statuses {
		if st != association.StatusCreativeStopping {
			t.Fatalf("platform %s is %s, want creative_stopping", p, st)
		}
	}
	if st := deriveFromMap(statuses); st != experiment.StateCreativeStopped {
		t.Fatalf("derived state = %s, want CREATIVE_STOPPED", st)
	}
}
