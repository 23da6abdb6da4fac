package experiment

import "github.com/Krau5e/CrowdGate/internal/domain/association"

// State is the derived state of an experiment. It is never stored; it is
// computed by folding the current status of every platform association the
// experiment has.
type State string

const (
	// StateDraft: no association has been published yet.
	StateDraft State = "DRAFT"
	// StatePublished: every association is live. shutdown counts as
	// still-published-but-draining, so a mix of running and shutdown is
	// still PUBLISHED.
	StatePublished State = "PUBLISHED"
	// StateCreativeStopped: every association stopped accepting new answers.
	StateCreativeStopped State = "CREATIVE_STOPPED"
	// StateStopped: every association is finished.
	StateStopped State = "STOPPED"
	// StateInvalid: statuses disagree. Signals a partially failed rollout
	// that needs operator attention.
	StateInvalid State = "INVALID"
)

// DeriveState folds the current statuses of an experiment's associations into
// the experiment state. Associations that were never created do not
// participate: a population whose publish failed leaves no status behind.
func DeriveState(statuses []association.Status) State {
	if len(statuses) == 0 {
		return StateDraft
	}

	counts := make(map[association.Status]int, len(statuses))
	for _, s := range statuses {
		counts[s]++
	}

	published := counts[association.StatusRunning] + counts[association.StatusShutdown]
	switch {
	case published == len(statuses):
		return StatePublished
	case counts[association.StatusDraft] == len(statuses):
		return StateDraft
	case counts[association.StatusCreativeStopping] == len(statuses):
		return StateCreativeStopped
	case counts[association.StatusFinished] == len(statuses):
		return StateStopped
	}
	return StateInvalid
}
