// Package crowd defines the crowd platform port: the capability contract a
// marketplace adapter implements, plus payment and worker identification
// capabilities and the adapter registry.
package crowd

import (
	"context"
	"encoding/json"

	"github.com/Krau5e/CrowdGate/internal/domain/experiment"
)

// Capabilities declares what a platform supports. It is resolved once at
// registration so callers can branch on flags instead of probing at runtime.
type Capabilities struct {
	Calibration          bool `json:"calibration"`
	Payment              bool `json:"payment"`
	WorkerIdentification bool `json:"worker_identification"`
}

// Platform is the port interface for one external crowd-work marketplace.
//
// Every task operation takes a context and blocks only its calling goroutine;
// cancellation and timeouts travel through ctx. A deadline exceeded is a
// transient failure. The contract mandates no built-in retry: retry policy
// belongs to the caller.
type Platform interface {
	// Name returns the unique identifier for this platform (e.g. "mturk").
	// It must match [a-z0-9_]+ and never change; the persistence layer and
	// worker-facing URLs key on it.
	Name() string

	// Capabilities returns what this platform supports.
	Capabilities() Capabilities

	// PublishTask creates the task on the marketplace and returns the opaque
	// handle needed to address it later. Returning an empty handle is not
	// permitted. At most one publish per (experiment, platform) pair.
	PublishTask(ctx context.Context, exp *experiment.Experiment) (json.RawMessage, error)

	// UnpublishTask closes the task so no further worker submissions are
	// accepted. It must treat an already-unpublished handle as success,
	// because compensation may retry after a partial failure whose exact
	// end state is unknown.
	UnpublishTask(ctx context.Context, handle json.RawMessage) error

	// UpdateTask applies changed experiment parameters to a live task. It
	// may return a new handle if the platform requires re-creation.
	UpdateTask(ctx context.Context, handle json.RawMessage, exp *experiment.Experiment) (json.RawMessage, error)

	// TaskURL returns a link where workers can reach the published task.
	TaskURL(exp *experiment.Experiment) string

	// Payment returns the platform's own payment capability, or false if the
	// caller must fall back to the platform-agnostic default.
	Payment() (Payment, bool)

	// WorkerIdentification returns the platform's own worker identification,
	// or false if the caller must fall back to the default.
	WorkerIdentification() (WorkerIdentification, bool)
}

// PaymentJob maps one worker to the amount they earned, in the smallest unit
// of the platform currency. Workers whose answers were rejected carry an
// amount below the experiment's base payment.
type PaymentJob struct {
	WorkerID string `json:"worker_id"`
	Amount   int    `json:"amount"`
}

// Payment is the capability to pay workers for a finished experiment.
type Payment interface {
	// PayExperiment submits payment for every worker in jobs. handle is the
	// external task handle the experiment ran under.
	PayExperiment(ctx context.Context, handle json.RawMessage, exp *experiment.Experiment, jobs []PaymentJob) error

	// Currency returns the ISO 4217 numeric code payments are made in.
	Currency() int
}

// WorkerIdentification resolves the worker identity out of the request
// parameters a platform sends when a worker opens a task.
type WorkerIdentification interface {
	// IdentifyWorker returns the platform-scoped worker identifier.
	// It must return ErrUnidentifiedWorker (possibly wrapped) when params
	// do not identify a worker; identity is payment-relevant and must not
	// silently default.
	IdentifyWorker(params map[string][]string) (string, error)
}

// WorkerIdentificationFunc adapts a plain function to WorkerIdentification.
type WorkerIdentificationFunc func(params map[string][]string) (string, error)

// IdentifyWorker implements WorkerIdentification.
func (f WorkerIdentificationFunc) IdentifyWorker(params map[string][]string) (string, error) {
	return f(params)
}
