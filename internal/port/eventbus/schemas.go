package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Subject constants for experiment lifecycle events.
const (
	SubjectExperimentPublished = "experiments.published"
	SubjectExperimentStopped   = "experiments.stopped"
	SubjectExperimentInvalid   = "experiments.invalid"
	SubjectPaymentDue          = "payments.due"
)

// ExperimentStatePayload is the schema for experiments.* messages.
type ExperimentStatePayload struct {
	ExperimentID string `json:"experiment_id"`
	State        string `json:"state"`
	// Platforms maps platform name to its current association status.
	Platforms map[string]string `json:"platforms,omitempty"`
	// Stuck lists platforms whose teardown failed and that need manual
	// operator attention.
	Stuck      []string  `json:"stuck,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PaymentDuePayload is the schema for payments.due messages.
type PaymentDuePayload struct {
	ExperimentID string `json:"experiment_id"`
	Platform     string `json:"platform"`
}

// Validate checks whether data is valid JSON conforming to the schema of the
// given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var target any
	switch subject {
	case SubjectExperimentPublished, SubjectExperimentStopped, SubjectExperimentInvalid:
		target = &ExperimentStatePayload{}
	case SubjectPaymentDue:
		target = &PaymentDuePayload{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}
