// Package experiment defines the logical crowd experiment and its derived state.
package experiment

// Population declares that an experiment should run on one named platform,
// together with the parameters shaping the task there. It has no lifecycle of
// its own; it lives embedded in the experiment.
type Population struct {
	Platform string `json:"platform"`
	// Properties carries platform-specific task shaping (e.g. qualification
	// requirements, listing category). Opaque to the orchestration core.
	Properties map[string]string `json:"properties,omitempty"`
}

// Experiment is the logical task definition handed to the orchestrator. The
// orchestrator treats it as an immutable value; ownership stays with the REST
// and persistence layers.
type Experiment struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`

	// Payments are in the smallest currency unit of the paying platform.
	BasePayment      int `json:"base_payment"`
	PaymentPerAnswer int `json:"payment_per_answer"`
	PaymentPerRating int `json:"payment_per_rating"`

	NeededAnswers    int `json:"needed_answers"`
	AnswersPerWorker int `json:"answers_per_worker"`

	Populations []Population `json:"populations"`
}

// PopulationFor returns the population targeting the named platform, if any.
func (e *Experiment) PopulationFor(platform string) (Population, bool) {
	for _, p := range e.Populations {
		if p.Platform == platform {
			return p, true
		}
	}
	return Population{}, false
}
