package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Krau5e/CrowdGate/internal/domain"
	"github.com/Krau5e/CrowdGate/internal/domain/association"
	"github.com/Krau5e/CrowdGate/internal/domain/experiment"
	"github.com/Krau5e/CrowdGate/internal/port/cache"
	"github.com/Krau5e/CrowdGate/internal/port/crowd"
	"github.com/Krau5e/CrowdGate/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Operator *service.ExperimentOperator
	Manager  *service.PlatformManager

	// Cache holds rendered experiment state documents; nil disables caching.
	Cache    cache.Cache
	StateTTL time.Duration
}

// NewHandlers creates the handler set. cache may be nil.
func NewHandlers(op *service.ExperimentOperator, m *service.PlatformManager, c cache.Cache, stateTTL time.Duration) *Handlers {
	return &Handlers{Operator: op, Manager: m, Cache: c, StateTTL: stateTTL}
}

// ---------------------------------------------------------------------------
// Platforms
// ---------------------------------------------------------------------------

// ListPlatforms returns every registered platform with its capabilities.
func (h *Handlers) ListPlatforms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Manager.Platforms())
}

type workerResponse struct {
	WorkerID string `json:"worker_id"`
}

// IdentifyWorker resolves a worker identity from the request's query
// parameters, the way the platform delivers them on task callbacks.
func (h *Handlers) IdentifyWorker(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")
	id, err := h.Manager.IdentifyWorker(name, r.URL.Query())
	if err != nil {
		if errors.Is(err, crowd.ErrUnidentifiedWorker) {
			writeError(w, http.StatusNotFound, "worker could not be identified")
			return
		}
		writeDomainError(w, err, "platform not found")
		return
	}
	writeJSON(w, http.StatusOK, workerResponse{WorkerID: id})
}

// ---------------------------------------------------------------------------
// Experiment lifecycle
// ---------------------------------------------------------------------------

type populationResult struct {
	Platform  string `json:"platform"`
	Published bool   `json:"published"`
	Error     string `json:"error,omitempty"`
}

type publishResponse struct {
	ExperimentID string             `json:"experiment_id"`
	Results      []populationResult `json:"results"`
	Error        string             `json:"error,omitempty"`
}

// PublishExperiment rolls the experiment out across all of its populations.
// A partial failure rolls the rollout back; the per-population results report
// what happened on each platform either way.
func (h *Handlers) PublishExperiment(w http.ResponseWriter, r *http.Request) {
	exp, ok := readJSON[experiment.Experiment](w, r)
	if !ok {
		return
	}
	if !requireField(w, exp.ID, "id") {
		return
	}
	if len(exp.Populations) == 0 {
		writeError(w, http.StatusBadRequest, "at least one population is required")
		return
	}

	results, err := h.Operator.StartExperiment(r.Context(), &exp)
	h.invalidateState(r.Context(), exp.ID)

	resp := publishResponse{ExperimentID: exp.ID, Results: toPopulationResults(results)}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, publishFailureStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func toPopulationResults(results []service.PopulationResult) []populationResult {
	out := make([]populationResult, 0, len(results))
	for _, r := range results {
		pr := populationResult{Platform: r.Platform, Published: r.Err == nil}
		if r.Err != nil {
			pr.Error = r.Err.Error()
		}
		out = append(out, pr)
	}
	return out
}

func publishFailureStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknownPlatform):
		return http.StatusBadRequest
	case crowd.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// StopExperiment takes the experiment's tasks off all platforms and schedules
// the post-cooldown finalization. Answers in flight keep draining until then.
func (h *Handlers) StopExperiment(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	err := h.Operator.EndExperiment(r.Context(), &experiment.Experiment{ID: id})
	h.invalidateState(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "experiment not found")
		return
	}
	h.writeState(r.Context(), w, id, http.StatusAccepted)
}

// CreativeStopExperiment stops the experiment from accepting new creative
// answers; rating work continues until the experiment is stopped.
func (h *Handlers) CreativeStopExperiment(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	err := h.Operator.CreativeStopExperiment(r.Context(), &experiment.Experiment{ID: id})
	h.invalidateState(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "experiment not found")
		return
	}
	h.writeState(r.Context(), w, id, http.StatusAccepted)
}

// UpdateExperiment pushes changed experiment fields to every platform the
// experiment is published on.
func (h *Handlers) UpdateExperiment(w http.ResponseWriter, r *http.Request) {
	exp, ok := readJSON[experiment.Experiment](w, r)
	if !ok {
		return
	}
	exp.ID = urlParam(r, "id")

	statuses, err := h.Manager.ExperimentStatuses(r.Context(), exp.ID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if len(statuses) == 0 {
		writeError(w, http.StatusNotFound, "experiment not found")
		return
	}

	var errs []error
	for platform := range statuses {
		if err := h.Manager.UpdateTask(r.Context(), platform, &exp); err != nil {
			errs = append(errs, err)
		}
	}
	h.invalidateState(r.Context(), exp.ID)
	if len(errs) > 0 {
		writeDomainError(w, errors.Join(errs...), "experiment not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"experiment_id": exp.ID})
}

// ---------------------------------------------------------------------------
// Experiment state
// ---------------------------------------------------------------------------

type stateResponse struct {
	ExperimentID string            `json:"experiment_id"`
	State        string            `json:"state"`
	Platforms    map[string]string `json:"platforms"`
}

// GetExperimentState returns the per-platform statuses and the state derived
// from them. Responses are cached briefly; lifecycle operations invalidate.
func (h *Handlers) GetExperimentState(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	if h.Cache != nil {
		if b, ok, err := h.Cache.Get(r.Context(), stateCacheKey(id)); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(b)
			return
		}
	}
	h.writeState(r.Context(), w, id, http.StatusOK)
}

func (h *Handlers) writeState(ctx context.Context, w http.ResponseWriter, id string, status int) {
	resp, err := h.experimentState(ctx, id)
	if err != nil {
		writeDomainError(w, err, "experiment not found")
		return
	}
	if h.Cache != nil {
		if b, err := json.Marshal(resp); err == nil {
			_ = h.Cache.Set(ctx, stateCacheKey(id), b, h.StateTTL)
		}
	}
	writeJSON(w, status, resp)
}

func (h *Handlers) experimentState(ctx context.Context, id string) (stateResponse, error) {
	statuses, err := h.Manager.ExperimentStatuses(ctx, id)
	if err != nil {
		return stateResponse{}, err
	}
	if len(statuses) == 0 {
		return stateResponse{}, service.ErrNeverPublished
	}

	platforms := make(map[string]string, len(statuses))
	list := make([]association.Status, 0, len(statuses))
	for p, s := range statuses {
		platforms[p] = string(s)
		list = append(list, s)
	}

	return stateResponse{
		ExperimentID: id,
		State:        string(experiment.DeriveState(list)),
		Platforms:    platforms,
	}, nil
}

func (h *Handlers) invalidateState(ctx context.Context, id string) {
	if h.Cache != nil {
		_ = h.Cache.Delete(ctx, stateCacheKey(id))
	}
}

func stateCacheKey(id string) string { return "expstate:" + id }

// ListAssociations returns the experiment's platform associations, including
// the opaque task handles.
func (h *Handlers) ListAssociations(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	assocs, err := h.Manager.Associations(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if len(assocs) == 0 {
		writeError(w, http.StatusNotFound, "experiment not found")
		return
	}
	writeJSON(w, http.StatusOK, assocs)
}

// TaskURL returns the worker-facing link for the experiment's task on one
// platform.
func (h *Handlers) TaskURL(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	platform := r.URL.Query().Get("platform")
	if !requireField(w, platform, "platform") {
		return
	}
	url, err := h.Manager.TaskURL(platform, &experiment.Experiment{ID: id})
	if err != nil {
		writeDomainError(w, err, "platform not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// ---------------------------------------------------------------------------
// Payments
// ---------------------------------------------------------------------------

type payRequest struct {
	Platform   string                 `json:"platform"`
	Experiment *experiment.Experiment `json:"experiment,omitempty"`
	Jobs       []crowd.PaymentJob     `json:"jobs"`
}

// PayExperiment submits the payment jobs for one platform of a finished
// experiment. The job set is verified against the worker directory before any
// money moves.
func (h *Handlers) PayExperiment(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[payRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Platform, "platform") {
		return
	}
	if len(req.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one payment job is required")
		return
	}

	exp := req.Experiment
	if exp == nil {
		exp = &experiment.Experiment{}
	}
	exp.ID = id

	if err := h.Manager.PayExperiment(r.Context(), req.Platform, exp, req.Jobs); err != nil {
		writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"experiment_id": id,
		"platform":      req.Platform,
		"workers":       len(req.Jobs),
	})
}

// writePaymentError treats unclassified payment failures as client errors:
// after the sentinel and platform-failure cases, what remains is the job set
// failing verification.
func writePaymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownPlatform):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "experiment not found on platform")
	case crowd.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case crowd.IsPermanent(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
