// Package dummy implements an in-memory crowd platform. It accepts every
// task, pays nobody real money, and exists for local development and
// integration tests against the full publish lifecycle.
package dummy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Krau5e/CrowdGate/internal/domain/experiment"
	"github.com/Krau5e/CrowdGate/internal/port/crowd"
)

// handle is the opaque task reference the dummy platform hands out.
type handle struct {
	TaskID string `json:"task_id"`
}

// Platform is an in-memory crowd.Platform.
type Platform struct {
	name    string
	latency time.Duration

	mu    sync.Mutex
	tasks map[string]string // task id -> experiment id, while published
	paid  map[string][]crowd.PaymentJob
}

// New creates a dummy platform. Supported settings:
//
//	name    - platform name (default "dummy")
//	latency - artificial delay per operation, e.g. "50ms"
func New(settings map[string]string) (*Platform, error) {
	p := &Platform{
		name:  "dummy",
		tasks: make(map[string]string),
		paid:  make(map[string][]crowd.PaymentJob),
	}
	if v := settings["name"]; v != "" {
		p.name = v
	}
	if v := settings["latency"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("dummy: invalid latency %q: %w", v, err)
		}
		p.latency = d
	}
	return p, nil
}

func init() {
	crowd.Register("dummy", func(settings map[string]string) (crowd.Platform, error) {
		return New(settings)
	})
}

// Name implements crowd.Platform.
func (p *Platform) Name() string { return p.name }

// Capabilities implements crowd.Platform. The dummy supports everything.
func (p *Platform) Capabilities() crowd.Capabilities {
	return crowd.Capabilities{
		Calibration:          true,
		Payment:              true,
		WorkerIdentification: true,
	}
}

// PublishTask implements crowd.Platform.
func (p *Platform) PublishTask(ctx context.Context, exp *experiment.Experiment) (json.RawMessage, error) {
	if err := p.sleep(ctx); err != nil {
		return nil, crowd.Transient(err)
	}

	h := handle{TaskID: uuid.NewString()}
	p.mu.Lock()
	p.tasks[h.TaskID] = exp.ID
	p.mu.Unlock()

	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// UnpublishTask implements crowd.Platform. Unknown or already-closed handles
// succeed, matching the contract that compensation retries must be safe.
func (p *Platform) UnpublishTask(ctx context.Context, raw json.RawMessage) error {
	if err := p.sleep(ctx); err != nil {
		return crowd.Transient(err)
	}

	var h handle
	if err := json.Unmarshal(raw, &h); err != nil {
		return crowd.Permanent(fmt.Errorf("dummy: bad handle: %w", err))
	}

	p.mu.Lock()
	delete(p.tasks, h.TaskID)
	p.mu.Unlock()
	return nil
}

// UpdateTask implements crowd.Platform. The dummy keeps the same handle.
func (p *Platform) UpdateTask(ctx context.Context, raw json.RawMessage, _ *experiment.Experiment) (json.RawMessage, error) {
	if err := p.sleep(ctx); err != nil {
		return nil, crowd.Transient(err)
	}

	var h handle
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, crowd.Permanent(fmt.Errorf("dummy: bad handle: %w", err))
	}

	p.mu.Lock()
	_, live := p.tasks[h.TaskID]
	p.mu.Unlock()
	if !live {
		return nil, crowd.Permanent(fmt.Errorf("dummy: task %s is not published", h.TaskID))
	}
	return raw, nil
}

// TaskURL implements crowd.Platform.
func (p *Platform) TaskURL(exp *experiment.Experiment) string {
	return fmt.Sprintf("https://%s.invalid/tasks?experiment=%s", p.name, exp.ID)
}

// Payment implements crowd.Platform.
func (p *Platform) Payment() (crowd.Payment, bool) { return p, true }

// WorkerIdentification implements crowd.Platform. The worker identity comes
// from the "worker" request parameter.
func (p *Platform) WorkerIdentification() (crowd.WorkerIdentification, bool) {
	return crowd.WorkerIdentificationFunc(func(params map[string][]string) (string, error) {
		if vs := params["worker"]; len(vs) > 0 && vs[0] != "" {
			return vs[0], nil
		}
		return "", crowd.ErrUnidentifiedWorker
	}), true
}

// PayExperiment implements crowd.Payment by recording the jobs.
func (p *Platform) PayExperiment(ctx context.Context, _ json.RawMessage, exp *experiment.Experiment, jobs []crowd.PaymentJob) error {
	if err := p.sleep(ctx); err != nil {
		return crowd.Transient(err)
	}

	p.mu.Lock()
	p.paid[exp.ID] = append(p.paid[exp.ID], jobs...)
	p.mu.Unlock()
	return nil
}

// Currency implements crowd.Payment. 840 is USD.
func (p *Platform) Currency() int { return 840 }

// Published reports whether the experiment currently has a live dummy task.
func (p *Platform) Published(experimentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, expID := range p.tasks {
		if expID == experimentID {
			return true
		}
	}
	return false
}

// Paid returns the payment jobs recorded for the experiment.
func (p *Platform) Paid(experimentID string) []crowd.PaymentJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]crowd.PaymentJob(nil), p.paid[experimentID]...)
}

func (p *Platform) sleep(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(p.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
