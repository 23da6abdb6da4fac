package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Krau5e/CrowdGate/internal/port/eventbus"
	"github.com/Krau5e/CrowdGate/internal/port/notifier"
)

// Announcer turns experiment lifecycle events from the bus into operator
// notifications (Slack/Discord webhooks). It runs alongside the orchestration
// core but stays fully decoupled from it: everything it knows arrives as an
// event.
type Announcer struct {
	bus       eventbus.Bus
	notifiers []notifier.Notifier
	log       *slog.Logger
}

// NewAnnouncer creates the announcer over the given notifiers.
func NewAnnouncer(bus eventbus.Bus, notifiers []notifier.Notifier, log *slog.Logger) *Announcer {
	if log == nil {
		log = slog.Default()
	}
	return &Announcer{bus: bus, notifiers: notifiers, log: log}
}

// Start subscribes to the lifecycle subjects. The returned stop function
// cancels all subscriptions.
func (a *Announcer) Start(ctx context.Context) (func(), error) {
	subjects := []string{
		eventbus.SubjectExperimentPublished,
		eventbus.SubjectExperimentStopped,
		eventbus.SubjectExperimentInvalid,
		eventbus.SubjectPaymentDue,
	}

	var stops []func()
	stopAll := func() {
		for _, s := range stops {
			s()
		}
	}
	for _, subject := range subjects {
		stop, err := a.bus.Subscribe(ctx, subject, a.handle)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		stops = append(stops, stop)
	}
	return stopAll, nil
}

// handle renders and fans one event out to every notifier. Notification
// delivery is best effort; a malformed event is logged and dropped rather
// than redelivered.
func (a *Announcer) handle(subject string, data []byte) error {
	n, err := render(subject, data)
	if err != nil {
		a.log.Error("unparseable event", "subject", subject, "error", err)
		return nil
	}

	ctx := context.Background()
	for _, nt := range a.notifiers {
		if err := nt.Send(ctx, n); err != nil {
			a.log.Warn("notification send failed",
				"provider", nt.Name(), "subject", subject, "error", err)
		}
	}
	return nil
}

func render(subject string, data []byte) (notifier.Notification, error) {
	if subject == eventbus.SubjectPaymentDue {
		var p eventbus.PaymentDuePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return notifier.Notification{}, err
		}
		return notifier.Notification{
			Title:   "Payment due",
			Message: fmt.Sprintf("Experiment %s finished on %s, workers await payment.", p.ExperimentID, p.Platform),
			Level:   "info",
			Source:  "payment.due",
			Fields: []notifier.Field{
				{Name: "Experiment", Value: p.ExperimentID},
				{Name: "Platform", Value: p.Platform},
			},
		}, nil
	}

	var p eventbus.ExperimentStatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return notifier.Notification{}, err
	}

	switch subject {
	case eventbus.SubjectExperimentPublished:
		return notifier.Notification{
			Title:   "Experiment published",
			Message: fmt.Sprintf("Experiment %s is live on %d platform(s).", p.ExperimentID, len(p.Platforms)),
			Level:   "success",
			Source:  "experiment.published",
			Fields:  stateFields(p),
		}, nil
	case eventbus.SubjectExperimentStopped:
		n := notifier.Notification{
			Title:   "Experiment finalized",
			Message: fmt.Sprintf("Experiment %s finalized in state %s.", p.ExperimentID, p.State),
			Level:   "success",
			Source:  "experiment.stopped",
			Fields:  stateFields(p),
		}
		if len(p.Stuck) > 0 {
			n.Level = "warning"
			n.Message += fmt.Sprintf(" Stuck platforms need manual cleanup: %s.", strings.Join(p.Stuck, ", "))
		}
		return n, nil
	default:
		n := notifier.Notification{
			Title:   "Experiment rollout failed",
			Message: fmt.Sprintf("Experiment %s did not go live, derived state %s.", p.ExperimentID, p.State),
			Level:   "error",
			Source:  "experiment.invalid",
			Fields:  stateFields(p),
		}
		if len(p.Stuck) > 0 {
			n.Message += fmt.Sprintf(" Rollback stuck on: %s.", strings.Join(p.Stuck, ", "))
		}
		return n, nil
	}
}

// stateFields shapes the per-platform detail of a state event for channels
// that render structured fields (Slack sections, Discord embeds).
func stateFields(p eventbus.ExperimentStatePayload) []notifier.Field {
	fields := []notifier.Field{
		{Name: "Experiment", Value: p.ExperimentID},
		{Name: "State", Value: p.State},
	}
	if len(p.Platforms) > 0 {
		pairs := make([]string, 0, len(p.Platforms))
		for name, st := range p.Platforms {
			pairs = append(pairs, name+": "+st)
		}
		sort.Strings(pairs)
		fields = append(fields, notifier.Field{Name: "Platforms", Value: strings.Join(pairs, ", ")})
	}
	return fields
}
