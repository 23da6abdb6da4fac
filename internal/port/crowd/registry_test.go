package crowd_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Krau5e/CrowdGate/internal/domain/experiment"
	"github.com/Krau5e/CrowdGate/internal/port/crowd"
)

type testPlatform struct {
	name string
}

func (p *testPlatform) Name() string { return p.name }
func (p *testPlatform) Capabilities() crowd.Capabilities {
	return crowd.Capabilities{Calibration: true}
}
func (p *testPlatform) PublishTask(_ context.Context, _ *experiment.Experiment) (json.RawMessage, error) {
	return json.RawMessage(`"h"`), nil
}
func (p *testPlatform) UnpublishTask(_ context.Context, _ json.RawMessage) error { return nil }
func (p *testPlatform) UpdateTask(_ context.Context, h json.RawMessage, _ *experiment.Experiment) (json.RawMessage, error) {
	return h, nil
}
func (p *testPlatform) TaskURL(_ *experiment.Experiment) string              { return "" }
func (p *testPlatform) Payment() (crowd.Payment, bool)                       { return nil, false }
func (p *testPlatform) WorkerIdentification() (crowd.WorkerIdentification, bool) { return nil, false }

func TestRegisterAndNew(t *testing.T) {
	crowd.Register("test-crowd", func(_ map[string]string) (crowd.Platform, error) {
		return &testPlatform{name: "test-crowd"}, nil
	})

	p, err := crowd.New("test-crowd", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "test-crowd" {
		t.Fatalf("expected test-crowd, got %s", p.Name())
	}
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := crowd.New("nonexistent", nil)
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestAvailable(t *testing.T) {
	crowd.Register("test-crowd-listed", func(_ map[string]string) (crowd.Platform, error) {
		return &testPlatform{name: "test-crowd-listed"}, nil
	})

	found := false
	for _, n := range crowd.Available() {
		if n == "test-crowd-listed" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected test-crowd-listed in Available()")
	}
}
