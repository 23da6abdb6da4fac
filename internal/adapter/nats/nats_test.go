package nats

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Krau5e/CrowdGate/internal/port/eventbus"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Bus {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	b, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return b
}

func TestBus_EmitSubscribe(t *testing.T) {
	b := testConnect(t)
	subject := "experiments.test." + t.Name()

	var mu sync.Mutex
	var got []byte
	stop, err := b.Subscribe(context.Background(), subject, func(_ string, data []byte) error {
		mu.Lock()
		got = data
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	payload := eventbus.ExperimentStatePayload{ExperimentID: "e1", State: "PUBLISHED"}
	if err := b.Emit(context.Background(), subject, payload); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		data := got
		mu.Unlock()
		if data != nil {
			var decoded eventbus.ExperimentStatePayload
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if decoded.ExperimentID != "e1" {
				t.Fatalf("expected e1, got %s", decoded.ExperimentID)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for event")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestBus_EmitRejectsInvalidPayload(t *testing.T) {
	b := testConnect(t)

	// A string payload does not match the experiments.* schema.
	err := b.Emit(context.Background(), eventbus.SubjectExperimentStopped, "not-a-state-payload")
	if err == nil {
		t.Fatal("expected schema validation error")
	}
}
