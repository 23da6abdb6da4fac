package discord

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Krau5e/CrowdGate/internal/port/notifier"
)

// Compile-time interface check.
var _ notifier.Notifier = (*Notifier)(nil)

func TestNotifierName(t *testing.T) {
	n := NewNotifier("")
	if n.Name() != "discord" {
		t.Fatalf("expected 'discord', got %q", n.Name())
	}
}

func TestCapabilities(t *testing.T) {
	n := NewNotifier("")
	caps := n.Capabilities()
	if !caps.RichFormatting {
		t.Fatal("expected RichFormatting=true")
	}
	if !caps.Threads {
		t.Fatal("expected Threads=true")
	}
}

func TestSendNotConfigured(t *testing.T) {
	n := NewNotifier("")
	err := n.Send(context.Background(), notifier.Notification{Title: "test"})
	if err != notifier.ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendSuccess(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent) // Discord returns 204
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	err := n.Send(context.Background(), notifier.Notification{
		Title:   "Experiment finalized",
		Message: "Experiment exp-1 finalized in state STOPPED.",
		Level:   "success",
		Source:  "experiment.stopped",
		Fields: []notifier.Field{
			{Name: "Experiment", Value: "exp-1"},
			{Name: "State", Value: "STOPPED"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var msg discordWebhook
	if err := json.Unmarshal(got, &msg); err != nil {
		t.Fatalf("unmarshal sent payload: %v", err)
	}
	if len(msg.Embeds) != 1 {
		t.Fatalf("got %d embeds", len(msg.Embeds))
	}
	fields := msg.Embeds[0].Fields
	if len(fields) != 2 || fields[1].Name != "State" || fields[1].Value != "STOPPED" {
		t.Fatalf("embed fields = %+v", fields)
	}
	if !fields[0].Inline {
		t.Fatal("fields should render inline")
	}
}

func TestSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"rate limited"}`))
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	err := n.Send(context.Background(), notifier.Notification{
		Title:   "Test",
		Message: "Test message",
		Level:   "info",
	})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
}
