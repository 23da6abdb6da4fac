package emailpay

import (
	"context"
	"net/smtp"
	"strings"
	"testing"

	"github.com/Krau5e/CrowdGate/internal/config"
	"github.com/Krau5e/CrowdGate/internal/domain/experiment"
	"github.com/Krau5e/CrowdGate/internal/port/crowd"
)

func testConfig() config.Payment {
	return config.Payment{
		SMTPHost: "mail.example.com",
		SMTPPort: 587,
		From:     "crowdgate@example.com",
		To:       "payouts@example.com",
	}
}

func TestNew_RequiresAddresses(t *testing.T) {
	cfg := testConfig()
	cfg.To = ""
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for missing recipient")
	}
}

func TestPayExperiment_SendsPayoutSheet(t *testing.T) {
	p, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	p.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	exp := &experiment.Experiment{ID: "exp-7", Title: "Rate translations"}
	jobs := []crowd.PaymentJob{
		{WorkerID: "w-1", Amount: 25},
		{WorkerID: "w-2", Amount: 10},
	}

	if err := p.PayExperiment(context.Background(), []byte(`{"id":"t1"}`), exp, jobs); err != nil {
		t.Fatal(err)
	}

	if gotAddr != "mail.example.com:587" {
		t.Errorf("got addr %q", gotAddr)
	}
	if gotFrom != "crowdgate@example.com" {
		t.Errorf("got from %q", gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "payouts@example.com" {
		t.Errorf("got to %v", gotTo)
	}

	body := string(gotMsg)
	for _, want := range []string{"exp-7", "w-1\t25", "w-2\t10", "Total: 35"} {
		if !strings.Contains(body, want) {
			t.Errorf("payout sheet missing %q:\n%s", want, body)
		}
	}
}

func TestPayExperiment_CancelledContext(t *testing.T) {
	p, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	p.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send should not be called")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.PayExperiment(ctx, nil, &experiment.Experiment{ID: "x"}, nil); err == nil {
		t.Fatal("expected context error")
	}
}
