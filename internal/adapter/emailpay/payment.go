// Package emailpay is the platform-agnostic payment fallback. Platforms that
// cannot pay workers themselves get their payment jobs forwarded by email to
// the payout operators, who settle them out of band.
package emailpay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/Krau5e/CrowdGate/internal/config"
	"github.com/Krau5e/CrowdGate/internal/domain/experiment"
	"github.com/Krau5e/CrowdGate/internal/port/crowd"
)

// sendMail matches smtp.SendMail; swapped out in tests.
type sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Payment implements crowd.Payment over SMTP.
type Payment struct {
	cfg  config.Payment
	send sendMail
}

// New creates the email payment fallback. It returns an error when the
// configuration is incomplete, so a platform without its own payment never
// silently ends up with no payment path at all.
func New(cfg config.Payment) (*Payment, error) {
	if cfg.SMTPHost == "" || cfg.From == "" || cfg.To == "" {
		return nil, fmt.Errorf("emailpay: smtp_host, from and to are required")
	}
	return &Payment{cfg: cfg, send: smtp.SendMail}, nil
}

// PayExperiment implements crowd.Payment.
func (p *Payment) PayExperiment(ctx context.Context, handle json.RawMessage, exp *experiment.Experiment, jobs []crowd.PaymentJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", p.cfg.SMTPHost, p.cfg.SMTPPort)

	var auth smtp.Auth
	if p.cfg.Password != "" {
		user := p.cfg.Username
		if user == "" {
			user = p.cfg.From
		}
		auth = smtp.PlainAuth("", user, p.cfg.Password, p.cfg.SMTPHost)
	}

	msg := buildMessage(p.cfg.From, p.cfg.To, exp, handle, jobs)
	if err := p.send(addr, auth, p.cfg.From, []string{p.cfg.To}, msg); err != nil {
		return fmt.Errorf("emailpay: send payout sheet for %s: %w", exp.ID, err)
	}
	return nil
}

// Currency implements crowd.Payment. 840 is USD.
func (p *Payment) Currency() int { return 840 }

// buildMessage renders the payout sheet: one line per worker with the amount
// in the smallest currency unit.
func buildMessage(from, to string, exp *experiment.Experiment, handle json.RawMessage, jobs []crowd.PaymentJob) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: Payout sheet for experiment %s\r\n", exp.ID)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")

	fmt.Fprintf(&b, "Experiment: %s (%s)\r\n", exp.Title, exp.ID)
	if len(handle) > 0 {
		fmt.Fprintf(&b, "Task handle: %s\r\n", handle)
	}
	fmt.Fprintf(&b, "Workers: %d\r\n\r\n", len(jobs))

	total := 0
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s\t%d\r\n", j.WorkerID, j.Amount)
		total += j.Amount
	}
	fmt.Fprintf(&b, "\r\nTotal: %d\r\n", total)

	return []byte(b.String())
}
