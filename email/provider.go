// Package email sends digest emails about tracked-topic activity via multiple providers.
package email

import (
	"context"
	"log/slog"
	"time"

	"topic-tracker/metrics"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender renders digests and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	now      func() time.Time
	to       string
}

// New creates a new digest sender delivering to the given address.
func New(provider Provider, logger *slog.Logger, to string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		to:       to,
		now:      time.Now,
	}
}

// SendDigest sends one email summarising d. Empty digests are not sent.
func (s *Sender) SendDigest(ctx context.Context, d *Digest) error {
	if d.Empty() {
		return nil
	}

	subject := digestSubject(d)
	body := formatDigestBody(d, s.now())

	s.logger.Info("Sending digest email",
		"to", s.to,
		"subject", subject,
		"notifications", len(d.Notifications),
		"recommendations", len(d.Recommendations))

	if err := s.provider.Send(ctx, s.to, subject, body); err != nil {
		metrics.EmailsSent.WithLabelValues("error").Inc()
		return err
	}
	metrics.EmailsSent.WithLabelValues("ok").Inc()
	return nil
}
