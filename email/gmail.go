package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends emails via Gmail API as the authenticated account.
type GmailProvider struct {
	service  *gmail.Service
	logger   *slog.Logger
	fromAddr string // Optional; Gmail uses the account address when empty
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, fromAddr string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service:  service,
		logger:   logger,
		fromAddr: fromAddr,
	}
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
// Topic titles come from the forum and end up in the Subject header.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMIME assembles a single-part HTML message.
func buildMIME(from, to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	if from != "" {
		msg.WriteString(fmt.Sprintf("From: %s\r\n", sanitizeEmailHeader(from)))
	}
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeEmailHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", sanitizeEmailHeader(subject)))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return msg.String()
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	encoded := base64.URLEncoding.EncodeToString([]byte(buildMIME(g.fromAddr, to, subject, htmlBody)))

	return retry.Do(
		func() error {
			g.logger.Debug("Gmail API request starting",
				"endpoint", "users.messages.send",
				"to", to)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gmail API send failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
}
