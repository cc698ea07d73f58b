// Package email sends thanks notification emails via multiple providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Message carries the template variables of a thanks email. Subject,
// Greeting and PostThanks are HTML fragments: the subject is reduced to plain
// text and the others are sanitized when rendered. Every other field is text.
type Message struct {
	Lang        string // Language of the body, for the html lang attribute
	Subject     string // THANKS_SUBG
	Greeting    string // Localized salutation naming USERNAME
	Username    string // USERNAME, the recipient
	PostSubject string // POST_SUBJECT, censored
	PostThanks  string // POST_THANKS, the thanker and the thanks phrase
	PosterName  string // POSTER_NAME
	PostURL     string // U_POST_THANKS, absolute link to the post
	ViewPost    string // Label of the post link
}

// Sender sends notification emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// SendThanks emails msg to the address to.
func (s *Sender) SendThanks(ctx context.Context, to string, msg Message) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("no recipient address")
	}

	subject := PlainText(msg.Subject)
	if subject == "" {
		subject = PlainText(msg.PostSubject)
	}

	body := formatThanksBody(msg)

	s.logger.Info("Sending thanks email",
		"to", to,
		"subject", subject,
		"lang", msg.Lang)

	if err := s.provider.Send(ctx, to, subject, body); err != nil {
		return fmt.Errorf("send thanks email: %w", err)
	}
	return nil
}
