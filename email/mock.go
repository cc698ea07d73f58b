package email

import (
	"context"
	"log/slog"
	"sync"
)

// SentMail is an email captured by MockProvider.
type SentMail struct {
	To       string
	Subject  string
	HTMLBody string
}

// MockProvider is a mock email provider for local development. It logs each
// email and keeps it for inspection.
type MockProvider struct {
	logger *slog.Logger
	sent   []SentMail
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))

	m.mu.Lock()
	m.sent = append(m.sent, SentMail{To: to, Subject: subject, HTMLBody: htmlBody})
	m.mu.Unlock()
	return nil
}

// Sent returns the emails captured so far.
func (m *MockProvider) Sent() []SentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMail(nil), m.sent...)
}
