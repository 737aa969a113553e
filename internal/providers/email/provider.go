// Package email sends billing notifications. The workflow layer decides
// when to send; providers only deliver.
package email

import "context"

type Provider interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// NoOpProvider swallows messages. Used when SMTP is not configured and in
// tests that do not assert on delivery.
type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject, body string) error {
	return nil
}
