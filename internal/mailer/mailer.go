package mailer

import (
	"context"

	"account_service/internal/logger"
)

// Message kinds published to the mail exchange. The routing key of each
// message is "email." followed by its kind.
const (
	KindActivation    = "activation"
	KindPasswordReset = "password_reset"
)

// Mailer delivers account emails out of band.
type Mailer interface {
	SendActivation(ctx context.Context, to, name, activationURL string) error
	SendPasswordReset(ctx context.Context, to, name, resetURL string) error
}

// LogMailer writes emails to the log instead of sending them. Used when no
// broker is configured.
type LogMailer struct{}

func NewLogMailer() *LogMailer {
	return &LogMailer{}
}

func (m *LogMailer) SendActivation(ctx context.Context, to, name, activationURL string) error {
	logger.Logger.Info().
		Str("to", to).
		Str("name", name).
		Str("url", activationURL).
		Msg("Activation email (log mailer)")
	return nil
}

func (m *LogMailer) SendPasswordReset(ctx context.Context, to, name, resetURL string) error {
	logger.Logger.Info().
		Str("to", to).
		Str("name", name).
		Str("url", resetURL).
		Msg("Password reset email (log mailer)")
	return nil
}
