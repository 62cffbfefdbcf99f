package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"account_service/internal/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is satisfied by *amqp.Channel.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// EmailMessage is the JSON body consumed by the mail worker.
type EmailMessage struct {
	Type string `json:"type"`
	To   string `json:"to"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// RabbitMQMailer publishes email requests to a topic exchange.
type RabbitMQMailer struct {
	ch       Publisher
	exchange string
	timeout  time.Duration
}

func NewRabbitMQMailer(ch Publisher, exchange string) *RabbitMQMailer {
	return &RabbitMQMailer{ch: ch, exchange: exchange, timeout: 5 * time.Second}
}

func (m *RabbitMQMailer) SendActivation(ctx context.Context, to, name, activationURL string) error {
	return m.publish(ctx, EmailMessage{Type: KindActivation, To: to, Name: name, URL: activationURL})
}

func (m *RabbitMQMailer) SendPasswordReset(ctx context.Context, to, name, resetURL string) error {
	return m.publish(ctx, EmailMessage{Type: KindPasswordReset, To: to, Name: name, URL: resetURL})
}

func (m *RabbitMQMailer) publish(ctx context.Context, msg EmailMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s email: %w", msg.Type, err)
	}

	headers := amqp.Table{}
	if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
		headers["X-Request-ID"] = requestID
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err = m.ch.PublishWithContext(ctx,
		m.exchange,
		"email."+msg.Type,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers:      headers,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s email: %w", msg.Type, err)
	}
	return nil
}
