/**
 * @description
 * This package provides a simple producer for publishing transfer-service events to RabbitMQ.
 * It encapsulates the logic for connecting to RabbitMQ and publishing a message
 * to the events exchange with a routing key per event type.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - go.uber.org/zap: structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	DefaultExchange = "transfers.events"

	RoutingKeyTransferExecuted      = "transfer.executed"
	RoutingKeyBeneficiaryRegistered = "beneficiary.registered"
)

// TransferExecutedEvent is published once per committed transfer.
type TransferExecutedEvent struct {
	RequestID              string    `json:"request_id"`
	TransferID             uuid.UUID `json:"transfer_id"`
	TransactionID          uuid.UUID `json:"transaction_id"`
	SenderAccountID        string    `json:"sender_account_id"`
	RecipientAccountNumber string    `json:"recipient_account_number"`
	Amount                 int64     `json:"amount"`
	Currency               string    `json:"currency"`
	ExecutedAt             time.Time `json:"executed_at"`
}

// BeneficiaryRegisteredEvent is published when a payee is added to an owner's list.
type BeneficiaryRegisteredEvent struct {
	OwnerID       string    `json:"owner_id"`
	AccountNumber string    `json:"account_number"`
	DisplayName   string    `json:"display_name"`
	Origin        string    `json:"origin"`
	RegisteredOn  time.Time `json:"registered_on"`
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishTransferExecuted(ctx context.Context, event TransferExecutedEvent) error
	PublishBeneficiaryRegistered(ctx context.Context, event BeneficiaryRegisteredEvent) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *zap.Logger
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct {
	Logger *zap.Logger
}

func (p *EventProducerFallback) log() *zap.Logger {
	if p == nil || p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.log().Warn("publish skipped",
		zap.String("component", "rabbitmq_producer"),
		zap.String("mode", "fallback"),
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey))
	return nil
}

func (p *EventProducerFallback) PublishTransferExecuted(ctx context.Context, event TransferExecutedEvent) error {
	return p.Publish(ctx, DefaultExchange, RoutingKeyTransferExecuted, event)
}

func (p *EventProducerFallback) PublishBeneficiaryRegistered(ctx context.Context, event BeneficiaryRegisteredEvent) error {
	return p.Publish(ctx, DefaultExchange, RoutingKeyBeneficiaryRegistered, event)
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ and returns a producer bound to exchange.
func NewEventProducer(amqpURL, exchange string, logger *zap.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger.With(zap.String("component", "rabbitmq_producer")),
	}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("json marshal failed", zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Error(err))
		return err
	}

	err = p.declareAndPublish(ctx, exchange, routingKey, jsonBody)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish failed; reopening channel", zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Error(err))

	// One-shot retry on a fresh channel.
	if p.conn == nil {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	return p.declareAndPublish(ctx, exchange, routingKey, jsonBody)
}

func (p *EventProducer) declareAndPublish(ctx context.Context, exchange, routingKey string, body []byte) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// PublishTransferExecuted publishes a transfer.executed event to the configured exchange.
func (p *EventProducer) PublishTransferExecuted(ctx context.Context, event TransferExecutedEvent) error {
	return p.Publish(ctx, p.exchange, RoutingKeyTransferExecuted, event)
}

// PublishBeneficiaryRegistered publishes a beneficiary.registered event to the configured exchange.
func (p *EventProducer) PublishBeneficiaryRegistered(ctx context.Context, event BeneficiaryRegisteredEvent) error {
	return p.Publish(ctx, p.exchange, RoutingKeyBeneficiaryRegistered, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
