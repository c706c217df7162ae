package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/remitware/payment-proxy/internal/domain"
)

// OperationCompletedEvent is the wire format of the event published after an
// operation reaches COMPLETED. Amounts are serialized as strings to survive
// JSON without precision loss.
type OperationCompletedEvent struct {
	EventID           string `json:"event_id"`
	OperationID       string `json:"operation_id"`
	PartnershipID     int64  `json:"partnership_id"`
	InitiatorOpID     string `json:"initiator_operation_id"`
	Status            string `json:"status"`
	InitialAmount     string `json:"initial_amount"`
	InitiatorCurrency string `json:"initiator_currency"`
	CustomerAmount    string `json:"customer_amount"`
	CustomerCurrency  string `json:"customer_currency"`
	AmountDeducted    string `json:"amount_deducted"`
	BalanceCurrency   string `json:"balance_currency"`
	FinishedAt        string `json:"finished_at"` // ISO 8601
}

// RabbitMQPublisher publishes operation events to a topic exchange.
type RabbitMQPublisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	log        *zap.Logger
}

// NewRabbitMQPublisher connects to RabbitMQ and declares the topic exchange.
func NewRabbitMQPublisher(url, exchange, routingKey string, log *zap.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &RabbitMQPublisher{
		conn:       conn,
		channel:    channel,
		exchange:   exchange,
		routingKey: routingKey,
		log:        log.Named("events"),
	}, nil
}

// PublishOperationCompleted emits an OperationCompletedEvent for the given
// operation. Called after the completing transaction commits; a publish
// failure never rolls back the payment.
func (p *RabbitMQPublisher) PublishOperationCompleted(ctx context.Context, op *domain.Operation) error {
	finishedAt := ""
	if op.FinishedAt != nil {
		finishedAt = op.FinishedAt.UTC().Format(time.RFC3339)
	}

	event := OperationCompletedEvent{
		EventID:           uuid.New().String(),
		OperationID:       op.OpID,
		PartnershipID:     op.PartnershipID,
		InitiatorOpID:     op.InitiatorOpID,
		Status:            string(op.Status),
		InitialAmount:     op.InitialAmount.String(),
		InitiatorCurrency: op.InitiatorCurrency,
		CustomerAmount:    op.CustomerAmount.String(),
		CustomerCurrency:  op.CustomerCurrency,
		AmountDeducted:    op.AmountToDeduct.String(),
		BalanceCurrency:   op.BalanceCurrency,
		FinishedAt:        finishedAt,
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.EventID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.log.Debug("published operation completed event",
		zap.String("event_id", event.EventID),
		zap.String("operation_id", event.OperationID))
	return nil
}

// Close closes the RabbitMQ channel and connection.
func (p *RabbitMQPublisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.log.Warn("failed to close channel", zap.Error(err))
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
