package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/streadway/amqp"

	"github.com/divzzrk/go_bank_api/internal/ledger"
	"github.com/divzzrk/go_bank_api/models"
)

const (
	TransactionQueue = "transaction_queue"
)

// QueuedTransaction is a deposit, withdrawal or transfer command waiting to
// be applied by the consumer on behalf of RequestedBy.
type QueuedTransaction struct {
	ID              string                 `json:"id"`
	Type            models.TransactionType `json:"type" binding:"required"`
	AccountNumber   string                 `json:"accountNumber" binding:"required"`
	ToAccountNumber string                 `json:"toAccountNumber,omitempty"`
	Amount          decimal.Decimal        `json:"amount"`
	RequestedBy     string                 `json:"requestedBy"`
}

// validate rejects commands that could never succeed so they are not
// queued at all.
func (qt QueuedTransaction) validate() error {
	switch qt.Type {
	case models.Deposit, models.Withdraw:
	case models.Transfer:
		if qt.ToAccountNumber == "" {
			return fmt.Errorf("%w: toAccountNumber is required for a transfer", ledger.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: invalid transaction type %q", ledger.ErrValidation, qt.Type)
	}
	return ledger.ValidateAmount(qt.Amount)
}

// action is the authorization action the command needs on AccountNumber.
func (qt QueuedTransaction) action() ledger.Action {
	switch qt.Type {
	case models.Deposit:
		return ledger.ActionDeposit
	case models.Withdraw:
		return ledger.ActionWithdraw
	default:
		return ledger.ActionTransfer
	}
}

// apply authorizes p against the command's account and runs it on l.
// Both the HTTP handlers and the queue consumer go through here.
func (qt QueuedTransaction) apply(ctx context.Context, l *ledger.Ledger, p ledger.Principal) (*models.Account, error) {
	if err := qt.validate(); err != nil {
		return nil, err
	}
	acct, err := l.GetAccount(ctx, qt.AccountNumber)
	if err != nil {
		return nil, err
	}
	if err := ledger.Authorize(p, qt.action(), acct); err != nil {
		return nil, err
	}

	switch qt.Type {
	case models.Deposit:
		return l.Deposit(ctx, qt.AccountNumber, qt.Amount)
	case models.Withdraw:
		return l.Withdraw(ctx, qt.AccountNumber, qt.Amount)
	default:
		return l.Transfer(ctx, qt.AccountNumber, qt.ToAccountNumber, qt.Amount)
	}
}

// TransactionPublisher queues commands for asynchronous processing.
type TransactionPublisher interface {
	PublishTransaction(ctx context.Context, qt QueuedTransaction) error
}

// RabbitMQ connection wrapper
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

var _ TransactionPublisher = (*RabbitMQ)(nil)

// NewRabbitMQ dials uri and declares the durable transaction queue.
func NewRabbitMQ(uri string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("error connecting to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error opening channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		TransactionQueue, // name
		true,             // durable
		false,            // delete when unused
		false,            // exclusive
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("error declaring queue: %w", err)
	}

	// one unacked command at a time keeps per-account ordering
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("error setting prefetch: %w", err)
	}

	return &RabbitMQ{
		conn:    conn,
		channel: ch,
	}, nil
}

// Close connections
func (r *RabbitMQ) Close() {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

// Ping reports whether the broker connection is still open.
func (r *RabbitMQ) Ping(context.Context) error {
	if r.conn == nil || r.conn.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

// PublishTransaction publishes a command to the queue. An empty ID is
// filled with a fresh UUID that also becomes the AMQP message id.
func (r *RabbitMQ) PublishTransaction(_ context.Context, qt QueuedTransaction) error {
	if qt.ID == "" {
		qt.ID = uuid.NewString()
	}
	body, err := json.Marshal(qt)
	if err != nil {
		return err
	}

	return r.channel.Publish(
		"",               // exchange
		TransactionQueue, // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    qt.ID,
			Body:         body,
		},
	)
}

// Consume registers a manual-ack consumer on the transaction queue.
func (r *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	return r.channel.Consume(
		TransactionQueue, // queue
		"",               // consumer
		false,            // auto-ack
		false,            // exclusive
		false,            // no-local
		false,            // no-wait
		nil,              // args
	)
}
