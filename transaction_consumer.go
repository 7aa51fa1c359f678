package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/divzzrk/go_bank_api/internal/ledger"
)

// TransactionConsumer handles processing of queued transactions
type TransactionConsumer struct {
	ledger   *ledger.Ledger
	rabbitMQ *RabbitMQ
	log      *zap.Logger
}

// NewTransactionConsumer creates a new consumer
func NewTransactionConsumer(l *ledger.Ledger, rabbitMQ *RabbitMQ, log *zap.Logger) *TransactionConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &TransactionConsumer{
		ledger:   l,
		rabbitMQ: rabbitMQ,
		log:      log,
	}
}

// Run consumes commands until ctx is done or the broker closes the
// delivery channel.
func (tc *TransactionConsumer) Run(ctx context.Context) error {
	msgs, err := tc.rabbitMQ.Consume()
	if err != nil {
		return fmt.Errorf("failed to register a consumer: %w", err)
	}

	tc.log.Info("waiting for transaction messages", zap.String("queue", TransactionQueue))
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("transaction delivery channel closed")
			}
			tc.handle(ctx, d)
		}
	}
}

// handle settles one delivery. Persistence failures are requeued; every
// other outcome is final, so the message is acked (or rejected when it
// cannot be decoded).
func (tc *TransactionConsumer) handle(ctx context.Context, d amqp.Delivery) {
	log := tc.log.With(zap.String("message_id", d.MessageId))

	var qt QueuedTransaction
	if err := json.Unmarshal(d.Body, &qt); err != nil {
		log.Error("error unmarshaling transaction", zap.Error(err))
		settle(log, d.Reject(false))
		return
	}
	log = log.With(
		zap.String("type", string(qt.Type)),
		zap.String("account_number", qt.AccountNumber),
		zap.String("requested_by", qt.RequestedBy))

	err := tc.process(ctx, qt)
	switch {
	case err == nil:
		log.Info("queued transaction applied")
		settle(log, d.Ack(false))
	case errors.Is(err, ledger.ErrPersistence):
		log.Error("error processing transaction, requeueing", zap.Error(err))
		settle(log, d.Nack(false, true))
	default:
		log.Warn("queued transaction rejected", zap.Error(err))
		settle(log, d.Ack(false))
	}
}

func (tc *TransactionConsumer) process(ctx context.Context, qt QueuedTransaction) error {
	p, err := tc.ledger.Directory().Resolve(ctx, qt.RequestedBy)
	if err != nil {
		return err
	}
	_, err = qt.apply(ctx, tc.ledger, p)
	return err
}

func settle(log *zap.Logger, err error) {
	if err != nil {
		log.Error("error settling delivery", zap.Error(err))
	}
}
