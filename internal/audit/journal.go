// Package audit mirrors committed ledger transactions into a MongoDB
// collection. The journal is best effort: it runs behind a circuit breaker
// and a bounded queue, and nothing it does can fail a ledger operation.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/divzzrk/go_bank_api/internal/ledger"
	"github.com/divzzrk/go_bank_api/models"
)

const (
	Collection = "transactions"

	queueSize              = 1024
	writeTimeout           = 5 * time.Second
	maxConsecutiveFailures = 5
	openTimeout            = 30 * time.Second
)

// Entry is one journaled transaction.
type Entry struct {
	TransactionID int64                `bson:"transaction_id"`
	AccountID     string               `bson:"account_id"`
	FromAccountID string               `bson:"from_account_id"`
	ToAccountID   string               `bson:"to_account_id"`
	Type          string               `bson:"type"`
	Amount        primitive.Decimal128 `bson:"amount"`
	CreatedAt     time.Time            `bson:"created_at"`
}

// Journal implements ledger.Observer.
type Journal struct {
	coll    *mongo.Collection
	breaker *gobreaker.CircuitBreaker
	queue   chan []models.Transaction
	log     *zap.Logger
}

var _ ledger.Observer = (*Journal)(nil)

func New(coll *mongo.Collection, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	j := &Journal{
		coll:  coll,
		queue: make(chan []models.Transaction, queueSize),
		log:   log,
	}
	j.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "audit-journal",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return j
}

// Committed queues txs for the journal. It never blocks; a full queue
// drops the batch with a warning.
func (j *Journal) Committed(_ context.Context, txs []models.Transaction) {
	select {
	case j.queue <- txs:
	default:
		j.log.Warn("audit queue full, dropping transactions", zap.Int("count", len(txs)))
	}
}

// Run writes queued batches until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case txs := <-j.queue:
			j.flush(context.Background(), txs)
		case <-ctx.Done():
			for {
				select {
				case txs := <-j.queue:
					j.flush(context.Background(), txs)
				default:
					return nil
				}
			}
		}
	}
}

func (j *Journal) flush(ctx context.Context, txs []models.Transaction) {
	if err := j.write(ctx, txs); err != nil {
		j.log.Warn("error writing audit journal", zap.Int("count", len(txs)), zap.Error(err))
	}
}

func (j *Journal) write(ctx context.Context, txs []models.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	docs := make([]any, 0, len(txs))
	for _, t := range txs {
		e, err := entryOf(t)
		if err != nil {
			return err
		}
		docs = append(docs, e)
	}

	_, err := j.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return j.coll.InsertMany(ctx, docs)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("audit journal unavailable: %w", err)
	}
	return err
}

// History returns the journaled entries for accountNumber, oldest first.
func (j *Journal) History(ctx context.Context, accountNumber string) ([]Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "transaction_id", Value: 1}})
	cursor, err := j.coll.Find(ctx, bson.M{"account_id": accountNumber}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audit history: %w", err)
	}
	defer cursor.Close(ctx)

	entries := []Entry{}
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse audit history: %w", err)
	}
	return entries, nil
}

func entryOf(t models.Transaction) (Entry, error) {
	amount, err := primitive.ParseDecimal128(t.Amount.StringFixed(2))
	if err != nil {
		return Entry{}, fmt.Errorf("encode amount %s: %w", t.Amount.String(), err)
	}
	return Entry{
		TransactionID: t.ID,
		AccountID:     t.AccountNumber,
		FromAccountID: t.FromAccountNumber,
		ToAccountID:   t.ToAccountNumber,
		Type:          string(t.Type),
		Amount:        amount,
		CreatedAt:     t.Timestamp,
	}, nil
}
