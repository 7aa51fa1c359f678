package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/divzzrk/go_bank_api/models"
)

// TransactionLog is the append-only history of balance-affecting events.
// Appends only happen inside a ledger mutation's unit of work.
type TransactionLog struct {
	store Store
}

func (tl *TransactionLog) append(ctx context.Context, tx Tx, t *models.Transaction) error {
	return persistence("append transaction", tx.AppendTransaction(ctx, t))
}

// ForAccount returns the transactions attributed to accountNumber, oldest
// first. An unknown account yields an empty slice.
func (tl *TransactionLog) ForAccount(ctx context.Context, accountNumber string) ([]models.Transaction, error) {
	txs, err := tl.store.TransactionsFor(ctx, accountNumber)
	if err != nil {
		return nil, persistence("list transactions", err)
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	return txs, nil
}

// Replay computes the balance implied by the history of accountNumber:
// deposits and incoming transfers add, withdrawals and outgoing transfers
// subtract. Transactions attributed to other accounts are ignored.
func Replay(accountNumber string, txs []models.Transaction) decimal.Decimal {
	balance := decimal.Zero
	for _, t := range txs {
		if t.AccountNumber != accountNumber {
			continue
		}
		switch t.Type {
		case models.Deposit:
			balance = balance.Add(t.Amount)
		case models.Withdraw:
			balance = balance.Sub(t.Amount)
		case models.Transfer:
			if t.FromAccountNumber == accountNumber {
				balance = balance.Sub(t.Amount)
			} else if t.ToAccountNumber == accountNumber {
				balance = balance.Add(t.Amount)
			}
		}
	}
	return balance
}
