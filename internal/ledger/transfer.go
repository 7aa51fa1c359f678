package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/divzzrk/go_bank_api/models"
)

// Transfer moves amount from source to dest as one unit: the debit, the
// credit and one transfer transaction per side commit together or not at
// all. It returns the updated source account.
func (l *Ledger) Transfer(ctx context.Context, source, dest string, amount decimal.Decimal) (*models.Account, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	if source == dest {
		return nil, ErrSameAccount
	}

	release := l.locks.acquire(source, dest)
	defer release()

	var src *models.Account
	var debit, credit models.Transaction
	err := l.store.Atomically(ctx, func(tx Tx) error {
		var dst *models.Account
		var err error
		if src, dst, err = l.loadPair(ctx, tx, source, dest); err != nil {
			return err
		}
		if src.Balance.LessThan(amount) {
			return fmt.Errorf("%w: account %s has %s, needs %s",
				ErrInsufficientFunds, source, src.Balance.StringFixed(2), amount.StringFixed(2))
		}

		before := src.Balance
		if debit, err = l.applyLeg(ctx, tx, src, amount.Neg(), models.Transfer, source, dest); err != nil {
			return err
		}
		if credit, err = l.applyLeg(ctx, tx, dst, amount, models.Transfer, source, dest); err != nil {
			return l.compensate(ctx, tx, src, before, err)
		}
		return nil
	})
	if err != nil {
		return nil, l.failed("transfer", source, amount, err)
	}

	l.committed(ctx, debit, credit)
	return src, nil
}

// loadPair reads both accounts in ascending account-number order so that
// backends with row locks acquire them in the same global order as the
// lock table.
func (l *Ledger) loadPair(ctx context.Context, tx Tx, source, dest string) (*models.Account, *models.Account, error) {
	first, second := source, dest
	if second < first {
		first, second = second, first
	}
	a, err := l.load(ctx, tx, first)
	if err != nil {
		return nil, nil, err
	}
	b, err := l.load(ctx, tx, second)
	if err != nil {
		return nil, nil, err
	}
	if a.AccountNumber == source {
		return a, b, nil
	}
	return b, a, nil
}

// compensate credits the source back to its pre-transfer balance after a
// failed credit leg and drops the debit from the in-memory history. The
// unit is then aborted with cause, which also discards the debit append.
func (l *Ledger) compensate(ctx context.Context, tx Tx, src *models.Account, before decimal.Decimal, cause error) error {
	amount := before.Sub(src.Balance)
	src.Balance = before
	if n := len(src.Transactions); n > 0 {
		src.Transactions = src.Transactions[:n-1]
	}
	if err := tx.PersistAccount(ctx, src); err != nil {
		l.log.Error("compensating credit failed",
			zap.String("account_number", src.AccountNumber),
			zap.String("balance", before.StringFixed(2)),
			zap.Error(err))
		return errors.Join(cause, persistence("compensate source", err))
	}
	l.log.Warn("transfer credit leg failed, source restored",
		zap.String("account_number", src.AccountNumber),
		zap.String("amount", amount.StringFixed(2)),
		zap.Error(cause))
	return cause
}
