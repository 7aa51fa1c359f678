package ledger

import (
	"context"
	"slices"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/divzzrk/go_bank_api/models"
)

// Share grants granteeEmail access to the account. Grants are appended
// without deduplication; any one of them is enough for IsAuthorized.
func (l *Ledger) Share(ctx context.Context, accountNumber, granteeEmail, ownerEmail string) (*models.Account, error) {
	grantee, err := parseEmail(granteeEmail)
	if err != nil {
		return nil, err
	}
	if grantee == normalizeEmail(ownerEmail) {
		return nil, validationf("cannot share an account with its owner")
	}

	release := l.locks.acquire(accountNumber)
	defer release()

	var acct *models.Account
	err = l.store.Atomically(ctx, func(tx Tx) error {
		var err error
		if acct, err = l.load(ctx, tx, accountNumber); err != nil {
			return err
		}
		if grantee == normalizeEmail(acct.OwnerEmail) {
			return validationf("cannot share an account with its owner")
		}
		if err := tx.AppendAuthorizedEmail(ctx, accountNumber, grantee); err != nil {
			return persistence("append authorized email", err)
		}
		acct.AuthorizedEmails = append(acct.AuthorizedEmails, grantee)
		return nil
	})
	if err != nil {
		return nil, l.failed("share", accountNumber, decimal.Zero, err)
	}
	l.log.Info("account shared",
		zap.String("account_number", accountNumber),
		zap.String("grantee", grantee))
	return acct, nil
}

// IsAuthorized reports whether email owns the account or has been granted
// access to it.
func (l *Ledger) IsAuthorized(ctx context.Context, accountNumber, email string) (bool, error) {
	acct, err := l.GetAccount(ctx, accountNumber)
	if err != nil {
		return false, err
	}
	email = normalizeEmail(email)
	if email == "" {
		return false, nil
	}
	return email == normalizeEmail(acct.OwnerEmail) || slices.Contains(acct.AuthorizedEmails, email), nil
}
