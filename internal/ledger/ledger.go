// Package ledger owns account balances and the rules that move money:
// account creation, deposits, withdrawals, transfers, closing, sharing and
// the transaction history that must always reconcile with the balance.
//
// Every mutation runs under a per-account lock and inside one
// Store.Atomically unit, so the balance write and the transaction append
// are committed together or not at all.
package ledger

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/divzzrk/go_bank_api/models"
)

const accountNumberAttempts = 16

// Ledger is the account ledger.
type Ledger struct {
	store     Store
	dir       *Directory
	txlog     *TransactionLog
	log       *zap.Logger
	locks     *lockTable
	now       func() time.Time
	numbers   func() string
	observers []Observer
	cost      int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithClock overrides the timestamp source for new transactions.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithAccountNumbers overrides the account number generator.
func WithAccountNumbers(gen func() string) Option {
	return func(l *Ledger) { l.numbers = gen }
}

// WithObserver registers o to hear about committed transactions.
func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observers = append(l.observers, o) }
}

// WithPasswordCost sets the bcrypt cost used by the Directory.
func WithPasswordCost(cost int) Option {
	return func(l *Ledger) { l.cost = cost }
}

// New returns a Ledger backed by store. The caller owns the store's
// lifecycle.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		log:     zap.NewNop(),
		locks:   newLockTable(),
		now:     time.Now,
		numbers: randomAccountNumber,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.dir = NewDirectory(store, l.log, l.cost)
	l.txlog = &TransactionLog{store: store}
	return l
}

// Directory returns the identity directory sharing the ledger's store.
func (l *Ledger) Directory() *Directory { return l.dir }

// Transactions returns the transaction log.
func (l *Ledger) Transactions() *TransactionLog { return l.txlog }

// randomAccountNumber returns a 10-digit number with no leading zero.
func randomAccountNumber() string {
	return strconv.FormatInt(1_000_000_000+rand.Int64N(9_000_000_000), 10)
}

// CreateAccount opens a zero-balance account of accountType for the user
// registered under ownerEmail.
func (l *Ledger) CreateAccount(ctx context.Context, ownerEmail string, accountType models.AccountType) (*models.Account, error) {
	if !accountType.Valid() {
		return nil, validationf("invalid account type %q, must be checking or savings", accountType)
	}
	owner, err := l.dir.lookup(ctx, ownerEmail)
	if err != nil {
		return nil, err
	}

	for range accountNumberAttempts {
		number := l.numbers()
		acct, err := l.tryCreate(ctx, number, owner, accountType)
		if err != nil {
			return nil, err
		}
		if acct != nil {
			l.log.Info("account created",
				zap.String("account_number", acct.AccountNumber),
				zap.String("owner_email", acct.OwnerEmail),
				zap.String("account_type", string(acct.AccountType)))
			return acct, nil
		}
		l.log.Debug("account number taken, retrying", zap.String("account_number", number))
	}
	return nil, fmt.Errorf("%w: could not allocate an account number", ErrConflict)
}

// tryCreate returns (nil, nil) when number is already in use. The
// precheck is only a shortcut; the insert itself decides, so a number taken
// by another process in between is retried rather than overwritten.
func (l *Ledger) tryCreate(ctx context.Context, number string, owner *models.User, accountType models.AccountType) (*models.Account, error) {
	release := l.locks.acquire(number)
	defer release()

	taken, err := l.store.AccountNumberTaken(ctx, number)
	if err != nil {
		return nil, persistence("check account number", err)
	}
	if taken {
		return nil, nil
	}

	acct := &models.Account{
		AccountNumber:    number,
		OwnerUserID:      owner.ID,
		OwnerEmail:       owner.Email,
		AccountType:      accountType,
		Balance:          decimal.Zero,
		Transactions:     []models.Transaction{},
		AuthorizedEmails: []string{},
	}
	var inserted bool
	err = l.store.Atomically(ctx, func(tx Tx) error {
		var err error
		inserted, err = tx.InsertAccount(ctx, acct)
		return persistence("insert account", err)
	})
	if err != nil {
		l.log.Error("error creating account", zap.String("account_number", number), zap.Error(err))
		return nil, persistence("commit", err)
	}
	if !inserted {
		return nil, nil
	}
	return acct, nil
}

// Deposit adds amount to the account and records a deposit transaction.
func (l *Ledger) Deposit(ctx context.Context, accountNumber string, amount decimal.Decimal) (*models.Account, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	release := l.locks.acquire(accountNumber)
	defer release()

	var acct *models.Account
	var t models.Transaction
	err := l.store.Atomically(ctx, func(tx Tx) error {
		var err error
		if acct, err = l.load(ctx, tx, accountNumber); err != nil {
			return err
		}
		t, err = l.applyLeg(ctx, tx, acct, amount, models.Deposit, accountNumber, accountNumber)
		return err
	})
	if err != nil {
		return nil, l.failed("deposit", accountNumber, amount, err)
	}
	l.committed(ctx, t)
	return acct, nil
}

// Withdraw removes amount from the account. The balance never goes below
// zero.
func (l *Ledger) Withdraw(ctx context.Context, accountNumber string, amount decimal.Decimal) (*models.Account, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	release := l.locks.acquire(accountNumber)
	defer release()

	var acct *models.Account
	var t models.Transaction
	err := l.store.Atomically(ctx, func(tx Tx) error {
		var err error
		if acct, err = l.load(ctx, tx, accountNumber); err != nil {
			return err
		}
		t, err = l.applyLeg(ctx, tx, acct, amount.Neg(), models.Withdraw, accountNumber, accountNumber)
		return err
	})
	if err != nil {
		return nil, l.failed("withdraw", accountNumber, amount, err)
	}
	l.committed(ctx, t)
	return acct, nil
}

// CloseAccount closes the account for good. A non-zero balance is a
// conflict unless requester is an admin.
func (l *Ledger) CloseAccount(ctx context.Context, accountNumber string, requester Principal) error {
	release := l.locks.acquire(accountNumber)
	defer release()

	err := l.store.Atomically(ctx, func(tx Tx) error {
		acct, err := l.load(ctx, tx, accountNumber)
		if err != nil {
			return err
		}
		if !acct.Balance.IsZero() && !requester.IsAdmin {
			return fmt.Errorf("%w: account %s has balance %s", ErrConflict, accountNumber, acct.Balance.StringFixed(2))
		}
		acct.Closed = true
		return persistence("persist account", tx.PersistAccount(ctx, acct))
	})
	if err != nil {
		return l.failed("close", accountNumber, decimal.Zero, err)
	}
	l.log.Info("account closed",
		zap.String("account_number", accountNumber),
		zap.String("requester", requester.Email),
		zap.Bool("admin", requester.IsAdmin))
	return nil
}

// GetAccount returns the open account with its history and grants.
func (l *Ledger) GetAccount(ctx context.Context, accountNumber string) (*models.Account, error) {
	acct, err := l.store.LoadAccount(ctx, accountNumber)
	if err != nil {
		return nil, persistence("load account", err)
	}
	if acct == nil || acct.Closed {
		return nil, notFoundf("account %s", accountNumber)
	}
	return acct, nil
}

// ListAccounts returns every open account. An empty ledger yields an empty
// slice.
func (l *Ledger) ListAccounts(ctx context.Context) ([]models.Account, error) {
	all, err := l.store.ListAccounts(ctx)
	if err != nil {
		return nil, persistence("list accounts", err)
	}
	open := make([]models.Account, 0, len(all))
	for _, a := range all {
		if !a.Closed {
			open = append(open, a)
		}
	}
	return open, nil
}

// ListTransactions returns every recorded transaction.
func (l *Ledger) ListTransactions(ctx context.Context) ([]models.Transaction, error) {
	txs, err := l.store.ListTransactions(ctx)
	if err != nil {
		return nil, persistence("list transactions", err)
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	return txs, nil
}

// AccountsFor returns the open accounts email owns or was granted.
func (l *Ledger) AccountsFor(ctx context.Context, email string) ([]models.Account, error) {
	user, err := l.dir.lookup(ctx, email)
	if err != nil {
		return nil, err
	}
	all, err := l.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	p := principalOf(user)
	p.IsAdmin = false
	visible := make([]models.Account, 0)
	for i := range all {
		if Authorize(p, ActionView, &all[i]) == nil {
			visible = append(visible, all[i])
		}
	}
	return visible, nil
}

// Reconcile replays the account's history and reports a conflict when it
// does not add up to the stored balance.
func (l *Ledger) Reconcile(ctx context.Context, accountNumber string) error {
	acct, err := l.GetAccount(ctx, accountNumber)
	if err != nil {
		return err
	}
	if replayed := Replay(accountNumber, acct.Transactions); !replayed.Equal(acct.Balance) {
		l.log.Error("reconciliation mismatch",
			zap.String("account_number", accountNumber),
			zap.String("balance", acct.Balance.StringFixed(2)),
			zap.String("replayed", replayed.StringFixed(2)))
		return fmt.Errorf("%w: account %s balance %s does not match history %s",
			ErrConflict, accountNumber, acct.Balance.StringFixed(2), replayed.StringFixed(2))
	}
	return nil
}

// load reads an open account inside tx.
func (l *Ledger) load(ctx context.Context, tx Tx, accountNumber string) (*models.Account, error) {
	acct, err := tx.LoadAccount(ctx, accountNumber)
	if err != nil {
		return nil, persistence("load account", err)
	}
	if acct == nil || acct.Closed {
		return nil, notFoundf("account %s", accountNumber)
	}
	return acct, nil
}

// applyLeg moves delta into acct (negative for a debit), persists the new
// balance and appends the matching transaction. On failure acct is left
// at its previous balance.
func (l *Ledger) applyLeg(ctx context.Context, tx Tx, acct *models.Account, delta decimal.Decimal, typ models.TransactionType, from, to string) (models.Transaction, error) {
	prev := acct.Balance
	next := prev.Add(delta)
	if next.IsNegative() {
		return models.Transaction{}, fmt.Errorf("%w: account %s has %s, needs %s",
			ErrInsufficientFunds, acct.AccountNumber, prev.StringFixed(2), delta.Abs().StringFixed(2))
	}

	acct.Balance = next
	if err := tx.PersistAccount(ctx, acct); err != nil {
		acct.Balance = prev
		return models.Transaction{}, persistence("persist account", err)
	}

	t := models.Transaction{
		AccountNumber:     acct.AccountNumber,
		Type:              typ,
		Amount:            delta.Abs(),
		Timestamp:         l.now().UTC(),
		FromAccountNumber: from,
		ToAccountNumber:   to,
	}
	if err := l.txlog.append(ctx, tx, &t); err != nil {
		acct.Balance = prev
		return models.Transaction{}, err
	}
	acct.Transactions = append(acct.Transactions, t)
	return t, nil
}

func (l *Ledger) committed(ctx context.Context, txs ...models.Transaction) {
	for _, t := range txs {
		l.log.Info("transaction committed",
			zap.Int64("transaction_id", t.ID),
			zap.String("account_number", t.AccountNumber),
			zap.String("type", string(t.Type)),
			zap.String("amount", t.Amount.StringFixed(2)))
	}
	for _, o := range l.observers {
		o.Committed(ctx, txs)
	}
}

func (l *Ledger) failed(op, accountNumber string, amount decimal.Decimal, err error) error {
	err = persistence("commit", err)
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("account_number", accountNumber),
		zap.String("amount", amount.StringFixed(2)),
		zap.Error(err),
	}
	if isPersistence(err) {
		l.log.Error("ledger operation failed", fields...)
	} else {
		l.log.Warn("ledger operation rejected", fields...)
	}
	return err
}

// MaxAmount is the largest amount one operation may move.
var MaxAmount = decimal.New(1, 15)

// Bounds on the decimal representation, checked before any arithmetic so
// that a value like 1e5000000 is rejected without being expanded.
const (
	maxAmountExponent  = 15
	minAmountExponent  = -32
	maxCoefficientBits = 128
)

// ValidateAmount enforces a strictly positive amount of at most MaxAmount
// with at most two decimal places.
func ValidateAmount(amount decimal.Decimal) error {
	if exp := amount.Exponent(); exp > maxAmountExponent || exp < minAmountExponent ||
		amount.Coefficient().BitLen() > maxCoefficientBits {
		return validationf("amount is out of range, the maximum is %s", MaxAmount.StringFixed(2))
	}
	if !amount.IsPositive() {
		return validationf("amount must be greater than zero, got %s", amount.String())
	}
	if amount.GreaterThan(MaxAmount) {
		return validationf("amount %s exceeds the maximum of %s", amount.StringFixed(2), MaxAmount.StringFixed(2))
	}
	if !amount.Equal(amount.Round(2)) {
		return validationf("amount %s has more than two decimal places", amount.String())
	}
	return nil
}
