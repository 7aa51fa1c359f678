package ledger

import (
	"context"

	"github.com/divzzrk/go_bank_api/models"
)

// UserStore resolves, registers and updates users. Lookups return
// (nil, nil) when no user matches. A taken email is reported as an error
// wrapping ErrConflict.
type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByID(ctx context.Context, id int64) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	// UpdateUser overwrites the user with user.ID. When the email differs
	// from previousEmail, account ownership and grants held under
	// previousEmail move to the new email in the same write.
	UpdateUser(ctx context.Context, previousEmail string, user *models.User) error
}

// Store is the persistence boundary. Reads return (nil, nil) for an absent
// account; closed accounts are returned with Closed set.
type Store interface {
	UserStore

	LoadAccount(ctx context.Context, accountNumber string) (*models.Account, error)
	AccountNumberTaken(ctx context.Context, accountNumber string) (bool, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	ListTransactions(ctx context.Context) ([]models.Transaction, error)
	TransactionsFor(ctx context.Context, accountNumber string) ([]models.Transaction, error)

	// Atomically runs fn as one failure-atomic unit: every write made
	// through tx is committed together when fn returns nil and discarded
	// otherwise.
	Atomically(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
}

// Tx is the write side of one unit of work.
type Tx interface {
	// LoadAccount reads the account inside the unit, taking a row lock
	// where the backend has one.
	LoadAccount(ctx context.Context, accountNumber string) (*models.Account, error)
	// InsertAccount adds a new account and reports false, writing
	// nothing, when the number is already taken.
	InsertAccount(ctx context.Context, account *models.Account) (bool, error)
	// PersistAccount upserts on account number. Only balance and the
	// closed flag change after the first insert.
	PersistAccount(ctx context.Context, account *models.Account) error
	// AppendTransaction inserts t and assigns t.ID.
	AppendTransaction(ctx context.Context, t *models.Transaction) error
	AppendAuthorizedEmail(ctx context.Context, accountNumber, email string) error
}

// Observer is told about transactions after their unit has committed.
type Observer interface {
	Committed(ctx context.Context, txs []models.Transaction)
}
