package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divzzrk/go_bank_api/internal/ledger"
	"github.com/divzzrk/go_bank_api/internal/store/sqlite"
	"github.com/divzzrk/go_bank_api/models"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	user := &models.User{Name: "Jane", Email: "jane@example.com", PasswordHash: "hash"}
	require.NoError(t, store.CreateUser(ctx, user))
	assert.NotZero(t, user.ID)

	err := store.CreateUser(ctx, &models.User{Email: "jane@example.com", PasswordHash: "other"})
	assert.ErrorIs(t, err, sqlite.ErrDuplicateEmail)

	found, err := store.FindUserByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, user.ID, found.ID)

	missing, err := store.FindUserByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLedgerOnSQLite(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	l := ledger.New(store, ledger.WithPasswordCost(4))

	_, err := l.Directory().Register(ctx, models.User{Name: "Jane", Email: "jane@example.com"}, "secret")
	require.NoError(t, err)

	a, err := l.CreateAccount(ctx, "jane@example.com", models.Checking)
	require.NoError(t, err)
	b, err := l.CreateAccount(ctx, "jane@example.com", models.Savings)
	require.NoError(t, err)

	_, err = l.Deposit(ctx, a.AccountNumber, decimal.RequireFromString("1500"))
	require.NoError(t, err)
	_, err = l.Transfer(ctx, a.AccountNumber, b.AccountNumber, decimal.RequireFromString("250.25"))
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, b.AccountNumber, decimal.RequireFromString("1000"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	gotA, err := l.GetAccount(ctx, a.AccountNumber)
	require.NoError(t, err)
	gotB, err := l.GetAccount(ctx, b.AccountNumber)
	require.NoError(t, err)
	assert.Equal(t, "1249.75", gotA.Balance.StringFixed(2))
	assert.Equal(t, "250.25", gotB.Balance.StringFixed(2))
	assert.Len(t, gotA.Transactions, 2)
	assert.Len(t, gotB.Transactions, 1)

	require.NoError(t, l.Reconcile(ctx, a.AccountNumber))
	require.NoError(t, l.Reconcile(ctx, b.AccountNumber))

	all, err := l.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSharingAndClosingPersist(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	l := ledger.New(store, ledger.WithPasswordCost(4))

	_, err := l.Directory().Register(ctx, models.User{Email: "jane@example.com"}, "secret")
	require.NoError(t, err)
	acct, err := l.CreateAccount(ctx, "jane@example.com", models.Checking)
	require.NoError(t, err)

	_, err = l.Share(ctx, acct.AccountNumber, "bob@example.com", "jane@example.com")
	require.NoError(t, err)
	ok, err := l.IsAuthorized(ctx, acct.AccountNumber, "bob@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	owner, err := l.Directory().Resolve(ctx, "jane@example.com")
	require.NoError(t, err)
	require.NoError(t, l.CloseAccount(ctx, acct.AccountNumber, owner))

	_, err = l.GetAccount(ctx, acct.AccountNumber)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	taken, err := store.AccountNumberTaken(ctx, acct.AccountNumber)
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestUpdateUserMovesOwnershipAndGrants(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	l := ledger.New(store, ledger.WithPasswordCost(4))

	jane, err := l.Directory().Register(ctx, models.User{Name: "Jane", Email: "jane@example.com"}, "secret")
	require.NoError(t, err)
	_, err = l.Directory().Register(ctx, models.User{Name: "Bob", Email: "bob@example.com"}, "secret")
	require.NoError(t, err)
	own, err := l.CreateAccount(ctx, "jane@example.com", models.Checking)
	require.NoError(t, err)
	shared, err := l.CreateAccount(ctx, "bob@example.com", models.Savings)
	require.NoError(t, err)
	_, err = l.Share(ctx, shared.AccountNumber, "jane@example.com", "bob@example.com")
	require.NoError(t, err)

	self := ledger.Principal{UserID: jane.ID, Email: jane.Email}
	taken := "bob@example.com"
	_, err = l.Directory().Update(ctx, self, jane.ID, ledger.UserUpdate{Email: &taken})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	clash := *jane
	clash.Email = "bob@example.com"
	assert.ErrorIs(t, store.UpdateUser(ctx, "jane@example.com", &clash), ledger.ErrConflict)

	renamed := "jane.doe@example.com"
	_, err = l.Directory().Update(ctx, self, jane.ID, ledger.UserUpdate{Email: &renamed})
	require.NoError(t, err)

	got, err := l.GetAccount(ctx, own.AccountNumber)
	require.NoError(t, err)
	assert.Equal(t, renamed, got.OwnerEmail)
	ok, err := l.IsAuthorized(ctx, shared.AccountNumber, renamed)
	require.NoError(t, err)
	assert.True(t, ok)

	users, err := l.Directory().Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, renamed, users[0].Email)
}

func TestInsertAccountReportsTakenNumber(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	acct := &models.Account{
		AccountNumber: "1000000001",
		OwnerUserID:   1,
		OwnerEmail:    "jane@example.com",
		AccountType:   models.Checking,
		Balance:       decimal.Zero,
	}

	insert := func(a *models.Account) bool {
		var inserted bool
		err := store.Atomically(ctx, func(tx ledger.Tx) error {
			var err error
			inserted, err = tx.InsertAccount(ctx, a)
			return err
		})
		require.NoError(t, err)
		return inserted
	}

	assert.True(t, insert(acct))
	other := *acct
	other.OwnerEmail = "bob@example.com"
	assert.False(t, insert(&other))

	got, err := store.LoadAccount(ctx, acct.AccountNumber)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", got.OwnerEmail)
}
