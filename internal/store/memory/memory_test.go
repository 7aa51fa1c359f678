package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/divzzrk/go_bank_api/internal/ledger"
	"github.com/divzzrk/go_bank_api/models"
)

func seed(t *testing.T, s *Store, number string) {
	t.Helper()
	err := s.Atomically(context.Background(), func(tx ledger.Tx) error {
		return tx.PersistAccount(context.Background(), &models.Account{
			AccountNumber: number,
			OwnerUserID:   1,
			OwnerEmail:    "jane@example.com",
			AccountType:   models.Checking,
			Balance:       decimal.Zero,
		})
	})
	require.NoError(t, err)
}

func TestAtomicallyDiscardsOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "1000000001")
	boom := errors.New("boom")

	err := s.Atomically(ctx, func(tx ledger.Tx) error {
		acct, err := tx.LoadAccount(ctx, "1000000001")
		require.NoError(t, err)
		acct.Balance = decimal.NewFromInt(50)
		require.NoError(t, tx.PersistAccount(ctx, acct))
		require.NoError(t, tx.AppendTransaction(ctx, &models.Transaction{AccountNumber: "1000000001", Type: models.Deposit}))
		require.NoError(t, tx.AppendAuthorizedEmail(ctx, "1000000001", "bob@example.com"))

		staged, err := tx.LoadAccount(ctx, "1000000001")
		require.NoError(t, err)
		assert.Equal(t, "50", staged.Balance.String())
		assert.Len(t, staged.Transactions, 1)
		assert.Equal(t, []string{"bob@example.com"}, staged.AuthorizedEmails)

		committed, err := s.LoadAccount(ctx, "1000000001")
		require.NoError(t, err)
		assert.True(t, committed.Balance.IsZero())
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acct, err := s.LoadAccount(ctx, "1000000001")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
	assert.Empty(t, acct.Transactions)
	assert.Empty(t, acct.AuthorizedEmails)
	txs, err := s.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestAtomicallyRejectsUnknownAccount(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.Atomically(ctx, func(tx ledger.Tx) error {
		return tx.AppendTransaction(ctx, &models.Transaction{AccountNumber: "1000000009"})
	})
	assert.Error(t, err)
}

func TestAtomicallyHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New()
	seed(t, s, "1000000001")

	err := s.Atomically(ctx, func(tx ledger.Tx) error {
		acct, err := tx.LoadAccount(ctx, "1000000001")
		if err != nil {
			return err
		}
		acct.Balance = decimal.NewFromInt(10)
		cancel()
		return tx.PersistAccount(ctx, acct)
	})
	assert.ErrorIs(t, err, context.Canceled)

	acct, err := s.LoadAccount(context.Background(), "1000000001")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
}

func TestLoadAccountReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "1000000001")

	acct, err := s.LoadAccount(ctx, "1000000001")
	require.NoError(t, err)
	acct.Balance = decimal.NewFromInt(99)
	acct.AuthorizedEmails = append(acct.AuthorizedEmails, "eve@example.com")

	again, err := s.LoadAccount(ctx, "1000000001")
	require.NoError(t, err)
	assert.True(t, again.Balance.IsZero())
	assert.Empty(t, again.AuthorizedEmails)

	missing, err := s.LoadAccount(ctx, "1000000002")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")

	s := New()
	require.NoError(t, s.LoadFile(path))
	require.NoError(t, s.CreateUser(ctx, &models.User{Email: "jane@example.com", PasswordHash: "hash"}))
	seed(t, s, "1000000001")
	seed(t, s, "1000000002")
	err := s.Atomically(ctx, func(tx ledger.Tx) error {
		acct, err := tx.LoadAccount(ctx, "1000000002")
		if err != nil {
			return err
		}
		acct.Balance = decimal.RequireFromString("12.34")
		acct.Closed = true
		if err := tx.PersistAccount(ctx, acct); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, &models.Transaction{
			AccountNumber: "1000000002",
			Type:          models.Deposit,
			Amount:        decimal.RequireFromString("12.34"),
			Timestamp:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	})
	require.NoError(t, err)
	require.NoError(t, s.SaveFile(path))

	restored := New()
	require.NoError(t, restored.LoadFile(path))

	user, err := restored.FindUserByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "hash", user.PasswordHash)

	acct, err := restored.LoadAccount(ctx, "1000000002")
	require.NoError(t, err)
	assert.True(t, acct.Closed)
	assert.Equal(t, "12.34", acct.Balance.StringFixed(2))
	require.Len(t, acct.Transactions, 1)

	next := &models.User{Email: "bob@example.com", PasswordHash: "hash"}
	require.NoError(t, restored.CreateUser(ctx, next))
	assert.Equal(t, int64(2), next.ID)

	accounts, err := restored.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000000001", accounts[0].AccountNumber)
	assert.Equal(t, "1000000002", accounts[1].AccountNumber)
}

func TestRestoreRejectsUnknownVersion(t *testing.T) {
	assert.Error(t, New().Restore(Snapshot{Version: 99}))
}

func TestAutosaveWritesFinalSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	s := New()
	seed(t, s, "1000000001")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Autosave(ctx, path, time.Hour, zap.NewNop()))

	restored := New()
	require.NoError(t, restored.LoadFile(path))
	taken, err := restored.AccountNumberTaken(context.Background(), "1000000001")
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestInsertAccountLeavesTakenNumberAlone(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s, "1000000001")

	var inserted bool
	err := s.Atomically(ctx, func(tx ledger.Tx) error {
		var err error
		inserted, err = tx.InsertAccount(ctx, &models.Account{
			AccountNumber: "1000000001",
			OwnerUserID:   2,
			OwnerEmail:    "bob@example.com",
			AccountType:   models.Savings,
			Balance:       decimal.Zero,
		})
		return err
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	acct, err := s.LoadAccount(ctx, "1000000001")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", acct.OwnerEmail)
	assert.Equal(t, models.Checking, acct.AccountType)
}

func TestUpdateUserMovesEmailReferences(t *testing.T) {
	ctx := context.Background()
	s := New()
	jane := &models.User{Name: "Jane", Email: "jane@example.com"}
	bob := &models.User{Name: "Bob", Email: "bob@example.com"}
	require.NoError(t, s.CreateUser(ctx, jane))
	require.NoError(t, s.CreateUser(ctx, bob))
	seed(t, s, "1000000001")

	err := s.CreateUser(ctx, &models.User{Email: "bob@example.com"})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	clash := *jane
	clash.Email = "bob@example.com"
	assert.ErrorIs(t, s.UpdateUser(ctx, "jane@example.com", &clash), ledger.ErrConflict)

	renamed := *jane
	renamed.Email = "jane.doe@example.com"
	require.NoError(t, s.UpdateUser(ctx, "jane@example.com", &renamed))

	old, err := s.FindUserByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Nil(t, old)
	byID, err := s.FindUserByID(ctx, jane.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "jane.doe@example.com", byID.Email)

	acct, err := s.LoadAccount(ctx, "1000000001")
	require.NoError(t, err)
	assert.Equal(t, "jane.doe@example.com", acct.OwnerEmail)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, jane.ID, users[0].ID)
	assert.Equal(t, bob.ID, users[1].ID)
}
