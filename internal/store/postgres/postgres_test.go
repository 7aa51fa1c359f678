package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/divzzrk/go_bank_api/internal/ledger"
	"github.com/divzzrk/go_bank_api/models"
)

const (
	selectUser      = "SELECT id, name, email, phone, password_hash, is_admin FROM users WHERE email = $1"
	insertUser      = "INSERT INTO users (name, email, phone, password_hash, is_admin) VALUES ($1, $2, $3, $4, $5) RETURNING id"
	selectGrants    = "SELECT email FROM authorized_users WHERE account_number = $1 ORDER BY id"
	insertGrant     = "INSERT INTO authorized_users (account_number, email) VALUES ($1, $2)"
	accountNumber   = "1234567890"
	ownerEmail      = "jane@example.com"
	grantedEmail    = "bob@example.com"
	accountColumns  = "account_number,owner_user_id,owner_email,account_type,balance,closed"
	transactionCols = "id,account_number,type,amount,timestamp,from_account_number,to_account_number"
	userCols        = "id,name,email,phone,password_hash,is_admin"
	renamedEmail    = "jane.doe@example.com"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("Failed to create mock DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, nil), mock
}

func columns(s string) []string {
	return strings.Split(s, ",")
}

func TestFindUserByEmail(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(mock sqlmock.Sqlmock)
		wantUser bool
	}{
		{
			name: "Existing user",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(selectUser).WithArgs(ownerEmail).
					WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "phone", "password_hash", "is_admin"}).
						AddRow(int64(1), "Jane", ownerEmail, "1234567890", "hash", false))
			},
			wantUser: true,
		},
		{
			name: "Unknown user",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(selectUser).WithArgs(ownerEmail).
					WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "phone", "password_hash", "is_admin"}))
			},
			wantUser: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMock(t)
			tt.setup(mock)

			user, err := store.FindUserByEmail(context.Background(), ownerEmail)
			require.NoError(t, err)
			if tt.wantUser {
				require.NotNil(t, user)
				assert.Equal(t, int64(1), user.ID)
				assert.Equal(t, "hash", user.PasswordHash)
			} else {
				assert.Nil(t, user)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCreateUser(t *testing.T) {
	t.Run("Assigns the generated id", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectQuery(insertUser).
			WithArgs("Jane", ownerEmail, "", "hash", false).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

		user := &models.User{Name: "Jane", Email: ownerEmail, PasswordHash: "hash"}
		require.NoError(t, store.CreateUser(context.Background(), user))
		assert.Equal(t, int64(7), user.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Duplicate email", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectQuery(insertUser).
			WithArgs("Jane", ownerEmail, "", "hash", false).
			WillReturnError(&pq.Error{Code: uniqueViolation})

		err := store.CreateUser(context.Background(), &models.User{Name: "Jane", Email: ownerEmail, PasswordHash: "hash"})
		assert.ErrorIs(t, err, ErrDuplicateEmail)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLoadAccountAggregatesHistoryAndGrants(t *testing.T) {
	store, mock := newMock(t)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(selectAccounts+" WHERE account_number = $1").WithArgs(accountNumber).
		WillReturnRows(sqlmock.NewRows(columns(accountColumns)).
			AddRow(accountNumber, int64(1), ownerEmail, "checking", "1500.00", false))
	mock.ExpectQuery(selectTransactions+" WHERE account_number = $1 ORDER BY id").WithArgs(accountNumber).
		WillReturnRows(sqlmock.NewRows(columns(transactionCols)).
			AddRow(int64(1), accountNumber, "deposit", "1500.00", ts, accountNumber, accountNumber))
	mock.ExpectQuery(selectGrants).WithArgs(accountNumber).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow(grantedEmail))

	acct, err := store.LoadAccount(context.Background(), accountNumber)
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, models.Checking, acct.AccountType)
	assert.True(t, decimal.RequireFromString("1500").Equal(acct.Balance))
	require.Len(t, acct.Transactions, 1)
	assert.Equal(t, models.Deposit, acct.Transactions[0].Type)
	assert.Equal(t, []string{grantedEmail}, acct.AuthorizedEmails)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadAccountMissing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(selectAccounts+" WHERE account_number = $1").WithArgs(accountNumber).
		WillReturnRows(sqlmock.NewRows(columns(accountColumns)))

	acct, err := store.LoadAccount(context.Background(), accountNumber)
	require.NoError(t, err)
	assert.Nil(t, acct)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomicallyCommitsDepositLeg(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectAccounts+" WHERE account_number = $1 FOR UPDATE").WithArgs(accountNumber).
		WillReturnRows(sqlmock.NewRows(columns(accountColumns)).
			AddRow(accountNumber, int64(1), ownerEmail, "savings", "0.00", false))
	mock.ExpectQuery(selectTransactions+" WHERE account_number = $1 ORDER BY id").WithArgs(accountNumber).
		WillReturnRows(sqlmock.NewRows(columns(transactionCols)))
	mock.ExpectQuery(selectGrants).WithArgs(accountNumber).
		WillReturnRows(sqlmock.NewRows([]string{"email"}))
	mock.ExpectExec(upsertAccount).
		WithArgs(accountNumber, int64(1), ownerEmail, "savings", sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(insertTransaction).
		WithArgs(accountNumber, "deposit", sqlmock.AnyArg(), sqlmock.AnyArg(), accountNumber, accountNumber).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec(insertGrant).WithArgs(accountNumber, grantedEmail).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var recorded models.Transaction
	err := store.Atomically(context.Background(), func(tx ledger.Tx) error {
		acct, err := tx.LoadAccount(context.Background(), accountNumber)
		if err != nil {
			return err
		}
		acct.Balance = decimal.RequireFromString("25.50")
		if err := tx.PersistAccount(context.Background(), acct); err != nil {
			return err
		}
		recorded = models.Transaction{
			AccountNumber:     accountNumber,
			Type:              models.Deposit,
			Amount:            decimal.RequireFromString("25.50"),
			Timestamp:         time.Now().UTC(),
			FromAccountNumber: accountNumber,
			ToAccountNumber:   accountNumber,
		}
		if err := tx.AppendTransaction(context.Background(), &recorded); err != nil {
			return err
		}
		return tx.AppendAuthorizedEmail(context.Background(), accountNumber, grantedEmail)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), recorded.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomicallyRollsBackOnFailure(t *testing.T) {
	store, mock := newMock(t)
	boom := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectExec(upsertAccount).
		WithArgs(accountNumber, int64(1), ownerEmail, "checking", sqlmock.AnyArg(), false).
		WillReturnError(boom)
	mock.ExpectRollback()

	err := store.Atomically(context.Background(), func(tx ledger.Tx) error {
		return tx.PersistAccount(context.Background(), &models.Account{
			AccountNumber: accountNumber,
			OwnerUserID:   1,
			OwnerEmail:    ownerEmail,
			AccountType:   models.Checking,
			Balance:       decimal.Zero,
		})
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomicallyRollsBackOnCallbackError(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.Atomically(context.Background(), func(ledger.Tx) error {
		return ledger.ErrInsufficientFunds
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAccountsGroupsChildRows(t *testing.T) {
	store, mock := newMock(t)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	other := "2234567890"

	mock.ExpectQuery(selectAccounts+" ORDER BY account_number").
		WillReturnRows(sqlmock.NewRows(columns(accountColumns)).
			AddRow(accountNumber, int64(1), ownerEmail, "checking", "10.00", false).
			AddRow(other, int64(1), ownerEmail, "savings", "0.00", true))
	mock.ExpectQuery(selectTransactions+" ORDER BY id").
		WillReturnRows(sqlmock.NewRows(columns(transactionCols)).
			AddRow(int64(1), accountNumber, "deposit", "10.00", ts, accountNumber, accountNumber))
	mock.ExpectQuery("SELECT account_number, email FROM authorized_users ORDER BY id").
		WillReturnRows(sqlmock.NewRows([]string{"account_number", "email"}).AddRow(accountNumber, grantedEmail))

	accounts, err := store.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Len(t, accounts[0].Transactions, 1)
	assert.Equal(t, []string{grantedEmail}, accounts[0].AuthorizedEmails)
	assert.Empty(t, accounts[1].Transactions)
	assert.True(t, accounts[1].Closed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountNumberTaken(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("SELECT EXISTS (SELECT 1 FROM accounts WHERE account_number = $1)").
		WithArgs(accountNumber).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	taken, err := store.AccountNumberTaken(context.Background(), accountNumber)
	require.NoError(t, err)
	assert.True(t, taken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterReportsConflictWhenInsertLosesRace(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(selectUser).WithArgs(ownerEmail).
		WillReturnRows(sqlmock.NewRows(columns(userCols)))
	mock.ExpectQuery(insertUser).
		WithArgs("Jane", ownerEmail, "", sqlmock.AnyArg(), false).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	dir := ledger.NewDirectory(store, nil, bcrypt.MinCost)
	_, err := dir.Register(context.Background(), models.User{Name: "Jane", Email: ownerEmail}, "secret")
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.NotErrorIs(t, err, ledger.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindUserByIDAndListUsers(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(selectUsers+" WHERE id = $1").WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(columns(userCols)).
			AddRow(int64(1), "Jane", ownerEmail, "", "hash", false))
	mock.ExpectQuery(selectUsers+" ORDER BY id").
		WillReturnRows(sqlmock.NewRows(columns(userCols)).
			AddRow(int64(1), "Jane", ownerEmail, "", "hash", false).
			AddRow(int64(2), "Bob", grantedEmail, "", "hash", true))

	user, err := store.FindUserByID(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, ownerEmail, user.Email)

	users, err := store.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.True(t, users[1].IsAdmin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUser(t *testing.T) {
	user := func() *models.User {
		return &models.User{ID: 1, Name: "Janet", Email: renamedEmail, PasswordHash: "hash"}
	}

	t.Run("Moves email references", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(updateUser).WithArgs("Janet", renamedEmail, "", "hash", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET owner_email = $1 WHERE owner_email = $2").
			WithArgs(renamedEmail, ownerEmail).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec("UPDATE authorized_users SET email = $1 WHERE email = $2").
			WithArgs(renamedEmail, ownerEmail).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.UpdateUser(context.Background(), ownerEmail, user()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Same email touches only the user", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(updateUser).WithArgs("Janet", renamedEmail, "", "hash", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.UpdateUser(context.Background(), renamedEmail, user()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Duplicate email", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(updateUser).WithArgs("Janet", renamedEmail, "", "hash", int64(1)).
			WillReturnError(&pq.Error{Code: uniqueViolation})
		mock.ExpectRollback()

		err := store.UpdateUser(context.Background(), ownerEmail, user())
		assert.ErrorIs(t, err, ErrDuplicateEmail)
		assert.ErrorIs(t, err, ledger.ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Unknown user", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(updateUser).WithArgs("Janet", renamedEmail, "", "hash", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		assert.Error(t, store.UpdateUser(context.Background(), ownerEmail, user()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestInsertAccountReportsTakenNumber(t *testing.T) {
	tests := []struct {
		name         string
		rowsAffected int64
		wantInserted bool
	}{
		{"Fresh number", 1, true},
		{"Taken number", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMock(t)
			mock.ExpectBegin()
			mock.ExpectExec(insertAccount).
				WithArgs(accountNumber, int64(1), ownerEmail, "checking", sqlmock.AnyArg(), false).
				WillReturnResult(sqlmock.NewResult(0, tt.rowsAffected))
			mock.ExpectCommit()

			var inserted bool
			err := store.Atomically(context.Background(), func(tx ledger.Tx) error {
				var err error
				inserted, err = tx.InsertAccount(context.Background(), &models.Account{
					AccountNumber: accountNumber,
					OwnerUserID:   1,
					OwnerEmail:    ownerEmail,
					AccountType:   models.Checking,
					Balance:       decimal.Zero,
				})
				return err
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantInserted, inserted)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
