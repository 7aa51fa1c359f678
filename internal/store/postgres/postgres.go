// Package postgres stores the ledger in PostgreSQL through lib/pq.
//
// A unit of work is one database transaction. Accounts are read with
// SELECT ... FOR UPDATE inside it, so concurrent writers on other
// processes serialize on the row the same way the ledger's lock table
// serializes them in-process.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/divzzrk/go_bank_api/internal/ledger"
	"github.com/divzzrk/go_bank_api/models"
)

const uniqueViolation = "23505"

// ErrDuplicateEmail is returned by CreateUser and UpdateUser when the email
// is taken. It is a ledger.ErrConflict.
var ErrDuplicateEmail = fmt.Errorf("%w: duplicate user email", ledger.ErrConflict)

// Store is a ledger.Store on a *sql.DB.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

var _ ledger.Store = (*Store)(nil)

// New wraps an open database handle. The caller closes db.
func New(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

// Open connects to url and pings it.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("error closing database after ping failure: %w", cerr)
		}
		return nil, fmt.Errorf("error pinging database: %w", err)
	}
	return db, nil
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error migrating schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(ctx, selectUsers+" WHERE email = $1", email)
}

func (s *Store) FindUserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.findUser(ctx, selectUsers+" WHERE id = $1", id)
}

func (s *Store) findUser(ctx context.Context, query string, arg any) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.PasswordHash, &u.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching user: %w", err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, selectUsers+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("error fetching users: %w", err)
	}
	defer closeRows(rows, s.log)

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.PasswordHash, &u.IsAdmin); err != nil {
			return nil, fmt.Errorf("error scanning user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over users: %w", err)
	}
	return users, nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO users (name, email, phone, password_hash, is_admin) VALUES ($1, $2, $3, $4, $5) RETURNING id",
		user.Name, user.Email, user.Phone, user.PasswordHash, user.IsAdmin).
		Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			s.log.Warn("user already exists", zap.String("email", user.Email))
			return fmt.Errorf("%w: %s", ErrDuplicateEmail, user.Email)
		}
		return fmt.Errorf("error creating user: %w", err)
	}
	return nil
}

// UpdateUser rewrites the user row and, on an email change, the owner and
// grant emails that referred to the old address, all in one transaction.
func (s *Store) UpdateUser(ctx context.Context, previousEmail string, user *models.User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, updateUser, user.Name, user.Email, user.Phone, user.PasswordHash, user.ID)
	if err != nil {
		s.rollback(tx)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateEmail, user.Email)
		}
		return fmt.Errorf("error updating user: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		s.rollback(tx)
		return fmt.Errorf("error updating user %d: no such user", user.ID)
	}

	if user.Email != previousEmail {
		for _, stmt := range []string{
			"UPDATE accounts SET owner_email = $1 WHERE owner_email = $2",
			"UPDATE authorized_users SET email = $1 WHERE email = $2",
		} {
			if _, err := tx.ExecContext(ctx, stmt, user.Email, previousEmail); err != nil {
				s.rollback(tx)
				return fmt.Errorf("error moving email references: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		s.rollback(tx)
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *Store) LoadAccount(ctx context.Context, accountNumber string) (*models.Account, error) {
	return loadAccount(ctx, s.db, accountNumber, false)
}

func (s *Store) AccountNumberTaken(ctx context.Context, accountNumber string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM accounts WHERE account_number = $1)", accountNumber).
		Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("error checking account number: %w", err)
	}
	return taken, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, selectAccounts+" ORDER BY account_number")
	if err != nil {
		return nil, fmt.Errorf("error fetching accounts: %w", err)
	}
	accounts, err := scanAccounts(rows, s.log)
	if err != nil {
		return nil, err
	}

	txs, err := s.ListTransactions(ctx)
	if err != nil {
		return nil, err
	}
	grants, err := s.grants(ctx)
	if err != nil {
		return nil, err
	}

	byNumber := make(map[string]*models.Account, len(accounts))
	for i := range accounts {
		byNumber[accounts[i].AccountNumber] = &accounts[i]
	}
	for _, t := range txs {
		if a, ok := byNumber[t.AccountNumber]; ok {
			a.Transactions = append(a.Transactions, t)
		}
	}
	for _, g := range grants {
		if a, ok := byNumber[g[0]]; ok {
			a.AuthorizedEmails = append(a.AuthorizedEmails, g[1])
		}
	}
	return accounts, nil
}

func (s *Store) ListTransactions(ctx context.Context) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectTransactions+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("error fetching transactions: %w", err)
	}
	return scanTransactions(rows, s.log)
}

func (s *Store) TransactionsFor(ctx context.Context, accountNumber string) ([]models.Transaction, error) {
	return transactionsFor(ctx, s.db, accountNumber, s.log)
}

func (s *Store) grants(ctx context.Context) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT account_number, email FROM authorized_users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("error fetching authorized users: %w", err)
	}
	defer closeRows(rows, s.log)

	var out [][2]string
	for rows.Next() {
		var g [2]string
		if err := rows.Scan(&g[0], &g[1]); err != nil {
			return nil, fmt.Errorf("error scanning authorized user: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over authorized users: %w", err)
	}
	return out, nil
}

// Atomically runs fn inside one database transaction.
func (s *Store) Atomically(ctx context.Context, fn func(tx ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	if err := fn(&unit{tx: sqlTx, log: s.log}); err != nil {
		s.rollback(sqlTx)
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		s.rollback(sqlTx)
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

func (s *Store) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.log.Error("error rolling back transaction", zap.Error(err))
	}
}

// unit is the ledger.Tx over one *sql.Tx.
type unit struct {
	tx  *sql.Tx
	log *zap.Logger
}

func (u *unit) LoadAccount(ctx context.Context, accountNumber string) (*models.Account, error) {
	return loadAccount(ctx, u.tx, accountNumber, true)
}

func (u *unit) InsertAccount(ctx context.Context, a *models.Account) (bool, error) {
	res, err := u.tx.ExecContext(ctx, insertAccount,
		a.AccountNumber, a.OwnerUserID, a.OwnerEmail, string(a.AccountType), a.Balance, a.Closed)
	if err != nil {
		return false, fmt.Errorf("error inserting account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error inserting account: %w", err)
	}
	return n == 1, nil
}

func (u *unit) PersistAccount(ctx context.Context, a *models.Account) error {
	_, err := u.tx.ExecContext(ctx, upsertAccount,
		a.AccountNumber, a.OwnerUserID, a.OwnerEmail, string(a.AccountType), a.Balance, a.Closed)
	if err != nil {
		return fmt.Errorf("error persisting account: %w", err)
	}
	return nil
}

func (u *unit) AppendTransaction(ctx context.Context, t *models.Transaction) error {
	err := u.tx.QueryRowContext(ctx, insertTransaction,
		t.AccountNumber, string(t.Type), t.Amount, t.Timestamp, t.FromAccountNumber, t.ToAccountNumber).
		Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("error inserting transaction: %w", err)
	}
	return nil
}

func (u *unit) AppendAuthorizedEmail(ctx context.Context, accountNumber, email string) error {
	_, err := u.tx.ExecContext(ctx,
		"INSERT INTO authorized_users (account_number, email) VALUES ($1, $2)", accountNumber, email)
	if err != nil {
		return fmt.Errorf("error inserting authorized user: %w", err)
	}
	return nil
}

func loadAccount(ctx context.Context, q queryer, accountNumber string, forUpdate bool) (*models.Account, error) {
	query := selectAccounts + " WHERE account_number = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var a models.Account
	var typ string
	err := q.QueryRowContext(ctx, query, accountNumber).
		Scan(&a.AccountNumber, &a.OwnerUserID, &a.OwnerEmail, &typ, &a.Balance, &a.Closed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching account: %w", err)
	}
	a.AccountType = models.AccountType(typ)

	if a.Transactions, err = transactionsFor(ctx, q, accountNumber, zap.NewNop()); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		"SELECT email FROM authorized_users WHERE account_number = $1 ORDER BY id", accountNumber)
	if err != nil {
		return nil, fmt.Errorf("error fetching authorized users: %w", err)
	}
	defer closeRows(rows, zap.NewNop())
	a.AuthorizedEmails = []string{}
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("error scanning authorized user: %w", err)
		}
		a.AuthorizedEmails = append(a.AuthorizedEmails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over authorized users: %w", err)
	}
	return &a, nil
}

func transactionsFor(ctx context.Context, q queryer, accountNumber string, log *zap.Logger) ([]models.Transaction, error) {
	rows, err := q.QueryContext(ctx, selectTransactions+" WHERE account_number = $1 ORDER BY id", accountNumber)
	if err != nil {
		return nil, fmt.Errorf("error fetching transactions: %w", err)
	}
	return scanTransactions(rows, log)
}

func scanAccounts(rows *sql.Rows, log *zap.Logger) ([]models.Account, error) {
	defer closeRows(rows, log)

	accounts := []models.Account{}
	for rows.Next() {
		var a models.Account
		var typ string
		if err := rows.Scan(&a.AccountNumber, &a.OwnerUserID, &a.OwnerEmail, &typ, &a.Balance, &a.Closed); err != nil {
			return nil, fmt.Errorf("error scanning account: %w", err)
		}
		a.AccountType = models.AccountType(typ)
		a.Transactions = []models.Transaction{}
		a.AuthorizedEmails = []string{}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over accounts: %w", err)
	}
	return accounts, nil
}

func scanTransactions(rows *sql.Rows, log *zap.Logger) ([]models.Transaction, error) {
	defer closeRows(rows, log)

	txs := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		var typ string
		if err := rows.Scan(&t.ID, &t.AccountNumber, &typ, &t.Amount, &t.Timestamp, &t.FromAccountNumber, &t.ToAccountNumber); err != nil {
			return nil, fmt.Errorf("error scanning transaction: %w", err)
		}
		t.Type = models.TransactionType(typ)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over transactions: %w", err)
	}
	return txs, nil
}

func closeRows(rows *sql.Rows, log *zap.Logger) {
	if err := rows.Close(); err != nil {
		log.Error("error closing rows", zap.Error(err))
	}
}
