// Package sqlite is a single-file ledger store built on gorm and SQLite.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/divzzrk/go_bank_api/internal/ledger"
	"github.com/divzzrk/go_bank_api/models"
)

// ErrDuplicateEmail is returned by CreateUser and UpdateUser when the email
// is taken. It is a ledger.ErrConflict.
var ErrDuplicateEmail = fmt.Errorf("%w: duplicate user email", ledger.ErrConflict)

type userRow struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Name         string `gorm:"not null;default:''"`
	Email        string `gorm:"uniqueIndex;not null"`
	Phone        string `gorm:"not null;default:''"`
	PasswordHash string `gorm:"not null"`
	IsAdmin      bool   `gorm:"not null;default:false"`
}

func (userRow) TableName() string { return "users" }

type accountRow struct {
	AccountNumber string          `gorm:"primaryKey"`
	OwnerUserID   int64           `gorm:"not null"`
	OwnerEmail    string          `gorm:"not null"`
	AccountType   string          `gorm:"not null"`
	Balance       decimal.Decimal `gorm:"type:text;not null"`
	Closed        bool            `gorm:"not null;default:false"`
}

func (accountRow) TableName() string { return "accounts" }

type transactionRow struct {
	ID                int64           `gorm:"primaryKey;autoIncrement"`
	AccountNumber     string          `gorm:"index;not null"`
	Type              string          `gorm:"not null"`
	Amount            decimal.Decimal `gorm:"type:text;not null"`
	Timestamp         time.Time       `gorm:"not null"`
	FromAccountNumber string          `gorm:"not null"`
	ToAccountNumber   string          `gorm:"not null"`
}

func (transactionRow) TableName() string { return "transactions" }

type grantRow struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	AccountNumber string `gorm:"index;not null"`
	Email         string `gorm:"not null"`
}

func (grantRow) TableName() string { return "authorized_users" }

// Store is a ledger.Store over a gorm SQLite handle.
type Store struct {
	db *gorm.DB
}

var _ ledger.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates it.
// SQLite allows one writer, so the pool is capped at one connection and
// units of work serialize on it.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&userRow{}, &accountRow{}, &transactionRow{}, &grantRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(s.db.WithContext(ctx).Where("email = ?", email))
}

func (s *Store) FindUserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.findUser(s.db.WithContext(ctx).Where("id = ?", id))
}

func (s *Store) findUser(q *gorm.DB) (*models.User, error) {
	var rows []userRow
	if err := q.Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	u := rows[0].toModel()
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}
	users := make([]models.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.toModel())
	}
	return users, nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	row := userRow{
		Name:         user.Name,
		Email:        user.Email,
		Phone:        user.Phone,
		PasswordHash: user.PasswordHash,
		IsAdmin:      user.IsAdmin,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrDuplicateEmail, user.Email)
		}
		return fmt.Errorf("failed to save user: %w", err)
	}
	user.ID = row.ID
	return nil
}

// UpdateUser rewrites the user and, on an email change, the owner and grant
// emails that referred to the old address.
func (s *Store) UpdateUser(ctx context.Context, previousEmail string, user *models.User) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&userRow{}).Where("id = ?", user.ID).Updates(map[string]any{
			"name":          user.Name,
			"email":         user.Email,
			"phone":         user.Phone,
			"password_hash": user.PasswordHash,
		})
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s", ErrDuplicateEmail, user.Email)
			}
			return fmt.Errorf("failed to update user: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("failed to update user %d: %w", user.ID, gorm.ErrRecordNotFound)
		}
		if user.Email == previousEmail {
			return nil
		}

		err := tx.Model(&accountRow{}).Where("owner_email = ?", previousEmail).
			Update("owner_email", user.Email).Error
		if err != nil {
			return fmt.Errorf("failed to move account owner: %w", err)
		}
		err = tx.Model(&grantRow{}).Where("email = ?", previousEmail).
			Update("email", user.Email).Error
		if err != nil {
			return fmt.Errorf("failed to move authorized users: %w", err)
		}
		return nil
	})
}

func (s *Store) LoadAccount(ctx context.Context, accountNumber string) (*models.Account, error) {
	return loadAccount(s.db.WithContext(ctx), accountNumber)
}

func (s *Store) AccountNumberTaken(ctx context.Context, accountNumber string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&accountRow{}).Where("account_number = ?", accountNumber).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check account number: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	db := s.db.WithContext(ctx)

	var rows []accountRow
	if err := db.Order("account_number").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch accounts: %w", err)
	}
	var txs []transactionRow
	if err := db.Order("id").Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	var grants []grantRow
	if err := db.Order("id").Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch authorized users: %w", err)
	}

	out := make([]models.Account, len(rows))
	index := make(map[string]int, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
		index[r.AccountNumber] = i
	}
	for _, t := range txs {
		if i, ok := index[t.AccountNumber]; ok {
			out[i].Transactions = append(out[i].Transactions, t.toModel())
		}
	}
	for _, g := range grants {
		if i, ok := index[g.AccountNumber]; ok {
			out[i].AuthorizedEmails = append(out[i].AuthorizedEmails, g.Email)
		}
	}
	return out, nil
}

func (s *Store) ListTransactions(ctx context.Context) ([]models.Transaction, error) {
	var rows []transactionRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	return transactionsToModel(rows), nil
}

func (s *Store) TransactionsFor(ctx context.Context, accountNumber string) ([]models.Transaction, error) {
	return transactionsFor(s.db.WithContext(ctx), accountNumber)
}

// Atomically runs fn inside a gorm transaction.
func (s *Store) Atomically(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&unit{db: gtx})
	})
}

type unit struct {
	db *gorm.DB
}

func (u *unit) LoadAccount(_ context.Context, accountNumber string) (*models.Account, error) {
	return loadAccount(u.db, accountNumber)
}

func (u *unit) InsertAccount(_ context.Context, a *models.Account) (bool, error) {
	row := accountRowOf(a)
	res := u.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to save account: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (u *unit) PersistAccount(_ context.Context, a *models.Account) error {
	row := accountRowOf(a)
	err := u.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"balance", "closed"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (u *unit) AppendTransaction(_ context.Context, t *models.Transaction) error {
	row := transactionRow{
		AccountNumber:     t.AccountNumber,
		Type:              string(t.Type),
		Amount:            t.Amount,
		Timestamp:         t.Timestamp,
		FromAccountNumber: t.FromAccountNumber,
		ToAccountNumber:   t.ToAccountNumber,
	}
	if err := u.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	t.ID = row.ID
	return nil
}

func (u *unit) AppendAuthorizedEmail(_ context.Context, accountNumber, email string) error {
	if err := u.db.Create(&grantRow{AccountNumber: accountNumber, Email: email}).Error; err != nil {
		return fmt.Errorf("failed to save authorized user: %w", err)
	}
	return nil
}

func loadAccount(db *gorm.DB, accountNumber string) (*models.Account, error) {
	var rows []accountRow
	if err := db.Where("account_number = ?", accountNumber).Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	acct := rows[0].toModel()

	txs, err := transactionsFor(db, accountNumber)
	if err != nil {
		return nil, err
	}
	acct.Transactions = txs

	var grants []grantRow
	if err := db.Where("account_number = ?", accountNumber).Order("id").Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch authorized users: %w", err)
	}
	for _, g := range grants {
		acct.AuthorizedEmails = append(acct.AuthorizedEmails, g.Email)
	}
	return &acct, nil
}

func transactionsFor(db *gorm.DB, accountNumber string) ([]models.Transaction, error) {
	var rows []transactionRow
	if err := db.Where("account_number = ?", accountNumber).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	return transactionsToModel(rows), nil
}

func accountRowOf(a *models.Account) accountRow {
	return accountRow{
		AccountNumber: a.AccountNumber,
		OwnerUserID:   a.OwnerUserID,
		OwnerEmail:    a.OwnerEmail,
		AccountType:   string(a.AccountType),
		Balance:       a.Balance,
		Closed:        a.Closed,
	}
}

func (r userRow) toModel() models.User {
	return models.User{
		ID:           r.ID,
		Name:         r.Name,
		Email:        r.Email,
		Phone:        r.Phone,
		PasswordHash: r.PasswordHash,
		IsAdmin:      r.IsAdmin,
	}
}

func (r accountRow) toModel() models.Account {
	return models.Account{
		AccountNumber:    r.AccountNumber,
		OwnerUserID:      r.OwnerUserID,
		OwnerEmail:       r.OwnerEmail,
		AccountType:      models.AccountType(r.AccountType),
		Balance:          r.Balance,
		Closed:           r.Closed,
		Transactions:     []models.Transaction{},
		AuthorizedEmails: []string{},
	}
}

func (r transactionRow) toModel() models.Transaction {
	return models.Transaction{
		ID:                r.ID,
		AccountNumber:     r.AccountNumber,
		Type:              models.TransactionType(r.Type),
		Amount:            r.Amount,
		Timestamp:         r.Timestamp.UTC(),
		FromAccountNumber: r.FromAccountNumber,
		ToAccountNumber:   r.ToAccountNumber,
	}
}

func transactionsToModel(rows []transactionRow) []models.Transaction {
	out := make([]models.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}
