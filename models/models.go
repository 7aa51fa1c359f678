package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType is the kind of bank account. It never changes after creation.
type AccountType string

const (
	Checking AccountType = "checking"
	Savings  AccountType = "savings"
)

// Valid reports whether t is one of the supported account types.
func (t AccountType) Valid() bool {
	return t == Checking || t == Savings
}

// TransactionType is the kind of balance-affecting event.
type TransactionType string

const (
	Deposit  TransactionType = "deposit"
	Withdraw TransactionType = "withdraw"
	Transfer TransactionType = "transfer"
)

// User struct
type User struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	PasswordHash string `json:"-"`
	IsAdmin      bool   `json:"isAdmin"`
}

// Account is one bank account together with its transaction history and
// the additional emails it has been shared with.
type Account struct {
	AccountNumber    string          `json:"accountNumber"`
	OwnerUserID      int64           `json:"ownerUserId"`
	OwnerEmail       string          `json:"ownerEmail"`
	AccountType      AccountType     `json:"accountType"`
	Balance          decimal.Decimal `json:"balance"`
	Closed           bool            `json:"-"`
	Transactions     []Transaction   `json:"transactions"`
	AuthorizedEmails []string        `json:"authorizedEmails"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Transactions = append(make([]Transaction, 0, len(a.Transactions)), a.Transactions...)
	cp.AuthorizedEmails = append(make([]string, 0, len(a.AuthorizedEmails)), a.AuthorizedEmails...)
	return &cp
}

// Transaction is an immutable record of one balance-affecting event,
// attributed to AccountNumber.
type Transaction struct {
	ID                int64           `json:"id"`
	AccountNumber     string          `json:"accountNumber"`
	Type              TransactionType `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	Timestamp         time.Time       `json:"timestamp"`
	FromAccountNumber string          `json:"fromAccountNumber"`
	ToAccountNumber   string          `json:"toAccountNumber"`
}
