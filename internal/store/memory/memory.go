// Package memory is an in-process implementation of the ledger store.
// Writes made through a unit of work are staged and applied under one lock
// at commit, so readers only ever see committed state.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/divzzrk/go_bank_api/internal/ledger"
	"github.com/divzzrk/go_bank_api/models"
)

// Store keeps users, accounts and transactions in maps guarded by mu.
type Store struct {
	mu       sync.RWMutex
	users    map[string]models.User
	accounts map[string]*models.Account
	txs      []models.Transaction

	nextUserID atomic.Int64
	nextTxID   atomic.Int64
}

var _ ledger.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[string]models.User),
		accounts: make(map[string]*models.Account),
	}
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[email]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) FindUserByID(_ context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, nil
}

// ListUsers returns every user ordered by id.
func (s *Store) ListUsers(_ context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b models.User) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Email]; ok {
		return fmt.Errorf("%w: duplicate user email %q", ledger.ErrConflict, user.Email)
	}
	user.ID = s.nextUserID.Add(1)
	s.users[user.Email] = *user
	return nil
}

func (s *Store) UpdateUser(_ context.Context, previousEmail string, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.users[previousEmail]
	if !ok || current.ID != user.ID {
		return fmt.Errorf("update user: user %d is not registered as %q", user.ID, previousEmail)
	}
	if user.Email != previousEmail {
		if _, taken := s.users[user.Email]; taken {
			return fmt.Errorf("%w: duplicate user email %q", ledger.ErrConflict, user.Email)
		}
		delete(s.users, previousEmail)
		for _, a := range s.accounts {
			if a.OwnerEmail == previousEmail {
				a.OwnerEmail = user.Email
			}
			for i, email := range a.AuthorizedEmails {
				if email == previousEmail {
					a.AuthorizedEmails[i] = user.Email
				}
			}
		}
	}
	s.users[user.Email] = *user
	return nil
}

func (s *Store) LoadAccount(_ context.Context, accountNumber string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[accountNumber].Clone(), nil
}

func (s *Store) AccountNumberTaken(_ context.Context, accountNumber string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.accounts[accountNumber]
	return ok, nil
}

// ListAccounts returns every account, closed ones included, ordered by
// account number.
func (s *Store) ListAccounts(_ context.Context) ([]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a.Clone())
	}
	slices.SortFunc(out, func(a, b models.Account) int { return cmp.Compare(a.AccountNumber, b.AccountNumber) })
	return out, nil
}

func (s *Store) ListTransactions(_ context.Context) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.txs), nil
}

func (s *Store) TransactionsFor(_ context.Context, accountNumber string) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountNumber]
	if !ok {
		return nil, nil
	}
	return slices.Clone(a.Transactions), nil
}

func (s *Store) Ping(context.Context) error { return nil }

// Atomically stages every write fn makes and applies them together when fn
// succeeds.
func (s *Store) Atomically(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &unit{
		store: s,
		rows:  make(map[string]models.Account),
	}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(t)
	return nil
}

func (s *Store) commit(t *unit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for number, row := range t.rows {
		a, ok := s.accounts[number]
		if !ok {
			fresh := row
			fresh.Transactions = []models.Transaction{}
			fresh.AuthorizedEmails = []string{}
			s.accounts[number] = &fresh
			continue
		}
		a.Balance = row.Balance
		a.Closed = row.Closed
	}
	for _, tx := range t.txs {
		a := s.accounts[tx.AccountNumber]
		a.Transactions = append(a.Transactions, tx)
		s.txs = append(s.txs, tx)
	}
	for _, g := range t.grants {
		a := s.accounts[g.accountNumber]
		a.AuthorizedEmails = append(a.AuthorizedEmails, g.email)
	}
}

type grant struct {
	accountNumber string
	email         string
}

// unit is one staged unit of work.
type unit struct {
	store  *Store
	rows   map[string]models.Account
	txs    []models.Transaction
	grants []grant
}

func (u *unit) LoadAccount(ctx context.Context, accountNumber string) (*models.Account, error) {
	acct, err := u.store.LoadAccount(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	row, staged := u.rows[accountNumber]
	switch {
	case acct == nil && !staged:
		return nil, nil
	case acct == nil:
		acct = &models.Account{}
		*acct = row
		acct.Transactions = []models.Transaction{}
		acct.AuthorizedEmails = []string{}
	case staged:
		acct.Balance = row.Balance
		acct.Closed = row.Closed
	}
	for _, tx := range u.txs {
		if tx.AccountNumber == accountNumber {
			acct.Transactions = append(acct.Transactions, tx)
		}
	}
	for _, g := range u.grants {
		if g.accountNumber == accountNumber {
			acct.AuthorizedEmails = append(acct.AuthorizedEmails, g.email)
		}
	}
	return acct, nil
}

func (u *unit) InsertAccount(ctx context.Context, account *models.Account) (bool, error) {
	if u.known(account.AccountNumber) {
		return false, nil
	}
	return true, u.PersistAccount(ctx, account)
}

func (u *unit) PersistAccount(_ context.Context, account *models.Account) error {
	row := *account
	row.Transactions = nil
	row.AuthorizedEmails = nil
	u.rows[account.AccountNumber] = row
	return nil
}

func (u *unit) AppendTransaction(_ context.Context, t *models.Transaction) error {
	if !u.known(t.AccountNumber) {
		return fmt.Errorf("append transaction: account %s does not exist", t.AccountNumber)
	}
	t.ID = u.store.nextTxID.Add(1)
	u.txs = append(u.txs, *t)
	return nil
}

func (u *unit) AppendAuthorizedEmail(_ context.Context, accountNumber, email string) error {
	if !u.known(accountNumber) {
		return fmt.Errorf("append authorized email: account %s does not exist", accountNumber)
	}
	u.grants = append(u.grants, grant{accountNumber: accountNumber, email: email})
	return nil
}

func (u *unit) known(accountNumber string) bool {
	if _, ok := u.rows[accountNumber]; ok {
		return true
	}
	ok, _ := u.store.AccountNumberTaken(context.Background(), accountNumber)
	return ok
}
