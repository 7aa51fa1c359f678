package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/divzzrk/go_bank_api/models"
)

const snapshotVersion = 1

// Snapshot is the on-disk form of a Store.
type Snapshot struct {
	Version    int                  `json:"version"`
	Timestamp  time.Time            `json:"timestamp"`
	NextUserID int64                `json:"nextUserId"`
	NextTxID   int64                `json:"nextTransactionId"`
	Users      []models.User        `json:"users"`
	Passwords  map[string]string    `json:"passwords"`
	Accounts   []snapshotAccount    `json:"accounts"`
	Log        []models.Transaction `json:"transactions"`
}

type snapshotAccount struct {
	models.Account
	Closed bool `json:"closed"`
}

// Snapshot copies the committed state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version:    snapshotVersion,
		NextUserID: s.nextUserID.Load(),
		NextTxID:   s.nextTxID.Load(),
		Passwords:  make(map[string]string, len(s.users)),
		Log:        append([]models.Transaction{}, s.txs...),
	}
	for email, u := range s.users {
		snap.Users = append(snap.Users, u)
		snap.Passwords[email] = u.PasswordHash
	}
	for _, a := range s.accounts {
		snap.Accounts = append(snap.Accounts, snapshotAccount{Account: *a.Clone(), Closed: a.Closed})
	}
	return snap
}

// Restore replaces the store's state with snap.
func (s *Store) Restore(snap Snapshot) error {
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]models.User, len(snap.Users))
	for _, u := range snap.Users {
		u.PasswordHash = snap.Passwords[u.Email]
		s.users[u.Email] = u
	}
	s.accounts = make(map[string]*models.Account, len(snap.Accounts))
	for _, sa := range snap.Accounts {
		a := sa.Account.Clone()
		a.Closed = sa.Closed
		s.accounts[a.AccountNumber] = a
	}
	s.txs = append([]models.Transaction{}, snap.Log...)
	s.nextUserID.Store(snap.NextUserID)
	s.nextTxID.Store(snap.NextTxID)
	return nil
}

// LoadFile restores the store from the JSON snapshot at path. A missing
// file leaves the store empty.
func (s *Store) LoadFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var snap Snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return s.Restore(snap)
}

// SaveFile writes a snapshot to path. It writes path+".tmp" first and
// renames it into place so a crash never leaves a torn file.
func (s *Store) SaveFile(path string) error {
	snap := s.Snapshot()
	snap.Timestamp = time.Now().UTC()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Autosave writes a snapshot to path every interval and a final one when
// ctx is done.
func (s *Store) Autosave(ctx context.Context, path string, every time.Duration, log *zap.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.SaveFile(path); err != nil {
				log.Error("error saving snapshot", zap.String("path", path), zap.Error(err))
			}
		case <-ctx.Done():
			if err := s.SaveFile(path); err != nil {
				return fmt.Errorf("final snapshot: %w", err)
			}
			log.Info("snapshot saved", zap.String("path", path))
			return nil
		}
	}
}
