package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/divzzrk/go_bank_api/models"
)

// Principal is a resolved identity acting on the ledger.
type Principal struct {
	UserID  int64
	Email   string
	IsAdmin bool
}

// Directory resolves emails to principals and registers users.
type Directory struct {
	users UserStore
	log   *zap.Logger
	locks *lockTable
	cost  int
}

// NewDirectory returns a Directory over users. cost is the bcrypt cost used
// for new passwords; zero selects bcrypt.DefaultCost.
func NewDirectory(users UserStore, log *zap.Logger, cost int) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Directory{users: users, log: log, locks: newLockTable(), cost: cost}
}

// Resolve returns the principal registered under email.
func (d *Directory) Resolve(ctx context.Context, email string) (Principal, error) {
	user, err := d.lookup(ctx, email)
	if err != nil {
		return Principal{}, err
	}
	return principalOf(user), nil
}

func (d *Directory) lookup(ctx context.Context, email string) (*models.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, notFoundf("user %q", email)
	}
	user, err := d.users.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, persistence("find user", err)
	}
	if user == nil {
		return nil, notFoundf("user %q", email)
	}
	return user, nil
}

// Register stores a new user with a bcrypt hash of password.
func (d *Directory) Register(ctx context.Context, user models.User, password string) (*models.User, error) {
	email, err := parseEmail(user.Email)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, validationf("password is required")
	}
	user.Email = email
	user.Name = strings.TrimSpace(user.Name)

	release := d.locks.acquire(email)
	defer release()

	existing, err := d.users.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, persistence("find user", err)
	}
	if existing != nil {
		d.log.Warn("duplicate registration", zap.String("email", email))
		return nil, fmt.Errorf("%w: user %q already exists", ErrConflict, email)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = string(hash)

	if err := d.users.CreateUser(ctx, &user); err != nil {
		err = persistence("create user", err)
		if isPersistence(err) {
			d.log.Error("error creating user", zap.String("email", email), zap.Error(err))
		} else {
			d.log.Warn("duplicate registration", zap.String("email", email), zap.Error(err))
		}
		return nil, err
	}
	d.log.Info("user registered", zap.String("email", email), zap.Int64("user_id", user.ID))
	return &user, nil
}

// UserUpdate lists the fields to change. Nil fields are left as they are.
type UserUpdate struct {
	Name     *string
	Email    *string
	Phone    *string
	Password *string
}

// Update applies upd to the user with id. Users may update themselves and
// admins may update anyone. A new email must be well formed and free; a new
// password is re-hashed. Changing the email carries the user's accounts and
// grants over to it.
func (d *Directory) Update(ctx context.Context, requester Principal, id int64, upd UserUpdate) (*models.User, error) {
	if !requester.IsAdmin && requester.UserID != id {
		return nil, fmt.Errorf("%w: %s may not update user %d", ErrUnauthorized, requester.Email, id)
	}

	user, err := d.users.FindUserByID(ctx, id)
	if err != nil {
		return nil, persistence("find user", err)
	}
	if user == nil {
		return nil, notFoundf("user %d", id)
	}
	previous := user.Email

	if upd.Name != nil {
		user.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Phone != nil {
		user.Phone = strings.TrimSpace(*upd.Phone)
	}
	if upd.Email != nil {
		if user.Email, err = parseEmail(*upd.Email); err != nil {
			return nil, err
		}
	}
	if upd.Password != nil {
		if *upd.Password == "" {
			return nil, validationf("password must not be empty")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*upd.Password), d.cost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		user.PasswordHash = string(hash)
	}

	release := d.locks.acquire(previous, user.Email)
	defer release()

	if user.Email != previous {
		existing, err := d.users.FindUserByEmail(ctx, user.Email)
		if err != nil {
			return nil, persistence("find user", err)
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: user %q already exists", ErrConflict, user.Email)
		}
	}

	if err := d.users.UpdateUser(ctx, previous, user); err != nil {
		d.log.Error("error updating user", zap.Int64("user_id", id), zap.Error(err))
		return nil, persistence("update user", err)
	}
	d.log.Info("user updated",
		zap.Int64("user_id", id),
		zap.String("email", user.Email),
		zap.Bool("email_changed", user.Email != previous),
		zap.Bool("password_changed", upd.Password != nil))
	return user, nil
}

// Users lists every registered user ordered by id.
func (d *Directory) Users(ctx context.Context) ([]models.User, error) {
	users, err := d.users.ListUsers(ctx)
	if err != nil {
		return nil, persistence("list users", err)
	}
	if users == nil {
		users = []models.User{}
	}
	return users, nil
}

// Authenticate checks password against the stored hash.
func (d *Directory) Authenticate(ctx context.Context, email, password string) (Principal, error) {
	user, err := d.lookup(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, fmt.Errorf("%w: incorrect credentials", ErrUnauthorized)
		}
		return Principal{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		d.log.Warn("incorrect password", zap.String("email", user.Email))
		return Principal{}, fmt.Errorf("%w: incorrect credentials", ErrUnauthorized)
	}
	return principalOf(user), nil
}

func principalOf(u *models.User) Principal {
	return Principal{UserID: u.ID, Email: u.Email, IsAdmin: u.IsAdmin}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func parseEmail(raw string) (string, error) {
	email := normalizeEmail(raw)
	if email == "" {
		return "", validationf("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", validationf("malformed email %q", raw)
	}
	return email, nil
}
