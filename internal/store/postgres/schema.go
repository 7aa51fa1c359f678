package postgres

const (
	selectAccounts = "SELECT account_number, owner_user_id, owner_email, account_type, balance, closed FROM accounts"

	selectTransactions = "SELECT id, account_number, type, amount, timestamp, from_account_number, to_account_number FROM transactions"

	selectUsers = "SELECT id, name, email, phone, password_hash, is_admin FROM users"

	updateUser = "UPDATE users SET name = $1, email = $2, phone = $3, password_hash = $4 WHERE id = $5"

	insertAccount = `INSERT INTO accounts (account_number, owner_user_id, owner_email, account_type, balance, closed)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (account_number) DO NOTHING`

	upsertAccount = `INSERT INTO accounts (account_number, owner_user_id, owner_email, account_type, balance, closed)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (account_number) DO UPDATE SET balance = EXCLUDED.balance, closed = EXCLUDED.closed`

	insertTransaction = `INSERT INTO transactions (account_number, type, amount, timestamp, from_account_number, to_account_number)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
)

// transactions and authorized_users are insert-only.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT UNIQUE NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		account_number TEXT PRIMARY KEY,
		owner_user_id BIGINT NOT NULL REFERENCES users (id),
		owner_email TEXT NOT NULL,
		account_type TEXT NOT NULL CHECK (account_type IN ('checking', 'savings')),
		balance NUMERIC(18, 2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		closed BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id BIGSERIAL PRIMARY KEY,
		account_number TEXT NOT NULL REFERENCES accounts (account_number),
		type TEXT NOT NULL CHECK (type IN ('deposit', 'withdraw', 'transfer')),
		amount NUMERIC(18, 2) NOT NULL CHECK (amount > 0),
		timestamp TIMESTAMPTZ NOT NULL,
		from_account_number TEXT NOT NULL,
		to_account_number TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_account_number_idx ON transactions (account_number, id)`,
	`CREATE TABLE IF NOT EXISTS authorized_users (
		id BIGSERIAL PRIMARY KEY,
		account_number TEXT NOT NULL REFERENCES accounts (account_number),
		email TEXT NOT NULL
	)`,
}
