package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transaction types recorded against an account.
const (
	TypeAdjustment     = "adjustment"
	TypeNoteWithdrawal = "bank_note_withdrawal"
	TypeNoteDeposit    = "bank_note_deposit"
)

var (
	// ErrAccountNotFound is returned when the referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientFunds is returned when a debit would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicateAccount is returned when an identifier hash is already registered.
	ErrDuplicateAccount = errors.New("account already exists")
)

// Account is a ledger account row. Identifier hashes and the encrypted profile
// blob are opaque to the ledger; only the balance is interpreted here.
type Account struct {
	ID           string
	UsernameHash string
	EmailHash    string
	PasswordHash string
	ProfileData  string
	ProfileIV    string
	Balance      Amount
	CreatedAt    time.Time
}

// Transaction is an immutable history row. The transaction id doubles as the
// idempotency marker: its existence means the mutation has been applied.
type Transaction struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"-"`
	Type         string    `json:"type"`
	Amount       Amount    `json:"amount"`
	BalanceAfter Amount    `json:"balance_after"`
	Reference    string    `json:"description"`
	Timestamp    time.Time `json:"timestamp"`
}

// ApplyResult reports the outcome of a balance mutation.
type ApplyResult struct {
	NewBalance    Amount
	TransactionID string
	Replayed      bool
}

// Ledger owns the accounts and transactions tables. Every balance mutation is
// a single database transaction so a crash can never leave a balance change
// without its history row or vice versa.
type Ledger struct {
	db    *sql.DB
	nowFn func() time.Time
}

func New(db *sql.DB) (*Ledger, error) {
	l := &Ledger{db: db, nowFn: time.Now}
	if err := l.init(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            id TEXT PRIMARY KEY,
            username_hash TEXT NOT NULL UNIQUE,
            email_hash TEXT NOT NULL,
            password_hash TEXT NOT NULL,
            profile_data TEXT,
            profile_iv TEXT,
            balance INTEGER NOT NULL CHECK (balance >= 0),
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS transactions (
            transaction_id TEXT PRIMARY KEY,
            account_id TEXT NOT NULL,
            transaction_type TEXT NOT NULL,
            amount INTEGER NOT NULL,
            balance_after INTEGER NOT NULL,
            reference TEXT NOT NULL DEFAULT '',
            timestamp TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account
            ON transactions(account_id, timestamp DESC);`,
	}
	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply ledger schema: %w", err)
		}
	}
	return nil
}

// CreateAccount inserts a new account row.
func (l *Ledger) CreateAccount(ctx context.Context, acct Account) error {
	const stmt = `INSERT INTO accounts(id, username_hash, email_hash, password_hash, profile_data, profile_iv, balance, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	createdAt := acct.CreatedAt
	if createdAt.IsZero() {
		createdAt = l.nowFn().UTC()
	}
	_, err := l.db.ExecContext(ctx, stmt, acct.ID, acct.UsernameHash, acct.EmailHash,
		acct.PasswordHash, acct.ProfileData, acct.ProfileIV, int64(acct.Balance), createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// UpsertReplica records an account announced by a peer node, overwriting any
// previous replica so repeated delivery of the same announcement is harmless.
func (l *Ledger) UpsertReplica(ctx context.Context, acct Account) error {
	const stmt = `INSERT INTO accounts(id, username_hash, email_hash, password_hash, profile_data, profile_iv, balance, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            username_hash = excluded.username_hash,
            email_hash = excluded.email_hash,
            password_hash = excluded.password_hash,
            profile_data = excluded.profile_data,
            profile_iv = excluded.profile_iv,
            balance = excluded.balance`
	createdAt := acct.CreatedAt
	if createdAt.IsZero() {
		createdAt = l.nowFn().UTC()
	}
	_, err := l.db.ExecContext(ctx, stmt, acct.ID, acct.UsernameHash, acct.EmailHash,
		acct.PasswordHash, acct.ProfileData, acct.ProfileIV, int64(acct.Balance), createdAt)
	if err != nil {
		return fmt.Errorf("upsert account replica: %w", err)
	}
	return nil
}

// Account fetches an account by id.
func (l *Ledger) Account(ctx context.Context, id string) (Account, error) {
	const query = `SELECT id, username_hash, email_hash, password_hash, profile_data, profile_iv, balance, created_at
        FROM accounts WHERE id = ?`
	return l.scanAccount(l.db.QueryRowContext(ctx, query, id))
}

// AccountByUsernameHash fetches an account by its hashed username, the lookup
// used during authentication.
func (l *Ledger) AccountByUsernameHash(ctx context.Context, hash string) (Account, error) {
	const query = `SELECT id, username_hash, email_hash, password_hash, profile_data, profile_iv, balance, created_at
        FROM accounts WHERE username_hash = ?`
	return l.scanAccount(l.db.QueryRowContext(ctx, query, hash))
}

func (l *Ledger) scanAccount(row *sql.Row) (Account, error) {
	var acct Account
	var balance int64
	var profileData, profileIV sql.NullString
	err := row.Scan(&acct.ID, &acct.UsernameHash, &acct.EmailHash, &acct.PasswordHash,
		&profileData, &profileIV, &balance, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("scan account: %w", err)
	}
	acct.ProfileData = profileData.String
	acct.ProfileIV = profileIV.String
	acct.Balance = Amount(balance)
	return acct, nil
}

// Apply mutates an account balance inside its own database transaction. See
// ApplyTx for the semantics.
func (l *Ledger) Apply(ctx context.Context, accountID string, amount Amount, txnID, txnType, reference string) (ApplyResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin: %w", err)
	}
	result, err := l.ApplyTx(ctx, tx, accountID, amount, txnID, txnType, reference)
	if err != nil {
		_ = tx.Rollback()
		return ApplyResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// ApplyTx applies a signed amount to an account within the caller's database
// transaction. If the transaction id has already been recorded, the prior
// result is returned unchanged; callers may retry and peers may replay without
// double application. A debit that would take the balance negative fails with
// ErrInsufficientFunds and writes nothing.
func (l *Ledger) ApplyTx(ctx context.Context, tx *sql.Tx, accountID string, amount Amount, txnID, txnType, reference string) (ApplyResult, error) {
	var priorBalance int64
	err := tx.QueryRowContext(ctx,
		`SELECT balance_after FROM transactions WHERE transaction_id = ?`, txnID).Scan(&priorBalance)
	if err == nil {
		return ApplyResult{NewBalance: Amount(priorBalance), TransactionID: txnID, Replayed: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ApplyResult{}, fmt.Errorf("lookup transaction: %w", err)
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ApplyResult{}, ErrAccountNotFound
	}
	if err != nil {
		return ApplyResult{}, fmt.Errorf("read balance: %w", err)
	}

	newBalance := Amount(balance) + amount
	if newBalance < 0 {
		return ApplyResult{}, ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ? WHERE id = ?`, int64(newBalance), accountID); err != nil {
		return ApplyResult{}, fmt.Errorf("update balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transactions(transaction_id, account_id, transaction_type, amount, balance_after, reference, timestamp)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		txnID, accountID, txnType, int64(amount), int64(newBalance), reference, l.nowFn().UTC()); err != nil {
		return ApplyResult{}, fmt.Errorf("insert transaction: %w", err)
	}
	return ApplyResult{NewBalance: newBalance, TransactionID: txnID}, nil
}

// ApplyReplica records a balance update announced by a peer. The sender is the
// node that validated the mutation, so its balance_after is adopted verbatim;
// the transaction id keeps replays idempotent.
func (l *Ledger) ApplyReplica(ctx context.Context, accountID string, amount, balanceAfter Amount, txnID, txnType, reference string, timestamp time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM transactions WHERE transaction_id = ?`, txnID).Scan(&exists)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ? WHERE id = ?`, int64(balanceAfter), accountID); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if timestamp.IsZero() {
		timestamp = l.nowFn().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transactions(transaction_id, account_id, transaction_type, amount, balance_after, reference, timestamp)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		txnID, accountID, txnType, int64(amount), int64(balanceAfter), reference, timestamp); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return tx.Commit()
}

// Transactions returns the most recent history rows for an account.
func (l *Ledger) Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT transaction_id, account_id, transaction_type, amount, balance_after, reference, timestamp
        FROM transactions WHERE account_id = ? ORDER BY timestamp DESC LIMIT ?`
	rows, err := l.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()
	var txns []Transaction
	for rows.Next() {
		var txn Transaction
		var amount, after int64
		if err := rows.Scan(&txn.ID, &txn.AccountID, &txn.Type, &amount, &after, &txn.Reference, &txn.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txn.Amount = Amount(amount)
		txn.BalanceAfter = Amount(after)
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// TransactionByReference finds the newest transaction for an account whose
// reference text contains the supplied fragment. Bank notes and transactions
// are not foreign-keyed, so receipts locate their transaction this way.
func (l *Ledger) TransactionByReference(ctx context.Context, accountID, fragment string) (Transaction, error) {
	const query = `SELECT transaction_id, account_id, transaction_type, amount, balance_after, reference, timestamp
        FROM transactions WHERE account_id = ? AND reference LIKE ? ORDER BY timestamp DESC LIMIT 1`
	row := l.db.QueryRowContext(ctx, query, accountID, "%"+fragment+"%")
	var txn Transaction
	var amount, after int64
	err := row.Scan(&txn.ID, &txn.AccountID, &txn.Type, &amount, &after, &txn.Reference, &txn.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, sql.ErrNoRows
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	txn.Amount = Amount(amount)
	txn.BalanceAfter = Amount(after)
	return txn, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
