package notes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"securebank/crypto"
	"securebank/ledger"
)

var (
	// ErrNotFound is returned when a note cannot be located locally or on any peer.
	ErrNotFound = errors.New("bank note not found")
	// ErrAlreadyRedeemed is returned when a deposit or import targets a spent note.
	ErrAlreadyRedeemed = errors.New("bank note already redeemed")
	// ErrExpired is returned when a note is past its expiry.
	ErrExpired = errors.New("bank note expired")
	// ErrInvalidSignature is returned when a note signature fails verification.
	ErrInvalidSignature = errors.New("bank note signature invalid")
	// ErrMalformedDocument is returned when an imported document is not a valid note.
	ErrMalformedDocument = errors.New("malformed bank note document")
	// ErrUnauthorized is returned when the requester is neither issuer nor redeemer.
	ErrUnauthorized = errors.New("not authorized for this bank note")
	// ErrInvalidAmount is returned when a note would be created for a non-positive value.
	ErrInvalidAmount = errors.New("note amount must be positive")
)

// Propagator announces committed local events to the rest of the federation.
// Delivery is asynchronous and must never block or fail the local operation.
type Propagator interface {
	Propagate(ctx context.Context, action string, payload map[string]any)
}

// PeerVerifier asks trusted peers about a note that is unknown locally.
type PeerVerifier interface {
	VerifyWithPeers(ctx context.Context, identifier string) (*Note, error)
}

// Registry owns the bank_notes table and drives the note lifecycle. Balance
// effects run through the ledger inside the same database transaction as the
// note state change, so a note can never be redeemed without its credit or
// issued without its debit.
type Registry struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	signer   crypto.NoteSigner
	verifier crypto.NoteVerifier
	nodeID   string
	nodeName string
	logger   *slog.Logger
	nowFn    func() time.Time

	propagator Propagator
	peers      PeerVerifier
}

func NewRegistry(db *sql.DB, l *ledger.Ledger, signer crypto.NoteSigner, verifier crypto.NoteVerifier, nodeID, nodeName string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		db:       db,
		ledger:   l,
		signer:   signer,
		verifier: verifier,
		nodeID:   nodeID,
		nodeName: nodeName,
		logger:   logger.With("component", "notes"),
		nowFn:    func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS bank_notes (
            note_id TEXT PRIMARY KEY,
            serial_number TEXT NOT NULL UNIQUE,
            amount INTEGER NOT NULL,
            issuer TEXT NOT NULL,
            issuer_id TEXT NOT NULL,
            issuing_account_id TEXT,
            status TEXT NOT NULL DEFAULT 'active',
            signature TEXT NOT NULL,
            issued_at TIMESTAMP NOT NULL,
            expires_at TIMESTAMP NOT NULL,
            redeemed_at TIMESTAMP,
            redeemed_by TEXT,
            redemption_account_id TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS idx_bank_notes_issuing_account
            ON bank_notes(issuing_account_id);`,
		`CREATE INDEX IF NOT EXISTS idx_bank_notes_redemption_account
            ON bank_notes(redemption_account_id);`,
		`CREATE TABLE IF NOT EXISTS processed_requests (
            idempotency_key TEXT NOT NULL,
            account_id TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            PRIMARY KEY (idempotency_key, account_id)
        );`,
		`CREATE TABLE IF NOT EXISTS peer_status (
            node_id TEXT PRIMARY KEY,
            name TEXT NOT NULL DEFAULT '',
            last_seen TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply notes schema: %w", err)
		}
	}
	return nil
}

// SetPropagator wires the sync engine in after construction; the engine and
// the registry reference each other.
func (r *Registry) SetPropagator(p Propagator) { r.propagator = p }

// SetPeerVerifier wires the federation lookup used when a note is unknown locally.
func (r *Registry) SetPeerVerifier(v PeerVerifier) { r.peers = v }

func (r *Registry) propagate(ctx context.Context, action string, payload map[string]any) {
	if r.propagator == nil {
		return
	}
	r.propagator.Propagate(ctx, action, payload)
}

// CreateParams describes a note issuance request. NoteID and Serial are minted
// when empty; ExpiryDays defaults to 30.
type CreateParams struct {
	AccountID  string
	Amount     ledger.Amount
	NoteID     string
	Serial     string
	ExpiryDays int
}

// Create issues a signed note and debits the issuing account atomically. The
// created note and the balance update are announced to peers after commit.
func (r *Registry) Create(ctx context.Context, p CreateParams) (Note, error) {
	if p.Amount <= 0 {
		return Note{}, ErrInvalidAmount
	}
	if p.NoteID == "" {
		p.NoteID = NewNoteID()
	}
	if p.Serial == "" {
		p.Serial = NewSerial()
	}
	if p.ExpiryDays <= 0 {
		p.ExpiryDays = 30
	}
	now := r.nowFn()
	note := Note{
		NoteID:           p.NoteID,
		Serial:           p.Serial,
		Amount:           p.Amount,
		Issuer:           r.nodeName,
		IssuerID:         r.nodeID,
		IssuingAccountID: p.AccountID,
		Status:           StatusActive,
		IssuedAt:         now,
		ExpiresAt:        now.Add(time.Duration(p.ExpiryDays) * 24 * time.Hour),
	}
	signature, err := r.signer.Sign(note.Canonical())
	if err != nil {
		return Note{}, fmt.Errorf("sign note: %w", err)
	}
	note.Signature = signature

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Note{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertNote(ctx, tx, note); err != nil {
		return Note{}, err
	}
	reference := fmt.Sprintf("Bank note withdrawal: %s", note.Serial)
	result, err := r.ledger.ApplyTx(ctx, tx, p.AccountID, note.Amount.Neg(), NewTransactionID(), ledger.TypeNoteWithdrawal, reference)
	if err != nil {
		return Note{}, err
	}
	if err := tx.Commit(); err != nil {
		return Note{}, fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("bank note created",
		"note_id", note.NoteID, "serial", note.Serial,
		"amount", note.Amount.String(), "account", p.AccountID)

	r.propagate(ctx, "bank_note_created", map[string]any{
		"note_id":    note.NoteID,
		"serial":     note.Serial,
		"amount":     note.Amount.String(),
		"issuer":     note.Issuer,
		"issuer_id":  note.IssuerID,
		"user_id":    note.IssuingAccountID,
		"signature":  note.Signature,
		"issued_at":  note.IssuedAt.Format(time.RFC3339),
		"expires_at": note.ExpiresAt.Format(time.RFC3339),
	})
	r.propagateBalance(ctx, p.AccountID, note.Amount.Neg(), result, ledger.TypeNoteWithdrawal, reference)
	return note, nil
}

func (r *Registry) propagateBalance(ctx context.Context, accountID string, amount ledger.Amount, result ledger.ApplyResult, txnType, reference string) {
	r.propagate(ctx, "balance_update", map[string]any{
		"account_id":       accountID,
		"transaction_id":   result.TransactionID,
		"transaction_type": txnType,
		"amount":           amount.String(),
		"balance":          result.NewBalance.String(),
		"reference":        reference,
		"timestamp":        r.nowFn().Format(time.RFC3339),
	})
}

// Get resolves a note by id or serial. A locally unknown note is looked up on
// trusted peers in configuration order; a verified foreign note is cached
// locally so later deposits need no further network round trip.
func (r *Registry) Get(ctx context.Context, identifier string) (Note, error) {
	note, err := r.local(ctx, identifier)
	if err == nil {
		note.Status = note.EffectiveStatus(r.nowFn())
		return note, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Note{}, err
	}
	if r.peers == nil {
		return Note{}, ErrNotFound
	}
	remote, err := r.peers.VerifyWithPeers(ctx, identifier)
	if err != nil || remote == nil {
		return Note{}, ErrNotFound
	}
	if err := r.StoreForeign(ctx, *remote); err != nil {
		r.logger.Warn("cache foreign note", "note_id", remote.NoteID, "error", err)
	}
	cached := *remote
	cached.Status = cached.EffectiveStatus(r.nowFn())
	return cached, nil
}

// Local resolves a note from this node's own store without consulting peers.
// The sync verify handler uses this to keep lookups from bouncing between
// nodes that both lack the note.
func (r *Registry) Local(ctx context.Context, identifier string) (Note, error) {
	note, err := r.local(ctx, identifier)
	if err != nil {
		return Note{}, err
	}
	note.Status = note.EffectiveStatus(r.nowFn())
	return note, nil
}

func (r *Registry) local(ctx context.Context, identifier string) (Note, error) {
	const query = selectNoteColumns + ` FROM bank_notes WHERE note_id = ? OR serial_number = ?`
	return scanNote(r.db.QueryRowContext(ctx, query, identifier, identifier))
}

// StoreForeign records a note issued elsewhere. An existing row adopts the
// newer redemption state; a missing row is inserted without an issuing account.
// Peers serve read-time derived statuses, so anything short of redeemed is
// normalized back to active before it touches storage: expired stays a
// derived state here too.
func (r *Registry) StoreForeign(ctx context.Context, note Note) error {
	note.IssuingAccountID = ""
	if note.Status != StatusRedeemed {
		note.Status = StatusActive
		note.RedeemedAt = nil
		note.RedeemedBy = ""
		note.RedemptionAccountID = ""
	}
	r.recordPeer(ctx, note.IssuerID, note.Issuer)
	existing, err := r.local(ctx, note.NoteID)
	if errors.Is(err, ErrNotFound) {
		return r.insertDB(ctx, note)
	}
	if err != nil {
		return err
	}
	// Redemption is the only transition a foreign copy may introduce; a stale
	// active copy never reopens a locally redeemed note.
	if note.Status != StatusRedeemed || existing.Status == StatusRedeemed {
		return nil
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE bank_notes SET status = ?, redeemed_at = ?, redeemed_by = ?, redemption_account_id = ?
         WHERE note_id = ?`,
		string(note.Status), nullableTime(note.RedeemedAt), note.RedeemedBy, note.RedemptionAccountID, note.NoteID)
	if err != nil {
		return fmt.Errorf("update foreign note: %w", err)
	}
	return nil
}

// DepositParams describes a redemption request.
type DepositParams struct {
	Identifier     string
	AccountID      string
	IdempotencyKey string
}

// Deposit redeems a note into the given account. The status flip is a
// compare-and-set on the stored row, so two concurrent deposits of the same
// note produce exactly one credit; the loser gets ErrAlreadyRedeemed. A replay
// of a spent idempotency key answers with the prior outcome instead of an
// error, so a client that lost the first response can retry safely. The key is
// only consumed inside the deposit transaction: a failed attempt leaves it
// unspent.
func (r *Registry) Deposit(ctx context.Context, p DepositParams) (Note, ledger.ApplyResult, error) {
	key := strings.TrimSpace(p.IdempotencyKey)
	if key != "" {
		var seen int
		err := r.db.QueryRowContext(ctx,
			`SELECT 1 FROM processed_requests WHERE idempotency_key = ? AND account_id = ?`,
			key, p.AccountID).Scan(&seen)
		if err == nil {
			return r.priorDeposit(ctx, p)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Note{}, ledger.ApplyResult{}, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	note, err := r.Get(ctx, p.Identifier)
	if err != nil {
		return Note{}, ledger.ApplyResult{}, err
	}
	now := r.nowFn()
	if note.ExpiresAt.Before(now) {
		return Note{}, ledger.ApplyResult{}, ErrExpired
	}
	if note.Status != StatusActive {
		return Note{}, ledger.ApplyResult{}, ErrAlreadyRedeemed
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Note{}, ledger.ApplyResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE bank_notes SET status = 'redeemed', redeemed_at = ?, redeemed_by = ?, redemption_account_id = ?
         WHERE note_id = ? AND status = 'active'`,
		now, r.nodeID, p.AccountID, note.NoteID)
	if err != nil {
		return Note{}, ledger.ApplyResult{}, fmt.Errorf("redeem note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Note{}, ledger.ApplyResult{}, ErrAlreadyRedeemed
	}

	reference := fmt.Sprintf("Bank note deposit: %s from %s", note.Serial, note.Issuer)
	result, err := r.ledger.ApplyTx(ctx, tx, p.AccountID, note.Amount, NewTransactionID(), ledger.TypeNoteDeposit, reference)
	if err != nil {
		return Note{}, ledger.ApplyResult{}, err
	}
	if key != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO processed_requests(idempotency_key, account_id, created_at) VALUES (?, ?, ?)`,
			key, p.AccountID, now); err != nil {
			return Note{}, ledger.ApplyResult{}, fmt.Errorf("record idempotency key: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Note{}, ledger.ApplyResult{}, fmt.Errorf("commit: %w", err)
	}

	note.Status = StatusRedeemed
	note.RedeemedAt = &now
	note.RedeemedBy = r.nodeID
	note.RedemptionAccountID = p.AccountID

	r.logger.Info("bank note redeemed",
		"note_id", note.NoteID, "serial", note.Serial,
		"amount", note.Amount.String(), "account", p.AccountID)

	r.propagate(ctx, "bank_note_redeemed", map[string]any{
		"note_id":               note.NoteID,
		"redeemed_by":           r.nodeID,
		"redeemed_by_name":      r.nodeName,
		"redemption_account_id": p.AccountID,
		"redeemed_at":           now.Format(time.RFC3339),
	})
	r.propagateBalance(ctx, p.AccountID, note.Amount, result, ledger.TypeNoteDeposit, reference)
	return note, result, nil
}

// priorDeposit reports the outcome already applied for a replayed idempotency
// key: the note as it stands and the account's current balance.
func (r *Registry) priorDeposit(ctx context.Context, p DepositParams) (Note, ledger.ApplyResult, error) {
	note, err := r.Get(ctx, p.Identifier)
	if err != nil {
		return Note{}, ledger.ApplyResult{}, err
	}
	acct, err := r.ledger.Account(ctx, p.AccountID)
	if err != nil {
		return Note{}, ledger.ApplyResult{}, err
	}
	return note, ledger.ApplyResult{NewBalance: acct.Balance, Replayed: true}, nil
}

// Import accepts a note document exported from another node. The document must
// carry every interchange field, a valid signature, and an unexpired note; a
// note already known here must still be active or the import is rejected.
func (r *Registry) Import(ctx context.Context, document []byte) (Note, error) {
	var wrapper struct {
		Note map[string]json.RawMessage `json:"securebank_note"`
	}
	if err := json.Unmarshal(document, &wrapper); err != nil || wrapper.Note == nil {
		return Note{}, ErrMalformedDocument
	}
	required := []string{"note_id", "serial", "amount", "issuer", "issuer_id", "signature", "issued_at", "expires_at"}
	for _, field := range required {
		if _, ok := wrapper.Note[field]; !ok {
			return Note{}, fmt.Errorf("%w: missing %s", ErrMalformedDocument, field)
		}
	}
	note, err := decodeInterchange(wrapper.Note)
	if err != nil {
		return Note{}, err
	}

	ok, err := r.verifier.Verify(note.Canonical(), note.Signature)
	if err != nil {
		return Note{}, fmt.Errorf("verify note: %w", err)
	}
	if !ok {
		return Note{}, ErrInvalidSignature
	}
	now := r.nowFn()
	if note.ExpiresAt.Before(now) {
		return Note{}, ErrExpired
	}

	existing, err := r.local(ctx, note.NoteID)
	if err == nil {
		if existing.EffectiveStatus(now) != StatusActive {
			return Note{}, ErrAlreadyRedeemed
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Note{}, err
	}

	note.Status = StatusActive
	note.IssuingAccountID = ""
	if err := r.insertDB(ctx, note); err != nil {
		return Note{}, err
	}
	r.recordPeer(ctx, note.IssuerID, note.Issuer)
	r.logger.Info("bank note imported", "note_id", note.NoteID, "issuer", note.IssuerID)
	return note, nil
}

func decodeInterchange(fields map[string]json.RawMessage) (Note, error) {
	var note Note
	text := func(key string) (string, error) {
		var s string
		if err := json.Unmarshal(fields[key], &s); err != nil {
			return "", fmt.Errorf("%w: %s", ErrMalformedDocument, key)
		}
		return s, nil
	}
	var err error
	if note.NoteID, err = text("note_id"); err != nil {
		return Note{}, err
	}
	if note.Serial, err = text("serial"); err != nil {
		return Note{}, err
	}
	if err := json.Unmarshal(fields["amount"], &note.Amount); err != nil {
		return Note{}, fmt.Errorf("%w: amount", ErrMalformedDocument)
	}
	if note.Issuer, err = text("issuer"); err != nil {
		return Note{}, err
	}
	if note.IssuerID, err = text("issuer_id"); err != nil {
		return Note{}, err
	}
	if note.Signature, err = text("signature"); err != nil {
		return Note{}, err
	}
	issuedAt, err := text("issued_at")
	if err != nil {
		return Note{}, err
	}
	expiresAt, err := text("expires_at")
	if err != nil {
		return Note{}, err
	}
	if note.IssuedAt, err = time.Parse(time.RFC3339, issuedAt); err != nil {
		return Note{}, fmt.Errorf("%w: issued_at", ErrMalformedDocument)
	}
	if note.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return Note{}, fmt.Errorf("%w: expires_at", ErrMalformedDocument)
	}
	return note, nil
}

// Export renders the interchange document for a note held by the account.
func (r *Registry) Export(ctx context.Context, identifier, accountID string) (map[string]any, error) {
	note, err := r.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if note.IssuingAccountID != accountID {
		return nil, ErrUnauthorized
	}
	return map[string]any{
		"securebank_note": map[string]any{
			"note_id":    note.NoteID,
			"serial":     note.Serial,
			"amount":     note.Amount.String(),
			"issuer":     note.Issuer,
			"issuer_id":  note.IssuerID,
			"signature":  note.Signature,
			"issued_at":  note.IssuedAt.UTC().Format(time.RFC3339),
			"expires_at": note.ExpiresAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

// Receipt returns the receipt projection for the issuing or redeeming account.
func (r *Registry) Receipt(ctx context.Context, identifier, accountID string) (Receipt, error) {
	note, err := r.Get(ctx, identifier)
	if err != nil {
		return Receipt{}, err
	}
	if note.IssuingAccountID != accountID && note.RedemptionAccountID != accountID {
		return Receipt{}, ErrUnauthorized
	}
	receipt := Receipt{
		NoteID:     note.NoteID,
		Serial:     note.Serial,
		Amount:     note.Amount,
		Issuer:     note.Issuer,
		Date:       note.IssuedAt,
		Expiry:     note.ExpiresAt,
		Status:     note.Status,
		RedeemedAt: note.RedeemedAt,
		RedeemedBy: note.RedeemedBy,
	}
	txn, err := r.ledger.TransactionByReference(ctx, accountID, note.Serial)
	if err == nil {
		receipt.TransactionID = txn.ID
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Receipt{}, err
	}
	return receipt, nil
}

// CreatedBy lists notes issued by the account, optionally filtered by
// effective status.
func (r *Registry) CreatedBy(ctx context.Context, accountID string, status Status) ([]Note, error) {
	const query = selectNoteColumns + ` FROM bank_notes WHERE issuing_account_id = ? ORDER BY issued_at DESC`
	return r.list(ctx, query, accountID, status)
}

// ReceivedBy lists notes redeemed into the account.
func (r *Registry) ReceivedBy(ctx context.Context, accountID string, status Status) ([]Note, error) {
	const query = selectNoteColumns + ` FROM bank_notes WHERE redemption_account_id = ? ORDER BY redeemed_at DESC`
	return r.list(ctx, query, accountID, status)
}

func (r *Registry) list(ctx context.Context, query, accountID string, status Status) ([]Note, error) {
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()
	now := r.nowFn()
	notes := []Note{}
	for rows.Next() {
		note, err := scanNoteRows(rows)
		if err != nil {
			return nil, err
		}
		note.Status = note.EffectiveStatus(now)
		if status != "" && note.Status != status {
			continue
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// ApplyRemoteCreated records a note announced by its issuing node. Redelivery
// of a known note is a no-op.
func (r *Registry) ApplyRemoteCreated(ctx context.Context, note Note) error {
	note.Status = StatusActive
	note.IssuingAccountID = ""
	const stmt = `INSERT OR IGNORE INTO bank_notes
        (note_id, serial_number, amount, issuer, issuer_id, issuing_account_id, status, signature, issued_at, expires_at)
        VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, stmt, note.NoteID, note.Serial, int64(note.Amount),
		note.Issuer, note.IssuerID, string(note.Status), note.Signature,
		note.IssuedAt.UTC(), note.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("record remote note: %w", err)
	}
	r.recordPeer(ctx, note.IssuerID, note.Issuer)
	return nil
}

// RemoteRedemption is the state carried by a bank_note_redeemed announcement.
type RemoteRedemption struct {
	NoteID              string
	RedeemedBy          string
	RedeemedByName      string
	RedemptionAccountID string
	RedeemedAt          time.Time
}

// ApplyRemoteRedeemed marks a note redeemed on the announcing node. The
// announcement always wins: the redeeming node validated the compare-and-set,
// so this node adopts its outcome even over an earlier local record.
func (r *Registry) ApplyRemoteRedeemed(ctx context.Context, red RemoteRedemption) error {
	redeemedAt := red.RedeemedAt
	if redeemedAt.IsZero() {
		redeemedAt = r.nowFn()
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE bank_notes SET status = 'redeemed', redeemed_at = ?, redeemed_by = ?, redemption_account_id = ?
         WHERE note_id = ?`,
		redeemedAt.UTC(), red.RedeemedBy, red.RedemptionAccountID, red.NoteID)
	if err != nil {
		return fmt.Errorf("record remote redemption: %w", err)
	}
	r.recordPeer(ctx, red.RedeemedBy, red.RedeemedByName)
	return nil
}

func (r *Registry) recordPeer(ctx context.Context, nodeID, name string) {
	if strings.TrimSpace(nodeID) == "" || nodeID == r.nodeID {
		return
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO peer_status(node_id, name, last_seen) VALUES (?, ?, ?)
         ON CONFLICT(node_id) DO UPDATE SET name = excluded.name, last_seen = excluded.last_seen`,
		nodeID, name, r.nowFn())
	if err != nil {
		r.logger.Warn("record peer status", "peer", nodeID, "error", err)
	}
}

const selectNoteColumns = `SELECT note_id, serial_number, amount, issuer, issuer_id, issuing_account_id,
        status, signature, issued_at, expires_at, redeemed_at, redeemed_by, redemption_account_id`

func insertNote(ctx context.Context, tx *sql.Tx, note Note) error {
	const stmt = `INSERT INTO bank_notes
        (note_id, serial_number, amount, issuer, issuer_id, issuing_account_id, status, signature, issued_at, expires_at, redeemed_at, redeemed_by, redemption_account_id)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, stmt, note.NoteID, note.Serial, int64(note.Amount),
		note.Issuer, note.IssuerID, nullableString(note.IssuingAccountID), string(note.Status),
		note.Signature, note.IssuedAt.UTC(), note.ExpiresAt.UTC(),
		nullableTime(note.RedeemedAt), note.RedeemedBy, note.RedemptionAccountID)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (r *Registry) insertDB(ctx context.Context, note Note) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := insertNote(ctx, tx, note); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row *sql.Row) (Note, error) {
	note, err := scanNoteFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	return note, err
}

func scanNoteRows(rows *sql.Rows) (Note, error) {
	return scanNoteFrom(rows)
}

func scanNoteFrom(row rowScanner) (Note, error) {
	var note Note
	var amount int64
	var issuingAccount, redeemedBy, redemptionAccount sql.NullString
	var status string
	var redeemedAt sql.NullTime
	err := row.Scan(&note.NoteID, &note.Serial, &amount, &note.Issuer, &note.IssuerID,
		&issuingAccount, &status, &note.Signature, &note.IssuedAt, &note.ExpiresAt,
		&redeemedAt, &redeemedBy, &redemptionAccount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Note{}, err
		}
		return Note{}, fmt.Errorf("scan note: %w", err)
	}
	note.Amount = ledger.Amount(amount)
	note.IssuingAccountID = issuingAccount.String
	note.Status = Status(status)
	if redeemedAt.Valid {
		t := redeemedAt.Time
		note.RedeemedAt = &t
	}
	note.RedeemedBy = redeemedBy.String
	note.RedemptionAccountID = redemptionAccount.String
	return note, nil
}

func nullableString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
