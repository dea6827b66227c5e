// Package network implements the encrypted sync protocol between trusted bank
// nodes: inbound envelope verification and dispatch, outbound fan-out, and the
// persisted retry queue.
package network

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"securebank/crypto"
	"securebank/ledger"
	"securebank/notes"
	"securebank/observability/metrics"
	"securebank/trust"
)

var (
	// ErrMalformed is returned when an envelope is structurally incomplete.
	ErrMalformed = errors.New("malformed sync envelope")
	// ErrUntrustedSender is returned when the sender is not in the trust store.
	ErrUntrustedSender = errors.New("untrusted sender")
	// ErrMACVerification is returned when the envelope MAC does not verify.
	ErrMACVerification = errors.New("mac verification failed")
	// ErrReplayRejected is returned when the envelope timestamp is outside the
	// freshness window.
	ErrReplayRejected = errors.New("stale envelope rejected")
	// ErrUnknownAction is returned when the decrypted payload names no handler.
	ErrUnknownAction = errors.New("unknown sync action")
)

// Envelope is the wire unit exchanged between nodes. Only the sender id
// travels in the clear; everything else is sealed and authenticated.
type Envelope struct {
	SenderID  string        `json:"sender_id"`
	Encrypted crypto.Sealed `json:"encrypted"`
	MAC       string        `json:"mac"`
}

// Response is returned for every envelope, delivered over HTTP 200 regardless
// of outcome so transport errors stay distinguishable from protocol rejections.
type Response struct {
	Success  bool        `json:"success"`
	Message  string      `json:"message"`
	BankNote *notes.Note `json:"bank_note,omitempty"`
}

// SessionReplicator records sessions announced by peer nodes.
type SessionReplicator interface {
	UpsertSession(ctx context.Context, token, accountID string, expiresAt time.Time) error
}

// Options tunes the sync engine.
type Options struct {
	Timeout      time.Duration
	RetryDelay   time.Duration
	ReplayWindow time.Duration
	MaxAttempts  int
}

// Engine drives the sync protocol for one node. Outbound announcements fan out
// to every trusted peer; failed deliveries land in a persisted queue drained by
// a background worker with exponential backoff.
type Engine struct {
	db       *sql.DB
	trust    *trust.Store
	cipher   *crypto.Cipher
	ledger   *ledger.Ledger
	registry *notes.Registry
	sessions SessionReplicator
	client   *http.Client
	metrics  *metrics.SyncMetrics
	logger   *slog.Logger
	opts     Options
	nowFn    func() time.Time

	// baseCtx outlives the request that triggered a propagation so deliveries
	// are not cancelled when the client connection closes.
	baseCtx context.Context
}

func NewEngine(ctx context.Context, db *sql.DB, ts *trust.Store, cipher *crypto.Cipher, l *ledger.Ledger, registry *notes.Registry, logger *slog.Logger, opts Options) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Minute
	}
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = 5 * time.Minute
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e := &Engine{
		db:       db,
		trust:    ts,
		cipher:   cipher,
		ledger:   l,
		registry: registry,
		client:   &http.Client{Timeout: opts.Timeout},
		metrics:  metrics.Sync(),
		logger:   logger.With("component", "sync"),
		opts:     opts,
		nowFn:    time.Now,
		baseCtx:  ctx,
	}
	if err := e.init(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            peer_id TEXT NOT NULL,
            payload TEXT NOT NULL,
            attempts INTEGER NOT NULL DEFAULT 0,
            next_attempt TIMESTAMP NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_due ON sync_queue(next_attempt);`,
	}
	for _, stmt := range schema {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply sync schema: %w", err)
		}
	}
	return nil
}

// SetSessions wires the session replica store used for new_session announcements.
func (e *Engine) SetSessions(s SessionReplicator) { e.sessions = s }

// Handle processes one inbound envelope. Gates run strictly in order:
// structure, sender trust, MAC, decryption, freshness, then dispatch. The MAC
// and cipher keys always come from this node's trust store entry for the
// sender; key material named inside the envelope is never used.
func (e *Engine) Handle(ctx context.Context, body []byte) Response {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return e.reject("malformed", ErrMalformed)
	}
	if strings.TrimSpace(env.SenderID) == "" || env.Encrypted.Data == "" ||
		env.Encrypted.IV == "" || env.Encrypted.Timestamp == 0 || env.MAC == "" {
		return e.reject("malformed", ErrMalformed)
	}

	peer, ok := e.trust.Peer(env.SenderID)
	if !ok {
		return e.reject("untrusted", fmt.Errorf("%w: %s", ErrUntrustedSender, env.SenderID))
	}

	valid, err := e.cipher.VerifyMAC(env.Encrypted, env.MAC, peer.KeyID)
	if err != nil || !valid {
		return e.reject("bad_mac", ErrMACVerification)
	}

	plaintext, err := e.cipher.Open(env.Encrypted, peer.KeyID)
	if err != nil {
		return e.reject("bad_ciphertext", fmt.Errorf("decrypt envelope: %w", err))
	}

	age := e.nowFn().Unix() - env.Encrypted.Timestamp
	if age > int64(e.opts.ReplayWindow.Seconds()) {
		return e.reject("replay", fmt.Errorf("%w: %ds old", ErrReplayRejected, age))
	}

	var header struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(plaintext, &header); err != nil || header.Action == "" {
		return e.reject("malformed", ErrMalformed)
	}

	resp, err := e.dispatch(ctx, env.SenderID, header.Action, plaintext)
	if err != nil {
		return e.reject(header.Action+"_failed", err)
	}
	e.metrics.Inbound(header.Action)
	return resp
}

func (e *Engine) reject(result string, err error) Response {
	e.metrics.Inbound(result)
	e.logger.Warn("sync envelope rejected", "result", result, "error", err)
	return Response{Success: false, Message: err.Error()}
}

func (e *Engine) dispatch(ctx context.Context, senderID, action string, payload []byte) (Response, error) {
	switch action {
	case "new_user":
		return e.handleNewUser(ctx, payload)
	case "new_session":
		return e.handleNewSession(ctx, payload)
	case "balance_update":
		return e.handleBalanceUpdate(ctx, payload)
	case "bank_note_created":
		return e.handleNoteCreated(ctx, payload)
	case "bank_note_redeemed":
		return e.handleNoteRedeemed(ctx, payload)
	case "verify_bank_note":
		return e.handleVerifyNote(ctx, senderID, payload)
	default:
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}

func (e *Engine) handleNewUser(ctx context.Context, payload []byte) (Response, error) {
	var msg struct {
		UserID       string        `json:"user_id"`
		UsernameHash string        `json:"username_hash"`
		EmailHash    string        `json:"email_hash"`
		PasswordHash string        `json:"password_hash"`
		ProfileData  string        `json:"profile_data"`
		ProfileIV    string        `json:"profile_iv"`
		Balance      ledger.Amount `json:"balance"`
		CreatedAt    string        `json:"created_at"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Response{}, ErrMalformed
	}
	if msg.UserID == "" || msg.UsernameHash == "" {
		return Response{}, ErrMalformed
	}
	createdAt, _ := time.Parse(time.RFC3339, msg.CreatedAt)
	err := e.ledger.UpsertReplica(ctx, ledger.Account{
		ID:           msg.UserID,
		UsernameHash: msg.UsernameHash,
		EmailHash:    msg.EmailHash,
		PasswordHash: msg.PasswordHash,
		ProfileData:  msg.ProfileData,
		ProfileIV:    msg.ProfileIV,
		Balance:      msg.Balance,
		CreatedAt:    createdAt,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Success: true, Message: "user recorded"}, nil
}

func (e *Engine) handleNewSession(ctx context.Context, payload []byte) (Response, error) {
	if e.sessions == nil {
		return Response{Success: true, Message: "sessions not replicated"}, nil
	}
	var msg struct {
		Token     string `json:"token"`
		UserID    string `json:"user_id"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Response{}, ErrMalformed
	}
	if msg.Token == "" || msg.UserID == "" {
		return Response{}, ErrMalformed
	}
	expiresAt, _ := time.Parse(time.RFC3339, msg.ExpiresAt)
	if err := e.sessions.UpsertSession(ctx, msg.Token, msg.UserID, expiresAt); err != nil {
		return Response{}, err
	}
	return Response{Success: true, Message: "session recorded"}, nil
}

func (e *Engine) handleBalanceUpdate(ctx context.Context, payload []byte) (Response, error) {
	var msg struct {
		AccountID       string        `json:"account_id"`
		TransactionID   string        `json:"transaction_id"`
		TransactionType string        `json:"transaction_type"`
		Amount          ledger.Amount `json:"amount"`
		Balance         ledger.Amount `json:"balance"`
		Reference       string        `json:"reference"`
		Timestamp       string        `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Response{}, ErrMalformed
	}
	if msg.AccountID == "" || msg.TransactionID == "" {
		return Response{}, ErrMalformed
	}
	timestamp, _ := time.Parse(time.RFC3339, msg.Timestamp)
	err := e.ledger.ApplyReplica(ctx, msg.AccountID, msg.Amount, msg.Balance,
		msg.TransactionID, msg.TransactionType, msg.Reference, timestamp)
	if err != nil {
		return Response{}, err
	}
	return Response{Success: true, Message: "balance recorded"}, nil
}

func (e *Engine) handleNoteCreated(ctx context.Context, payload []byte) (Response, error) {
	var msg struct {
		NoteID    string        `json:"note_id"`
		Serial    string        `json:"serial"`
		Amount    ledger.Amount `json:"amount"`
		Issuer    string        `json:"issuer"`
		IssuerID  string        `json:"issuer_id"`
		Signature string        `json:"signature"`
		IssuedAt  string        `json:"issued_at"`
		ExpiresAt string        `json:"expires_at"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Response{}, ErrMalformed
	}
	if msg.NoteID == "" || msg.Serial == "" {
		return Response{}, ErrMalformed
	}
	issuedAt, err := time.Parse(time.RFC3339, msg.IssuedAt)
	if err != nil {
		return Response{}, ErrMalformed
	}
	expiresAt, err := time.Parse(time.RFC3339, msg.ExpiresAt)
	if err != nil {
		return Response{}, ErrMalformed
	}
	err = e.registry.ApplyRemoteCreated(ctx, notes.Note{
		NoteID:    msg.NoteID,
		Serial:    msg.Serial,
		Amount:    msg.Amount,
		Issuer:    msg.Issuer,
		IssuerID:  msg.IssuerID,
		Signature: msg.Signature,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Success: true, Message: "bank note recorded"}, nil
}

func (e *Engine) handleNoteRedeemed(ctx context.Context, payload []byte) (Response, error) {
	var msg struct {
		NoteID              string `json:"note_id"`
		RedeemedBy          string `json:"redeemed_by"`
		RedeemedByName      string `json:"redeemed_by_name"`
		RedemptionAccountID string `json:"redemption_account_id"`
		RedeemedAt          string `json:"redeemed_at"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Response{}, ErrMalformed
	}
	if msg.NoteID == "" {
		return Response{}, ErrMalformed
	}
	redeemedAt, _ := time.Parse(time.RFC3339, msg.RedeemedAt)
	err := e.registry.ApplyRemoteRedeemed(ctx, notes.RemoteRedemption{
		NoteID:              msg.NoteID,
		RedeemedBy:          msg.RedeemedBy,
		RedeemedByName:      msg.RedeemedByName,
		RedemptionAccountID: msg.RedemptionAccountID,
		RedeemedAt:          redeemedAt,
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Success: true, Message: "redemption recorded"}, nil
}

func (e *Engine) handleVerifyNote(ctx context.Context, senderID string, payload []byte) (Response, error) {
	var msg struct {
		Identifier string `json:"identifier"`
		NoteID     string `json:"note_id"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Response{}, ErrMalformed
	}
	identifier := msg.Identifier
	if identifier == "" {
		identifier = msg.NoteID
	}
	if identifier == "" {
		return Response{}, ErrMalformed
	}
	note, err := e.registry.Local(ctx, identifier)
	if errors.Is(err, notes.ErrNotFound) {
		return Response{Success: false, Message: "bank note not found"}, nil
	}
	if err != nil {
		return Response{}, err
	}
	e.logger.Info("note verification served", "note_id", note.NoteID, "peer", senderID)
	return Response{Success: true, Message: "bank note found", BankNote: &note}, nil
}
