package notes

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"securebank/crypto"
	"securebank/ledger"
	"securebank/storage"
)

type mapKeys map[string]string

func (k mapKeys) Key(keyID string) ([]byte, error) {
	secret, ok := k[keyID]
	if !ok {
		return nil, crypto.ErrUnknownKey
	}
	return []byte(secret), nil
}

type recordingPropagator struct {
	mu    sync.Mutex
	calls []propagatedEvent
}

type propagatedEvent struct {
	action  string
	payload map[string]any
}

func (p *recordingPropagator) Propagate(_ context.Context, action string, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, propagatedEvent{action: action, payload: payload})
}

func (p *recordingPropagator) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c.action)
	}
	return out
}

type stubVerifier struct {
	note *Note
	err  error
}

func (v *stubVerifier) VerifyWithPeers(context.Context, string) (*Note, error) {
	return v.note, v.err
}

func testSigner() *crypto.HMACNoteSigner {
	return crypto.NewHMACNoteSigner(mapKeys{"note-key": "network-signing-secret"}, "note-key")
}

func newTestRegistry(t *testing.T, nodeID, nodeName string) (*Registry, *ledger.Ledger) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "notes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	book, err := ledger.New(db)
	require.NoError(t, err)
	signer := testSigner()
	registry, err := NewRegistry(db, book, signer, signer, nodeID, nodeName, nil)
	require.NoError(t, err)
	return registry, book
}

func seedAccount(t *testing.T, book *ledger.Ledger, id, balance string) {
	t.Helper()
	require.NoError(t, book.CreateAccount(context.Background(), ledger.Account{
		ID:           id,
		UsernameHash: "user-" + id,
		EmailHash:    "email-" + id,
		PasswordHash: "pw",
		Balance:      ledger.MustParseAmount(balance),
	}))
}

func TestCreateDebitsIssuerAndSigns(t *testing.T) {
	registry, book := newTestRegistry(t, "bank-a", "Bank A")
	prop := &recordingPropagator{}
	registry.SetPropagator(prop)
	ctx := context.Background()
	seedAccount(t, book, "acct-1", "1000.00")

	note, err := registry.Create(ctx, CreateParams{
		AccountID: "acct-1",
		Amount:    ledger.MustParseAmount("200.00"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusActive, note.Status)
	require.Equal(t, "bank-a", note.IssuerID)
	require.NotEmpty(t, note.Serial)

	ok, err := testSigner().Verify(note.Canonical(), note.Signature)
	require.NoError(t, err)
	require.True(t, ok)

	acct, err := book.Account(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, ledger.MustParseAmount("800.00"), acct.Balance)

	require.Equal(t, []string{"bank_note_created", "balance_update"}, prop.actions())
}

func TestCreateInsufficientFundsWritesNothing(t *testing.T) {
	registry, book := newTestRegistry(t, "bank-a", "Bank A")
	ctx := context.Background()
	seedAccount(t, book, "acct-1", "100.00")

	_, err := registry.Create(ctx, CreateParams{
		AccountID: "acct-1",
		Amount:    ledger.MustParseAmount("500.00"),
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	created, err := registry.CreatedBy(ctx, "acct-1", "")
	require.NoError(t, err)
	require.Empty(t, created)

	acct, err := book.Account(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, ledger.MustParseAmount("100.00"), acct.Balance)
}

func TestCreateRejectsNonPositiveAmount(t *testing.T) {
	registry, book := newTestRegistry(t, "bank-a", "Bank A")
	seedAccount(t, book, "acct-1", "100.00")
	for _, amount := range []string{"0.00", "-5.00"} {
		_, err := registry.Create(context.Background(), CreateParams{
			AccountID: "acct-1",
			Amount:    ledger.MustParseAmount(amount),
		})
		require.ErrorIs(t, err, ErrInvalidAmount)
	}
}

func TestDepositRedeemsOnce(t *testing.T) {
	registry, book := newTestRegistry(t, "bank-a", "Bank A")
	ctx := context.Background()
	seedAccount(t, book, "issuer", "1000.00")
	seedAccount(t, book, "receiver", "1000.00")

	note, err := registry.Create(ctx, CreateParams{AccountID: "issuer", Amount: ledger.MustParseAmount("250.00")})
	require.NoError(t, err)

	redeemed, result, err := registry.Deposit(ctx, DepositParams{Identifier: note.Serial, AccountID: "receiver"})
	require.NoError(t, err)
	require.Equal(t, StatusRedeemed, redeemed.Status)
	require.Equal(t, "receiver", redeemed.RedemptionAccountID)
	require.Equal(t, ledger.MustParseAmount("1250.00"), result.NewBalance)

	_, _, err = registry.Deposit(ctx, DepositParams{Identifier: note.NoteID, AccountID: "receiver"})
	require.ErrorIs(t, err, ErrAlreadyRedeemed)
}

func TestDepositConcurrencySingleCredit(t *testing.T) {
	registry, book := newTestRegistry(t, "bank-a", "Bank A")
	ctx := context.Background()
	seedAccount(t, book, "issuer", "1000.00")
	seedAccount(t, book, "receiver", "0.00")

	note, err := registry.Create(ctx, CreateParams{AccountID: "issuer", Amount: ledger.MustParseAmount("100.00")})
	require.NoError(t, err)

	const workers = 6
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = registry.Deposit(ctx, DepositParams{Identifier: note.NoteID, AccountID: "receiver"})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrAlreadyRedeemed)
		}
	}
	require.Equal(t, 1, succeeded)

	acct, err := book.Account(ctx, "receiver")
	require.NoError(t, err)
	require.Equal(t, ledger.MustParseAmount("100.00"), acct.Balance)
}

func TestDepositExpiredNote(t *testing.T) {
	registry, book := newTestRegistry(t, "bank-a", "Bank A")
	ctx := context.Background()
	seedAccount(t, book, "issuer", "1000.00")
	seedAccount(t, book, "receiver", "0.00")

	note, err := registry.Create(ctx, CreateParams{AccountID: "issuer", Amount: ledger.MustParseAmount("50.00"), ExpiryDays: 1})
	require.NoError(t, err)

	registry.nowFn = func() time.Time { return time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second) }
	_, _, err = registry.Deposit(ctx, DepositParams{Identifier: note.NoteID, AccountID: "receiver"})
	require.ErrorIs(t, err, ErrExpired)

	fetched, err := registry.Get(ctx, note.NoteID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, fetched.Status)
}

func TestDepositIdempotencyKeyReplaysPriorOutcome(t *testing.T) {
	registry, book := newTestRegistry(t, "bank-a", "Bank A")
	ctx := context.Background()
	seedAccount(t, book, "issuer", "1000.00")
	seedAccount(t, book, "receiver", "0.00")

	note, err := registry.Create(ctx, CreateParams{AccountID: "issuer", Amount: ledger.MustParseAmount("50.00")})
	require.NoError(t, err)

	first, firstResult, err := registry.Deposit(ctx, DepositParams{Identifier: note.NoteID, AccountID: "receiver", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	require.False(t, firstResult.Replayed)

	// Retrying with the same key succeeds with the prior outcome, not a
	// conflict, and credits nothing further.
	replay, replayResult, err := registry.Deposit(ctx, DepositParams{Identifier: note.NoteID, AccountID: "receiver", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	require.True(t, replayResult.Replayed)
	require.Equal(t, first.NoteID, replay.NoteID)
	require.Equal(t, StatusRedeemed, replay.Status)
	require.Equal(t, firstResult.NewBalance, replayResult.NewBalance)

	acct, err := book.Account(ctx, "receiver")
	require.NoError(t, err)
	require.Equal(t, ledger.MustParseAmount("50.00"), acct.Balance)
}

func TestDepositFailedAttemptLeavesKeyUnspent(t *testing.T) {
	registry, book := newTestRegistry(t, "bank-a", "Bank A")
	ctx := context.Background()
	seedAccount(t, book, "issuer", "1000.00")
	seedAccount(t, book, "receiver", "0.00")

	// First attempt targets a note that does not exist; the key must survive.
	_, _, err := registry.Deposit(ctx, DepositParams{Identifier: "note_missing", AccountID: "receiver", IdempotencyKey: "req-2"})
	require.ErrorIs(t, err, ErrNotFound)

	note, err := registry.Create(ctx, CreateParams{AccountID: "issuer", Amount: ledger.MustParseAmount("25.00")})
	require.NoError(t, err)

	_, result, err := registry.Deposit(ctx, DepositParams{Identifier: note.NoteID, AccountID: "receiver", IdempotencyKey: "req-2"})
	require.NoError(t, err)
	require.False(t, result.Replayed)
	require.Equal(t, ledger.MustParseAmount("25.00"), result.NewBalance)
}

func TestDepositUnknownNote(t *testing.T) {
	registry, book := newTestRegistry(t, "bank-a", "Bank A")
	seedAccount(t, book, "receiver", "0.00")
	_, _, err := registry.Deposit(context.Background(), DepositParams{Identifier: "nope", AccountID: "receiver"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetFallsBackToPeersAndCaches(t *testing.T) {
	registry, _ := newTestRegistry(t, "bank-b", "Bank B")
	issued := time.Now().UTC().Truncate(time.Second)
	foreign := &Note{
		NoteID:    "note_remote1",
		Serial:    "SB-REMO-TE00-0001",
		Amount:    ledger.MustParseAmount("75.00"),
		Issuer:    "Bank A",
		IssuerID:  "bank-a",
		Status:    StatusActive,
		Signature: "cafe",
		IssuedAt:  issued,
		ExpiresAt: issued.Add(30 * 24 * time.Hour),
	}
	verifier := &stubVerifier{note: foreign}
	registry.SetPeerVerifier(verifier)

	got, err := registry.Get(context.Background(), "note_remote1")
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.Equal(t, "bank-a", got.IssuerID)

	// Second lookup is served locally even when peers stop answering.
	verifier.note = nil
	got, err = registry.Get(context.Background(), "SB-REMO-TE00-0001")
	require.NoError(t, err)
	require.Equal(t, "note_remote1", got.NoteID)
}

func TestStoreForeignNeverPersistsDerivedExpired(t *testing.T) {
	registry, _ := newTestRegistry(t, "bank-b", "Bank B")
	issued := time.Now().UTC().Add(-72 * time.Hour).Truncate(time.Second)
	verifier := &stubVerifier{note: &Note{
		NoteID:    "note_stale1",
		Serial:    "SB-STAL-E000-0001",
		Amount:    ledger.MustParseAmount("15.00"),
		Issuer:    "Bank A",
		IssuerID:  "bank-a",
		Status:    StatusExpired,
		Signature: "dead",
		IssuedAt:  issued,
		ExpiresAt: issued.Add(24 * time.Hour),
	}}
	registry.SetPeerVerifier(verifier)

	got, err := registry.Get(context.Background(), "note_stale1")
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)

	// The derived status is served but never stored.
	var stored string
	require.NoError(t, registry.db.QueryRow(
		`SELECT status FROM bank_notes WHERE note_id = ?`, "note_stale1").Scan(&stored))
	require.Equal(t, string(StatusActive), stored)
}

func exportDocument(t *testing.T, registry *Registry, identifier, accountID string) []byte {
	t.Helper()
	doc, err := registry.Export(context.Background(), identifier, accountID)
	require.NoError(t, err)
	encoded, err := json.Marshal(doc)
	require.NoError(t, err)
	return encoded
}

func TestImportRoundTrip(t *testing.T) {
	bankA, bookA := newTestRegistry(t, "bank-a", "Bank A")
	bankB, bookB := newTestRegistry(t, "bank-b", "Bank B")
	ctx := context.Background()
	seedAccount(t, bookA, "issuer", "1000.00")
	seedAccount(t, bookB, "receiver", "0.00")

	note, err := bankA.Create(ctx, CreateParams{AccountID: "issuer", Amount: ledger.MustParseAmount("120.00")})
	require.NoError(t, err)

	document := exportDocument(t, bankA, note.NoteID, "issuer")

	imported, err := bankB.Import(ctx, document)
	require.NoError(t, err)
	require.Equal(t, note.NoteID, imported.NoteID)
	require.Equal(t, StatusActive, imported.Status)
	require.Empty(t, imported.IssuingAccountID)

	// Re-import of a still-active note is a no-op.
	again, err := bankB.Import(ctx, document)
	require.NoError(t, err)
	require.Equal(t, note.NoteID, again.NoteID)

	// After redemption the same document is refused.
	_, _, err = bankB.Deposit(ctx, DepositParams{Identifier: note.NoteID, AccountID: "receiver"})
	require.NoError(t, err)
	_, err = bankB.Import(ctx, document)
	require.ErrorIs(t, err, ErrAlreadyRedeemed)

	acct, err := bookB.Account(ctx, "receiver")
	require.NoError(t, err)
	require.Equal(t, ledger.MustParseAmount("120.00"), acct.Balance)
}

func TestImportRejectsTamperedDocument(t *testing.T) {
	bankA, bookA := newTestRegistry(t, "bank-a", "Bank A")
	bankB, _ := newTestRegistry(t, "bank-b", "Bank B")
	ctx := context.Background()
	seedAccount(t, bookA, "issuer", "1000.00")

	note, err := bankA.Create(ctx, CreateParams{AccountID: "issuer", Amount: ledger.MustParseAmount("10.00")})
	require.NoError(t, err)
	document := exportDocument(t, bankA, note.NoteID, "issuer")

	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(document, &doc))
	doc["securebank_note"]["amount"] = "9999.00"
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = bankB.Import(ctx, tampered)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestImportRejectsIncompleteDocument(t *testing.T) {
	bankB, _ := newTestRegistry(t, "bank-b", "Bank B")
	cases := []string{
		`not json`,
		`{}`,
		`{"securebank_note":{}}`,
		`{"securebank_note":{"note_id":"n1","serial":"s1","amount":"1.00","issuer":"A","issuer_id":"bank-a","signature":"ab"}}`,
		`{"securebank_note":{"note_id":"n1","serial":"s1","amount":"1.00","issuer":"A","issuer_id":"bank-a","signature":"ab","issued_at":"yesterday","expires_at":"2030-01-01T00:00:00Z"}}`,
	}
	for _, raw := range cases {
		_, err := bankB.Import(context.Background(), []byte(raw))
		require.ErrorIs(t, err, ErrMalformedDocument, raw)
	}
}

func TestImportRejectsExpiredDocument(t *testing.T) {
	bankA, bookA := newTestRegistry(t, "bank-a", "Bank A")
	bankB, _ := newTestRegistry(t, "bank-b", "Bank B")
	ctx := context.Background()
	seedAccount(t, bookA, "issuer", "1000.00")

	note, err := bankA.Create(ctx, CreateParams{AccountID: "issuer", Amount: ledger.MustParseAmount("10.00"), ExpiryDays: 1})
	require.NoError(t, err)
	document := exportDocument(t, bankA, note.NoteID, "issuer")

	bankB.nowFn = func() time.Time { return time.Now().UTC().Add(72 * time.Hour).Truncate(time.Second) }
	_, err = bankB.Import(ctx, document)
	require.ErrorIs(t, err, ErrExpired)
}

func TestApplyRemoteCreatedIsIdempotent(t *testing.T) {
	registry, _ := newTestRegistry(t, "bank-b", "Bank B")
	ctx := context.Background()
	issued := time.Now().UTC().Truncate(time.Second)
	remote := Note{
		NoteID:    "note_remote2",
		Serial:    "SB-REMO-TE00-0002",
		Amount:    ledger.MustParseAmount("40.00"),
		Issuer:    "Bank A",
		IssuerID:  "bank-a",
		Signature: "beef",
		IssuedAt:  issued,
		ExpiresAt: issued.Add(24 * time.Hour),
	}
	require.NoError(t, registry.ApplyRemoteCreated(ctx, remote))
	require.NoError(t, registry.ApplyRemoteCreated(ctx, remote))

	note, err := registry.Get(ctx, "note_remote2")
	require.NoError(t, err)
	require.Equal(t, StatusActive, note.Status)
}

func TestApplyRemoteRedeemedAlwaysWins(t *testing.T) {
	registry, book := newTestRegistry(t, "bank-a", "Bank A")
	ctx := context.Background()
	seedAccount(t, book, "issuer", "1000.00")

	note, err := registry.Create(ctx, CreateParams{AccountID: "issuer", Amount: ledger.MustParseAmount("30.00")})
	require.NoError(t, err)

	redeemedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, registry.ApplyRemoteRedeemed(ctx, RemoteRedemption{
		NoteID:              note.NoteID,
		RedeemedBy:          "bank-b",
		RedeemedByName:      "Bank B",
		RedemptionAccountID: "remote-acct",
		RedeemedAt:          redeemedAt,
	}))

	updated, err := registry.Get(ctx, note.NoteID)
	require.NoError(t, err)
	require.Equal(t, StatusRedeemed, updated.Status)
	require.Equal(t, "bank-b", updated.RedeemedBy)
}

func TestReceiptAuthorization(t *testing.T) {
	registry, book := newTestRegistry(t, "bank-a", "Bank A")
	ctx := context.Background()
	seedAccount(t, book, "issuer", "1000.00")
	seedAccount(t, book, "receiver", "0.00")
	seedAccount(t, book, "stranger", "0.00")

	note, err := registry.Create(ctx, CreateParams{AccountID: "issuer", Amount: ledger.MustParseAmount("60.00")})
	require.NoError(t, err)

	receipt, err := registry.Receipt(ctx, note.NoteID, "issuer")
	require.NoError(t, err)
	require.Equal(t, note.Serial, receipt.Serial)
	require.NotEmpty(t, receipt.TransactionID)

	_, err = registry.Receipt(ctx, note.NoteID, "stranger")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = registry.Deposit(ctx, DepositParams{Identifier: note.NoteID, AccountID: "receiver"})
	require.NoError(t, err)
	receipt, err = registry.Receipt(ctx, note.NoteID, "receiver")
	require.NoError(t, err)
	require.Equal(t, StatusRedeemed, receipt.Status)
}

func TestListingsAndStatusFilter(t *testing.T) {
	registry, book := newTestRegistry(t, "bank-a", "Bank A")
	ctx := context.Background()
	seedAccount(t, book, "issuer", "1000.00")
	seedAccount(t, book, "receiver", "0.00")

	first, err := registry.Create(ctx, CreateParams{AccountID: "issuer", Amount: ledger.MustParseAmount("10.00")})
	require.NoError(t, err)
	_, err = registry.Create(ctx, CreateParams{AccountID: "issuer", Amount: ledger.MustParseAmount("20.00")})
	require.NoError(t, err)

	_, _, err = registry.Deposit(ctx, DepositParams{Identifier: first.NoteID, AccountID: "receiver"})
	require.NoError(t, err)

	created, err := registry.CreatedBy(ctx, "issuer", "")
	require.NoError(t, err)
	require.Len(t, created, 2)

	active, err := registry.CreatedBy(ctx, "issuer", StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)

	received, err := registry.ReceivedBy(ctx, "receiver", StatusRedeemed)
	require.NoError(t, err)
	require.Len(t, received, 1)
	require.Equal(t, first.NoteID, received[0].NoteID)
}
