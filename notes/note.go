package notes

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"securebank/crypto"
	"securebank/ledger"
)

// Status of a bank note. Expired is never written to storage; it is derived at
// read time from the expiry timestamp.
type Status string

const (
	StatusActive   Status = "active"
	StatusRedeemed Status = "redeemed"
	StatusExpired  Status = "expired"
)

// Note is a signed bearer instrument issued against a debited account
// balance. Whoever presents a valid, unexpired, active note may redeem it
// once, on any node in the federation.
type Note struct {
	NoteID              string        `json:"note_id"`
	Serial              string        `json:"serial"`
	Amount              ledger.Amount `json:"amount"`
	Issuer              string        `json:"issuer"`
	IssuerID            string        `json:"issuer_id"`
	IssuingAccountID    string        `json:"issuing_account_id,omitempty"`
	Status              Status        `json:"status"`
	Signature           string        `json:"signature"`
	IssuedAt            time.Time     `json:"issued_at"`
	ExpiresAt           time.Time     `json:"expires_at"`
	RedeemedAt          *time.Time    `json:"redeemed_at,omitempty"`
	RedeemedBy          string        `json:"redeemed_by,omitempty"`
	RedemptionAccountID string        `json:"redemption_account_id,omitempty"`
}

// Canonical returns the field set covered by the note signature.
func (n Note) Canonical() crypto.CanonicalNote {
	return crypto.CanonicalNote{
		NoteID:    n.NoteID,
		Serial:    n.Serial,
		Amount:    n.Amount.String(),
		Issuer:    n.Issuer,
		IssuerID:  n.IssuerID,
		IssuedAt:  n.IssuedAt.UTC().Format(time.RFC3339),
		ExpiresAt: n.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// EffectiveStatus derives the read-time status: an active note past its
// expiry reads as expired without a stored transition.
func (n Note) EffectiveStatus(now time.Time) Status {
	if n.Status == StatusActive && n.ExpiresAt.Before(now) {
		return StatusExpired
	}
	return n.Status
}

// Receipt is the projection handed to the issuing or redeeming account.
type Receipt struct {
	TransactionID string        `json:"transaction_id,omitempty"`
	NoteID        string        `json:"note_id"`
	Serial        string        `json:"serial"`
	Amount        ledger.Amount `json:"amount"`
	Issuer        string        `json:"issuer"`
	Date          time.Time     `json:"date"`
	Expiry        time.Time     `json:"expiry"`
	Status        Status        `json:"status"`
	RedeemedAt    *time.Time    `json:"redeemed_at,omitempty"`
	RedeemedBy    string        `json:"redeemed_by,omitempty"`
}

// NewNoteID mints an opaque note identifier.
func NewNoteID() string {
	return "note_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSerial mints a human-presentable serial number.
func NewSerial() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "SB-" + raw[0:4] + "-" + raw[4:8] + "-" + raw[8:12]
}

// NewTransactionID mints a ledger idempotency key.
func NewTransactionID() string {
	return "txn_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
