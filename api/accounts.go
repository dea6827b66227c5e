package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"securebank/crypto"
	"securebank/ledger"
	"securebank/notes"
)

const bcryptCost = 12

// identifierHash is the lookup form of usernames and email addresses: the
// plaintext never hits disk, and peers receive only the hash.
func identifierHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

type profile struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		s.writeError(w, fmt.Errorf("%w: username, email and password are required", errBadRequest))
		return
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		s.writeError(w, fmt.Errorf("hash password: %w", err))
		return
	}
	sealed, err := s.cipher.Seal(profile{Name: req.Name, Email: req.Email, Username: req.Username}, s.ownKeyID)
	if err != nil {
		s.writeError(w, fmt.Errorf("seal profile: %w", err))
		return
	}

	acct := ledger.Account{
		ID:           "user_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		UsernameHash: identifierHash(req.Username),
		EmailHash:    identifierHash(req.Email),
		PasswordHash: string(passwordHash),
		ProfileData:  sealed.Data,
		ProfileIV:    sealed.IV,
		Balance:      s.initialBalance,
	}
	if err := s.ledger.CreateAccount(r.Context(), acct); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("account registered", "account", acct.ID)

	s.engine.Propagate(r.Context(), "new_user", map[string]any{
		"user_id":       acct.ID,
		"username_hash": acct.UsernameHash,
		"email_hash":    acct.EmailHash,
		"password_hash": acct.PasswordHash,
		"profile_data":  acct.ProfileData,
		"profile_iv":    acct.ProfileIV,
		"balance":       s.initialBalance.String(),
		"created_at":    time.Now().UTC().Format(time.RFC3339),
	})
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"user_id": acct.ID,
		"balance": s.initialBalance,
	})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	acct, err := s.ledger.AccountByUsernameHash(r.Context(), identifierHash(strings.TrimSpace(req.Username)))
	if err != nil {
		// Uniform failure: a missing account and a bad password are
		// indistinguishable to the caller.
		s.writeError(w, ErrSessionInvalid)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)) != nil {
		s.writeError(w, ErrSessionInvalid)
		return
	}
	token, expiresAt, err := s.sessions.Create(r.Context(), acct.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.engine.Propagate(r.Context(), "new_session", map[string]any{
		"token":      token,
		"user_id":    acct.ID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"token":      token,
		"user_id":    acct.ID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.Account(r.Context(), accountID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	response := map[string]any{
		"success":    true,
		"user_id":    acct.ID,
		"balance":    acct.Balance,
		"created_at": acct.CreatedAt.UTC().Format(time.RFC3339),
	}
	if acct.ProfileData != "" {
		plaintext, err := s.cipher.Open(crypto.Sealed{Data: acct.ProfileData, IV: acct.ProfileIV}, s.ownKeyID)
		if err != nil {
			// Replicated accounts are sealed under the origin node's key;
			// the hashes and balance still serve.
			s.logger.Warn("profile unreadable", "account", acct.ID, "error", err)
		} else {
			response["profile"] = jsonRaw(plaintext)
		}
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleBalanceAdjust applies a signed adjustment to the caller's balance. The
// client may supply the transaction id so a retried request replays instead of
// double-applying; replays are not re-announced to peers.
func (s *Server) handleBalanceAdjust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount        ledger.Amount `json:"amount"`
		TransactionID string        `json:"transaction_id"`
		Description   string        `json:"description"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Amount == 0 {
		s.writeError(w, fmt.Errorf("%w: amount must be non-zero", errBadRequest))
		return
	}
	txnID := strings.TrimSpace(req.TransactionID)
	if txnID == "" {
		txnID = notes.NewTransactionID()
	}
	acctID := accountID(r.Context())
	result, err := s.ledger.Apply(r.Context(), acctID, req.Amount, txnID, ledger.TypeAdjustment, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !result.Replayed {
		s.engine.Propagate(r.Context(), "balance_update", map[string]any{
			"account_id":       acctID,
			"transaction_id":   result.TransactionID,
			"transaction_type": ledger.TypeAdjustment,
			"amount":           req.Amount.String(),
			"balance":          result.NewBalance.String(),
			"reference":        req.Description,
			"timestamp":        time.Now().UTC().Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"balance":        result.NewBalance,
		"transaction_id": result.TransactionID,
		"replayed":       result.Replayed,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txns, err := s.ledger.Transactions(r.Context(), accountID(r.Context()), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if txns == nil {
		txns = []ledger.Transaction{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"transactions": txns,
	})
}

func statusFilter(r *http.Request) notes.Status {
	return notes.Status(strings.TrimSpace(r.URL.Query().Get("status")))
}
