package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"securebank/ledger"
	"securebank/notes"
)

func (s *Server) handleNoteCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount     ledger.Amount `json:"amount"`
		ExpiryDays int           `json:"expiry_days"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	note, err := s.registry.Create(r.Context(), notes.CreateParams{
		AccountID:  accountID(r.Context()),
		Amount:     req.Amount,
		ExpiryDays: req.ExpiryDays,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"success":   true,
		"bank_note": note,
	})
}

func (s *Server) handleNoteVerify(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	note, err := s.registry.Get(r.Context(), identifier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"bank_note": note,
	})
}

func (s *Server) handleNoteDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier     string `json:"identifier"`
		NoteID         string `json:"note_id"`
		Serial         string `json:"serial"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	identifier := firstNonEmpty(req.Identifier, req.NoteID, req.Serial)
	if identifier == "" {
		s.writeError(w, fmt.Errorf("%w: note identifier is required", errBadRequest))
		return
	}
	note, result, err := s.registry.Deposit(r.Context(), notes.DepositParams{
		Identifier:     identifier,
		AccountID:      accountID(r.Context()),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   fmt.Sprintf("deposited %s from %s", note.Amount.String(), note.Issuer),
		"bank_note": note,
		"balance":   result.NewBalance,
	})
}

// handleNoteImport accepts a note interchange document as the request body.
func (s *Server) handleNoteImport(w http.ResponseWriter, r *http.Request) {
	document, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, errBadRequest)
		return
	}
	note, err := s.registry.Import(r.Context(), document)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "bank note imported",
		"bank_note": note,
	})
}

func (s *Server) handleNotesCreated(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.CreatedBy(r.Context(), accountID(r.Context()), statusFilter(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"bank_notes": list,
	})
}

func (s *Server) handleNotesReceived(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.ReceivedBy(r.Context(), accountID(r.Context()), statusFilter(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"bank_notes": list,
	})
}

func (s *Server) handleNoteReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.registry.Receipt(r.Context(), chi.URLParam(r, "identifier"), accountID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"receipt": receipt,
	})
}

func (s *Server) handleNoteExport(w http.ResponseWriter, r *http.Request) {
	document, err := s.registry.Export(r.Context(), chi.URLParam(r, "identifier"), accountID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, document)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
