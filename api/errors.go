package api

import (
	"errors"
	"net/http"

	"securebank/ledger"
	"securebank/notes"
)

// toStatus maps domain errors onto HTTP status codes. Anything unmapped is a
// 500 with a generic message so internal detail never reaches clients.
func toStatus(err error) int {
	switch {
	case errors.Is(err, ErrSessionInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, notes.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, notes.ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, notes.ErrAlreadyRedeemed),
		errors.Is(err, ledger.ErrDuplicateAccount):
		return http.StatusConflict
	case errors.Is(err, notes.ErrExpired):
		return http.StatusGone
	case errors.Is(err, notes.ErrInvalidSignature),
		errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, notes.ErrMalformedDocument),
		errors.Is(err, notes.ErrInvalidAmount),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errBadRequest tags request validation failures.
var errBadRequest = errors.New("bad request")
