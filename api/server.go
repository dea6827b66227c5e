// Package api exposes the node's HTTP surface: account and bank-note
// operations for clients, the encrypted sync endpoint for peers, and the
// metrics endpoint for operators.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"securebank/crypto"
	"securebank/ledger"
	"securebank/network"
	"securebank/notes"
)

type contextKey string

const accountKey contextKey = "account_id"

// maxBodyBytes bounds request bodies; sync envelopes and note documents are
// small, so anything larger is hostile.
const maxBodyBytes = 1 << 20

// Server wires the domain packages behind the HTTP routes.
type Server struct {
	ledger         *ledger.Ledger
	registry       *notes.Registry
	engine         *network.Engine
	sessions       *SessionStore
	cipher         *crypto.Cipher
	ownKeyID       string
	initialBalance ledger.Amount
	nodeID         string
	nodeName       string
	logger         *slog.Logger
}

// Config carries the server's construction parameters.
type Config struct {
	Ledger         *ledger.Ledger
	Registry       *notes.Registry
	Engine         *network.Engine
	Sessions       *SessionStore
	Cipher         *crypto.Cipher
	OwnKeyID       string
	InitialBalance ledger.Amount
	NodeID         string
	NodeName       string
	Logger         *slog.Logger
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ledger:         cfg.Ledger,
		registry:       cfg.Registry,
		engine:         cfg.Engine,
		sessions:       cfg.Sessions,
		cipher:         cfg.Cipher,
		ownKeyID:       cfg.OwnKeyID,
		initialBalance: cfg.InitialBalance,
		nodeID:         cfg.NodeID,
		nodeName:       cfg.NodeName,
		logger:         logger.With("component", "api"),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/sync", s.handleSync)

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/auth", s.handleAuth)
		// Verification never redeems, so anyone holding a note may check it
		// before accepting it as payment.
		r.Get("/bank-notes/verify/{identifier}", s.handleNoteVerify)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/account", s.handleAccount)
			r.Post("/balance", s.handleBalanceAdjust)
			r.Get("/transactions", s.handleTransactions)

			r.Route("/bank-notes", func(r chi.Router) {
				r.Post("/", s.handleNoteCreate)
				r.Post("/deposit", s.handleNoteDeposit)
				r.Post("/import", s.handleNoteImport)
				r.Get("/created", s.handleNotesCreated)
				r.Get("/received", s.handleNotesReceived)
				r.Get("/{identifier}/receipt", s.handleNoteReceipt)
				r.Get("/{identifier}/export", s.handleNoteExport)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"node":   s.nodeID,
	})
}

// handleSync feeds inbound envelopes to the sync engine. The transport always
// answers 200; protocol rejections ride in the success flag so a peer can tell
// a processing refusal from a dead node.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusOK, network.Response{Success: false, Message: "unreadable request"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Handle(r.Context(), body))
}

// requireSession authenticates bearer tokens and stashes the account id in the
// request context.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(w, ErrSessionInvalid)
			return
		}
		accountID, err := s.sessions.Resolve(r.Context(), strings.TrimSpace(token))
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, accountID)))
	})
}

func accountID(ctx context.Context) string {
	id, _ := ctx.Value(accountKey).(string)
	return id
}

func (s *Server) decode(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return errBadRequest
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

func jsonRaw(b []byte) json.RawMessage {
	return json.RawMessage(b)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := toStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		message = "internal error"
	}
	s.writeJSON(w, status, map[string]any{"success": false, "message": message})
}
