package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/strongbox/internal/account"
)

type Account interface {
	Register(ctx context.Context, passphrase string) error
	Unlock(ctx context.Context, passphrase string) error
	Lock()
	Unlocked() bool
	Registered(ctx context.Context) (bool, error)
}

type AccountHandler struct {
	account Account
	logger  *slog.Logger
}

func NewAccountHandler(acct Account, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{account: acct, logger: logger}
}

type passphraseRequest struct {
	Passphrase string `json:"passphrase"`
}

func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	registered, err := h.account.Registered(r.Context())
	if err != nil {
		h.logger.Error("read registration", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"registered": registered,
		"unlocked":   h.account.Unlocked(),
	})
}

// Register sets up the primary account with a new passphrase.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req passphraseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Passphrase) < 12 {
		writeError(w, http.StatusBadRequest, "passphrase must be at least 12 characters")
		return
	}
	err := h.account.Register(r.Context(), req.Passphrase)
	switch {
	case errors.Is(err, account.ErrAlreadyRegistered):
		writeError(w, http.StatusConflict, "account already registered")
	case err != nil:
		h.logger.Error("register account", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register account")
	default:
		writeJSON(w, http.StatusCreated, map[string]bool{"registered": true, "unlocked": true})
	}
}

func (h *AccountHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req passphraseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := h.account.Unlock(r.Context(), req.Passphrase)
	switch {
	case errors.Is(err, account.ErrWrongPassphrase):
		writeError(w, http.StatusUnauthorized, "wrong passphrase")
	case errors.Is(err, account.ErrNotRegistered):
		writeError(w, http.StatusConflict, "account not registered")
	case err != nil:
		h.logger.Error("unlock account", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to unlock account")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"unlocked": true})
	}
}

func (h *AccountHandler) Lock(w http.ResponseWriter, r *http.Request) {
	h.account.Lock()
	w.WriteHeader(http.StatusNoContent)
}
