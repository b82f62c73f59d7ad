package control

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/EPguitars/proxycare/internal/store"
)

// TokenHandler mints bearer tokens for streaming sessions. The original
// deployment issued these via a full username/password login; here token
// issuance is itself a partner-authenticated action (mounted behind
// PartnerAuth), not a standalone login flow, since the broker has no
// concept of end-user accounts beyond the `users` table the original
// schema carried over for audit purposes.
type TokenHandler struct {
	store    store.Store
	expireIn time.Duration
	log      *slog.Logger
}

// NewTokenHandler builds a TokenHandler.
func NewTokenHandler(s store.Store, expireIn time.Duration, log *slog.Logger) *TokenHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TokenHandler{store: s, expireIn: expireIn, log: log.With(slog.String("component", "control.token"))}
}

type mintTokenRequest struct {
	UserID *int `json:"user_id,omitempty"`
}

type mintTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in_seconds"`
}

// Mint issues a new bearer token and records it in the store.
func (h *TokenHandler) Mint(w http.ResponseWriter, r *http.Request) {
	var req mintTokenRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}

	token, err := randomToken()
	if err != nil {
		h.log.Error("generate token failed", slog.String("error", err.Error()))
		http.Error(w, "token generation failed", http.StatusInternalServerError)
		return
	}

	if err := h.store.IssueToken(r.Context(), token, req.UserID); err != nil {
		h.log.Error("persist token failed", slog.String("error", err.Error()))
		http.Error(w, "token issuance failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, mintTokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(h.expireIn.Seconds()),
	})
}

func randomToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
