// auth_handler.go -- HTTP handlers for the /auth/* endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MGallo-Code/persona/internal/metrics"
	"github.com/MGallo-Code/persona/internal/nonce"
	"github.com/MGallo-Code/persona/internal/store"
	"github.com/MGallo-Code/persona/internal/wallet"
	"github.com/MGallo-Code/persona/internal/worldcoin"
)

// walletAuthInput is the body MiniKit's walletAuth flow posts back.
type walletAuthInput struct {
	Payload wallet.Payload `json:"payload"`
	Nonce   string         `json:"nonce"`
}

// sessionResponse is returned by every endpoint that signs a user in.
type sessionResponse struct {
	Status       string `json:"status"`
	SessionToken string `json:"session_token"`
	UserID       int64  `json:"user_id"`
	UserExists   bool   `json:"user_exists"`
	Created      bool   `json:"created,omitempty"`
}

// allow applies a rate limit policy and writes 429/500 itself when the request may not proceed.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, key string, policy store.RateLimit) bool {
	err := h.RL.Allow(r.Context(), key, policy)
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrRateLimitExceeded) {
		logInfo(r, "request rate limited", "key", key)
		TooManyRequests(w)
		return false
	}
	InternalServerError(w, r, err)
	return false
}

// Nonce handles GET /auth/nonce -- issues a single-use sign-in nonce.
func (h *Handler) Nonce(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, "nonce:ip:"+clientIP(r), h.Settings.NoncePolicy) {
		return
	}
	n, err := h.Nonces.Issue(r.Context())
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	metrics.NonceIssued()
	logDebug(r, "nonce issued", "nonce", nonce.Prefix(n.Value))
	JSON(w, http.StatusOK, struct {
		Nonce     string    `json:"nonce"`
		ExpiresAt time.Time `json:"expires_at"`
	}{n.Value, n.ExpiresAt})
}

// WalletAuth handles POST /auth/wallet -- sign-in with a signed wallet message.
// Known wallets get a session. Unknown wallets get a short-lived registration
// ticket that /auth/new-user redeems, so account creation never trusts a
// client-supplied address.
func (h *Handler) WalletAuth(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, "wallet_auth:ip:"+clientIP(r), h.Settings.WalletAuthPolicy) {
		return
	}

	var in walletAuthInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		logWarn(r, "failed to decode wallet auth input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	addr, err := h.Wallets.Authenticate(r.Context(), in.Payload, in.Nonce)
	if err != nil {
		h.walletAuthFailed(w, r, in.Nonce, err)
		return
	}

	user, err := h.PS.GetUserByWallet(r.Context(), addr.Hex())
	if errors.Is(err, pgx.ErrNoRows) {
		ticket, err := newTicket()
		if err != nil {
			InternalServerError(w, r, err)
			return
		}
		if err := h.RS.SetRegistration(r.Context(), ticket, addr.Hex(), h.Settings.RegistrationTTL); err != nil {
			InternalServerError(w, r, err)
			return
		}
		metrics.WalletAuth("new_wallet")
		logInfo(r, "wallet verified without account", "wallet", addr.Hex())
		JSON(w, http.StatusOK, struct {
			Status             string `json:"status"`
			UserExists         bool   `json:"user_exists"`
			WalletAddress      string `json:"wallet_address"`
			RegistrationTicket string `json:"registration_ticket"`
		}{"success", false, addr.Hex(), ticket})
		return
	}
	if err != nil {
		logError(r, "failed to fetch user by wallet", "error", err)
		InternalServerError(w, r, err)
		return
	}

	token, err := h.startSession(r, user.ID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	metrics.WalletAuth("success")
	logInfo(r, "user logged in with wallet", "user_id", user.ID)
	JSON(w, http.StatusOK, sessionResponse{Status: "success", SessionToken: token, UserID: user.ID, UserExists: true})
}

// walletAuthFailed answers a failed sign-in. Every verification failure gets the
// same 401; only a chain outage is distinguishable, as a retryable 503.
func (h *Handler) walletAuthFailed(w http.ResponseWriter, r *http.Request, n string, err error) {
	if errors.Is(err, wallet.ErrRPCUnavailable) {
		metrics.WalletAuth("rpc_unavailable")
		ServiceUnavailable(w, r, err)
		return
	}
	reason := authFailureReason(err)
	if reason == "" {
		metrics.WalletAuth("error")
		InternalServerError(w, r, err)
		return
	}
	metrics.WalletAuth(reason)
	logInfo(r, "wallet auth failed", "reason", reason, "nonce", nonce.Prefix(n), "error", err)
	Unauthorized(w, r, "invalid credentials")
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, wallet.ErrInvalidNonce):
		return "invalid_nonce"
	case errors.Is(err, wallet.ErrMalformedMessage):
		return "malformed_message"
	case errors.Is(err, wallet.ErrMessageValidationFailed):
		return "validation_failed"
	case errors.Is(err, wallet.ErrMalformedSignature):
		return "malformed_signature"
	case errors.Is(err, wallet.ErrSignatureInvalid):
		return "signature_invalid"
	}
	return ""
}

// NewUser handles POST /auth/new-user -- creates an account for a wallet proven
// by a registration ticket from /auth/wallet.
func (h *Handler) NewUser(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RegistrationTicket string `json:"registration_ticket"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	if in.RegistrationTicket == "" {
		Unauthorized(w, r, "invalid credentials")
		return
	}

	addr, err := h.RS.ConsumeRegistration(r.Context(), in.RegistrationTicket)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			logInfo(r, "new user failed", "reason", "unknown_ticket")
			Unauthorized(w, r, "invalid credentials")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	user, err := h.PS.CreateWalletUser(r.Context(), addr, h.Settings.NewUserCredits)
	if err != nil {
		Error(w, r, err)
		return
	}
	token, err := h.startSession(r, user.ID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "user registered with wallet", "user_id", user.ID)
	JSON(w, http.StatusCreated, sessionResponse{Status: "success", SessionToken: token, UserID: user.ID, UserExists: true, Created: true})
}

// WorldIDAuth handles POST /auth/world-id -- sign-in with a World ID proof.
// The nullifier hash is the account key; first sight creates the account.
func (h *Handler) WorldIDAuth(w http.ResponseWriter, r *http.Request) {
	var proof worldcoin.Proof
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	if proof.NullifierHash == "" || proof.MerkleRoot == "" || proof.Proof == "" {
		BadRequest(w, r, "nullifier_hash, merkle_root and proof required")
		return
	}

	if err := h.WorldID.VerifyProof(r.Context(), proof); err != nil {
		if errors.Is(err, worldcoin.ErrProofRejected) {
			logInfo(r, "world id auth failed", "reason", "proof_rejected", "error", err)
			Unauthorized(w, r, "invalid credentials")
			return
		}
		Error(w, r, err)
		return
	}

	user, created, err := h.PS.UpsertWorldIDUser(r.Context(), proof.NullifierHash, h.Settings.NewUserCredits)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	token, err := h.startSession(r, user.ID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	logInfo(r, "user logged in with world id", "user_id", user.ID, "created", created)
	JSON(w, http.StatusOK, sessionResponse{Status: "success", SessionToken: token, UserID: user.ID, UserExists: true, Created: created})
}

// LinkWallet handles POST /auth/link-wallet -- attaches a signed-for wallet to
// the authenticated account.
func (h *Handler) LinkWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	var in walletAuthInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}

	addr, err := h.Wallets.Authenticate(r.Context(), in.Payload, in.Nonce)
	if err != nil {
		h.walletAuthFailed(w, r, in.Nonce, err)
		return
	}

	if _, err := h.PS.LinkWallet(r.Context(), userID, addr.Hex()); err != nil {
		Error(w, r, err)
		return
	}
	metrics.WalletAuth("linked")
	logInfo(r, "wallet linked", "user_id", userID, "wallet", addr.Hex())
	JSON(w, http.StatusOK, struct {
		Status        string `json:"status"`
		WalletAddress string `json:"wallet_address"`
	}{"success", addr.Hex()})
}

// Logout handles POST /auth/logout -- ends the authenticated session.
// Deletes from Redis (non-fatal) then Postgres (fatal).
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		logError(r, "logout called without user_id in context")
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	tokenHash, ok := TokenHashFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	if err := h.RS.DeleteSession(r.Context(), cacheKey(tokenHash), userID); err != nil {
		logWarn(r, "failed to delete session from redis", "error", err)
	}
	if err := h.PS.DeleteSession(r.Context(), tokenHash); err != nil {
		logError(r, "failed to delete session from database", "error", err)
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "user logged out", "user_id", userID)
	OK(w, "logged out")
}
