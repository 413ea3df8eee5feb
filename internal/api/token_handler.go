// token_handler.go -- creator token redemption.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/persona/internal/redeem"
	"github.com/MGallo-Code/persona/internal/store"
)

type redemptionView struct {
	ID              uuid.UUID `json:"id"`
	WalletAddress   string    `json:"wallet_address"`
	Amount          int64     `json:"amount"`
	Nonce           string    `json:"nonce"`
	Signature       string    `json:"signature"`
	Status          string    `json:"status"`
	TransactionHash *string   `json:"transaction_hash"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newRedemptionView(rd store.Redemption) redemptionView {
	return redemptionView{
		ID:              rd.ID,
		WalletAddress:   rd.WalletAddress,
		Amount:          rd.Amount,
		Nonce:           rd.Nonce,
		Signature:       rd.Signature,
		Status:          rd.Status,
		TransactionHash: rd.TransactionHash,
		CreatedAt:       rd.CreatedAt,
		UpdatedAt:       rd.UpdatedAt,
	}
}

// linkedWallet returns the user's wallet, answering 400 when none is linked.
func linkedWallet(w http.ResponseWriter, r *http.Request, u *store.User) (string, bool) {
	if u.WalletAddress == nil || *u.WalletAddress == "" {
		BadRequest(w, r, "no wallet linked")
		return "", false
	}
	return *u.WalletAddress, true
}

// Redeemable handles GET /tokens/redeemable.
func (h *Handler) Redeemable(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	m := h.Redeem.Multiplier()
	JSON(w, http.StatusOK, struct {
		Redeemable       int64 `json:"redeemable"`
		MessagesReceived int64 `json:"messages_received"`
		TokensRedeemed   int64 `json:"tokens_redeemed"`
		Multiplier       int64 `json:"multiplier"`
	}{redeem.CalculateRedeemable(u.CharacterMessagesReceived, u.TokensRedeemed, m), u.CharacterMessagesReceived, u.TokensRedeemed, m})
}

// RedeemTokens handles POST /tokens/redeem. Tokens are always minted to the
// account's linked wallet.
func (h *Handler) RedeemTokens(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}

	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	addr, ok := linkedWallet(w, r, u)
	if !ok {
		return
	}

	g, err := h.Redeem.CreateRedemption(r.Context(), u.ID, addr, in.Amount)
	if err != nil {
		Error(w, r, err)
		return
	}
	logInfo(r, "redemption created", "user_id", u.ID, "redemption_id", g.RedemptionID, "amount", g.Amount)
	JSON(w, http.StatusCreated, struct {
		RedemptionID    uuid.UUID `json:"redemption_id"`
		Nonce           string    `json:"nonce"`
		Signature       string    `json:"signature"`
		Amount          int64     `json:"amount"`
		AmountWei       string    `json:"amount_wei"`
		ContractAddress string    `json:"contract_address"`
		WalletAddress   string    `json:"wallet_address"`
	}{g.RedemptionID, g.Nonce, g.Signature, g.Amount, weiString(g.AmountWei), g.ContractAddress.Hex(), g.WalletAddress.Hex()})
}

// Redemptions handles GET /tokens/redemptions?status=.
func (h *Handler) Redemptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	status := r.URL.Query().Get("status")
	switch status {
	case "", store.RedemptionPending, store.RedemptionCompleted, store.RedemptionFailed:
	default:
		BadRequest(w, r, "invalid status")
		return
	}

	list, err := h.Redeem.ListRedemptions(r.Context(), userID, status)
	if err != nil {
		Error(w, r, err)
		return
	}
	views := make([]redemptionView, 0, len(list))
	for _, rd := range list {
		views = append(views, newRedemptionView(rd))
	}
	JSON(w, http.StatusOK, struct {
		Redemptions []redemptionView `json:"redemptions"`
	}{views})
}

// UpdateRedemptionStatus handles POST /tokens/redemptions/{id}/status, reported
// by the client once the mint transaction settles.
func (h *Handler) UpdateRedemptionStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, store.ErrRedemptionNotFound)
		return
	}

	var in struct {
		Status          string  `json:"status"`
		TransactionHash *string `json:"transaction_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}

	rd, err := h.Redeem.Redemption(r.Context(), id)
	if err != nil {
		Error(w, r, err)
		return
	}
	// Someone else's redemption looks exactly like a missing one.
	if rd.UserID != userID {
		Error(w, r, store.ErrRedemptionNotFound)
		return
	}

	updated, err := h.Redeem.UpdateStatus(r.Context(), id, in.Status, in.TransactionHash)
	if err != nil {
		Error(w, r, err)
		return
	}
	if !updated {
		Error(w, r, store.ErrRedemptionNotFound)
		return
	}
	logInfo(r, "redemption status updated", "user_id", userID, "redemption_id", id, "status", in.Status)
	JSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{in.Status})
}

// TokenBalance handles GET /tokens/balance -- on-chain balance of the linked wallet.
func (h *Handler) TokenBalance(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	addr, ok := linkedWallet(w, r, u)
	if !ok {
		return
	}

	bal, err := h.Redeem.Balance(r.Context(), common.HexToAddress(addr))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, http.StatusOK, struct {
		WalletAddress string `json:"wallet_address"`
		Balance       string `json:"balance"`
	}{addr, bal.String()})
}
