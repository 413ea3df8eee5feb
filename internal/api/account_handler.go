// account_handler.go -- profile and credit spending for the signed-in user.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MGallo-Code/persona/internal/redeem"
	"github.com/MGallo-Code/persona/internal/store"
)

// userView is the client-facing shape of a user.
type userView struct {
	ID                        int64      `json:"id"`
	WalletAddress             *string    `json:"wallet_address"`
	WorldID                   *string    `json:"world_id"`
	Username                  *string    `json:"username"`
	Credits                   int64      `json:"credits"`
	CreditsSpent              int64      `json:"credits_spent"`
	CharacterMessagesReceived int64      `json:"character_messages_received"`
	TokensRedeemed            int64      `json:"tokens_redeemed"`
	RedeemableTokens          *int64     `json:"redeemable_tokens,omitempty"`
	LastActiveAt              *time.Time `json:"last_active_at"`
	CreatedAt                 time.Time  `json:"created_at"`
}

func newUserView(u *store.User) userView {
	return userView{
		ID:                        u.ID,
		WalletAddress:             u.WalletAddress,
		WorldID:                   u.WorldID,
		Username:                  u.Username,
		Credits:                   u.Credits,
		CreditsSpent:              u.CreditsSpent,
		CharacterMessagesReceived: u.CharacterMessagesReceived,
		TokensRedeemed:            u.TokensRedeemed,
		LastActiveAt:              u.LastActiveAt,
		CreatedAt:                 u.CreatedAt,
	}
}

// currentUser loads the session's user. Writes the error response itself.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (*store.User, bool) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return nil, false
	}
	u, err := h.PS.GetUserByID(r.Context(), userID)
	if errors.Is(err, pgx.ErrNoRows) {
		Error(w, r, store.ErrUserNotFound)
		return nil, false
	}
	if err != nil {
		InternalServerError(w, r, err)
		return nil, false
	}
	return u, true
}

// Me handles GET /me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	view := newUserView(u)
	if h.Redeem != nil {
		n := redeem.CalculateRedeemable(u.CharacterMessagesReceived, u.TokensRedeemed, h.Redeem.Multiplier())
		view.RedeemableTokens = &n
	}
	JSON(w, http.StatusOK, view)
}

// Credits handles GET /credits.
func (h *Handler) Credits(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	bal, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, http.StatusOK, struct {
		Credits int64 `json:"credits"`
	}{bal})
}

// SpendCredits handles POST /credits/spend. Without an amount the configured
// per-message cost is charged; with a character_creator_id the creator is
// credited with a received message in the same transaction.
func (h *Handler) SpendCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	var in struct {
		Amount             *int64 `json:"amount"`
		CharacterCreatorID int64  `json:"character_creator_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	cost := h.Settings.MessageCost
	if in.Amount != nil {
		cost = *in.Amount
	}

	balance, err := h.Ledger.ChargeMessage(r.Context(), userID, in.CharacterCreatorID, cost)
	if err != nil {
		Error(w, r, err)
		return
	}
	logDebug(r, "credits spent", "user_id", userID, "amount", cost, "creator_id", in.CharacterCreatorID)
	JSON(w, http.StatusOK, struct {
		Status  string `json:"status"`
		Credits int64  `json:"credits"`
	}{"success", balance})
}
