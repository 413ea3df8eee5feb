// payment_handler.go -- credit purchases paid in WLD or USDC.e.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MGallo-Code/persona/internal/payment"
	"github.com/MGallo-Code/persona/internal/store"
)

// paymentView is the client-facing shape of a payment.
type paymentView struct {
	Reference       string    `json:"reference"`
	Status          string    `json:"status"`
	Credits         int64     `json:"credits"`
	Token           string    `json:"token"`
	TokenAmount     string    `json:"token_amount"`
	Decimals        int       `json:"decimals"`
	Recipient       string    `json:"recipient"`
	TransactionID   *string   `json:"transaction_id"`
	TransactionHash *string   `json:"transaction_hash"`
	Chain           *string   `json:"chain"`
	SenderAddress   *string   `json:"sender_address"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newPaymentView(p store.Payment) paymentView {
	return paymentView{
		Reference:       p.Reference,
		Status:          p.Status,
		Credits:         p.CreditsAmount,
		Token:           p.TokenType,
		TokenAmount:     p.TokenAmount,
		Decimals:        p.TokenDecimalPlaces,
		Recipient:       p.RecipientAddress,
		TransactionID:   p.TransactionID,
		TransactionHash: p.TransactionHash,
		Chain:           p.Chain,
		SenderAddress:   p.SenderAddress,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

// InitiatePayment handles POST /payments/initiate.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	var in struct {
		Credits int64  `json:"credits"`
		Token   string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	if in.Token == "" {
		in.Token = payment.BaseToken
	}

	started, err := h.Payments.Initiate(r.Context(), userID, in.Credits, in.Token)
	if err != nil {
		Error(w, r, err)
		return
	}
	logInfo(r, "payment initiated", "user_id", userID, "reference", started.Reference,
		"credits", started.Credits, "token", started.TokenType)
	JSON(w, http.StatusOK, struct {
		Reference   string `json:"reference"`
		To          string `json:"to"`
		Token       string `json:"token"`
		TokenAmount string `json:"token_amount"`
		RawAmount   string `json:"raw_amount"`
		Decimals    int32  `json:"decimals"`
		Credits     int64  `json:"credits"`
	}{started.Reference, started.Recipient, started.TokenType, started.TokenAmount, started.RawAmount, started.Decimals, started.Credits})
}

// ConfirmPayment handles POST /payments/confirm. The reference is the
// capability here, so no session is required: MiniKit may call back after the
// app was closed.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Reference string `json:"reference"`
		Payload   struct {
			TransactionID string `json:"transaction_id"`
		} `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	if in.Reference == "" {
		BadRequest(w, r, "reference required")
		return
	}

	out, err := h.Payments.Confirm(r.Context(), in.Reference, in.Payload.TransactionID)
	if errors.Is(err, payment.ErrStillPending) {
		JSON(w, http.StatusAccepted, struct {
			Status string `json:"status"`
		}{store.PaymentPending})
		return
	}
	if err != nil {
		Error(w, r, err)
		return
	}

	if out.Payment.Status == store.PaymentFailed {
		JSON(w, http.StatusOK, struct {
			Status string `json:"status"`
		}{store.PaymentFailed})
		return
	}
	resp := struct {
		Status       string `json:"status"`
		CreditsAdded int64  `json:"credits_added"`
		NewBalance   *int64 `json:"new_balance"`
	}{out.Payment.Status, out.Payment.CreditsAmount, out.NewBalance}
	JSON(w, http.StatusOK, resp)
}

// PaymentStatus handles GET /payments/{reference}/status. Only the buyer may look.
func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	out, err := h.Payments.GetStatus(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		Error(w, r, err)
		return
	}
	if out.Payment.UserID != userID {
		Error(w, r, payment.ErrPaymentNotFound)
		return
	}
	JSON(w, http.StatusOK, newPaymentView(out.Payment))
}

// ListPayments handles GET /payments?status=.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", store.PaymentPending, store.PaymentConfirmed, store.PaymentFailed:
	default:
		BadRequest(w, r, "invalid status")
		return
	}

	payments, err := h.Payments.ListPayments(r.Context(), userID, status)
	if err != nil {
		Error(w, r, err)
		return
	}
	views := make([]paymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, newPaymentView(p))
	}
	JSON(w, http.StatusOK, struct {
		Payments []paymentView `json:"payments"`
	}{views})
}
