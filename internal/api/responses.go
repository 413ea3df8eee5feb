// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Fixed messages are plain ASCII with no
// user-controlled input interpolated, so string concat is safe here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MGallo-Code/persona/internal/chain"
	"github.com/MGallo-Code/persona/internal/ledger"
	"github.com/MGallo-Code/persona/internal/payment"
	"github.com/MGallo-Code/persona/internal/redeem"
	"github.com/MGallo-Code/persona/internal/store"
	"github.com/MGallo-Code/persona/internal/worldcoin"
)

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	Message(w, http.StatusInternalServerError, "internal server error")
}

// BadRequest returns a 400 JSON response with the given message.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	Message(w, http.StatusBadRequest, message)
}

// Unauthorized returns a 401 JSON response with a generic message.
// Keep message generic to prevent enumeration of which check failed.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	Message(w, http.StatusUnauthorized, message)
}

// ServiceUnavailable returns a 503 for transient upstream failures. Callers may retry.
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, err error) {
	logWarn(r, "upstream unavailable", "error", err)
	Message(w, http.StatusServiceUnavailable, "service temporarily unavailable")
}

// TooManyRequests returns a 429.
func TooManyRequests(w http.ResponseWriter) {
	Message(w, http.StatusTooManyRequests, "too many requests")
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	Message(w, http.StatusOK, message)
}

// Message writes {"message": message} with status.
func Message(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

// JSON encodes v with status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorResponses maps domain errors to status and client-facing message.
// First match wins.
var errorResponses = []struct {
	err     error
	status  int
	message string
}{
	{store.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient credits"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid amount"},
	{redeem.ErrInvalidAmount, http.StatusBadRequest, "invalid amount"},
	{store.ErrUserNotFound, http.StatusNotFound, "user not found"},
	{store.ErrWalletTaken, http.StatusConflict, "wallet already registered"},
	{store.ErrWalletAlreadyLinked, http.StatusConflict, "account already has a wallet"},
	{payment.ErrUnsupportedToken, http.StatusBadRequest, "unsupported token"},
	{payment.ErrMissingTransactionID, http.StatusBadRequest, "missing transaction_id"},
	{payment.ErrPaymentNotFound, http.StatusNotFound, "payment not found"},
	{payment.ErrAlreadyConfirmed, http.StatusConflict, "payment already confirmed"},
	{payment.ErrAlreadyFailed, http.StatusConflict, "payment already failed"},
	{payment.ErrTransactionReferenceMismatch, http.StatusBadRequest, "transaction reference mismatch"},
	{payment.ErrUnknownTransaction, http.StatusBadRequest, "unknown transaction"},
	{redeem.ErrInvalidAddress, http.StatusBadRequest, "invalid wallet address"},
	{redeem.ErrInvalidStatus, http.StatusBadRequest, "invalid status"},
	{store.ErrInsufficientRedeemable, http.StatusBadRequest, "insufficient redeemable tokens"},
	{redeem.ErrRedemptionFinalized, http.StatusConflict, "redemption already finalized"},
	{store.ErrRedemptionNotFound, http.StatusNotFound, "redemption not found"},
	{store.ErrRateLimitExceeded, http.StatusTooManyRequests, "too many requests"},
}

// transientErrors are retryable upstream outages.
var transientErrors = []error{
	chain.ErrRPCUnavailable,
	payment.ErrAuthorityUnavailable,
	payment.ErrPriceUnavailable,
	worldcoin.ErrUnavailable,
}

// Error writes the response for a service error: a specific status for known
// domain errors, 503 for transient outages, 500 otherwise.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	for _, t := range transientErrors {
		if errors.Is(err, t) {
			ServiceUnavailable(w, r, err)
			return
		}
	}
	for _, e := range errorResponses {
		if errors.Is(err, e.err) {
			logDebug(r, "request rejected", "reason", e.message, "error", err)
			Message(w, e.status, e.message)
			return
		}
	}
	InternalServerError(w, r, err)
}
