// client.go -- World App developer portal and price API client.
package worldcoin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/MGallo-Code/persona/internal/metrics"
)

// Overridden in tests.
var (
	portalBaseURL = "https://developer.worldcoin.org"
	pricesURL     = "https://app-backend.worldcoin.dev/public/v1/miniapps/prices"
)

var (
	// ErrUnavailable covers network failures, timeouts, and 5xx/unexpected responses. Transient.
	ErrUnavailable = errors.New("world app api unavailable")

	// ErrTransactionNotFound is returned when the portal does not know the transaction ID.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrProofRejected is returned when the portal refuses a World ID proof.
	ErrProofRejected = errors.New("world id proof rejected")
)

// Transaction statuses reported by the portal.
const (
	TxPending   = "pending"
	TxSubmitted = "submitted"
	TxMined     = "mined"
	TxFailed    = "failed"
)

// Client calls the World App APIs with one shared timeout and a client-side rate limit.
type Client struct {
	appID      string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient returns a Client. timeout <= 0 uses 5s.
// Outbound calls are limited to 10/s with a burst of 20.
func NewClient(appID, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		appID:      appID,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
	}
}

// Transaction is the portal's view of a MiniKit payment.
type Transaction struct {
	TransactionID    string `json:"transaction_id"`
	Reference        string `json:"reference"`
	Status           string `json:"transaction_status"`
	TransactionHash  string `json:"transaction_hash"`
	Chain            string `json:"chain"`
	From             string `json:"from"`
	RecipientAddress string `json:"recipient_address"`
	Token            string `json:"token"`
	TokenAmount      string `json:"token_amount"`
	MiniAppID        string `json:"miniapp_id"`
	UpdatedAt        string `json:"updated_at"`
}

// GetTransaction fetches a payment transaction by the ID the wallet returned.
func (c *Client) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	q := url.Values{"app_id": {c.appID}, "type": {"payment"}}
	endpoint := fmt.Sprintf("%s/api/v2/minikit/transaction/%s?%s",
		portalBaseURL, url.PathEscape(transactionID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("worldcoin: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	var tx Transaction
	status, err := c.do(req, "world_app_transaction", &tx)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrTransactionNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: transaction lookup status %d", ErrUnavailable, status)
	}
	if tx.TransactionID == "" {
		tx.TransactionID = transactionID
	}
	return &tx, nil
}

// Price is a fixed-point quote: Amount / 10^Decimals.
type Price struct {
	Amount   string `json:"amount"`
	Decimals int32  `json:"decimals"`
}

// Value returns the quote as a decimal.
func (p Price) Value() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing price amount %q: %w", p.Amount, err)
	}
	return d.Shift(-p.Decimals), nil
}

// Prices returns quotes keyed by crypto symbol then fiat symbol, using the API's
// symbols (e.g. "WLD", "USDCE").
func (c *Client) Prices(ctx context.Context, cryptos, fiats []string) (map[string]map[string]Price, error) {
	q := url.Values{
		"cryptoCurrencies": {strings.Join(cryptos, ",")},
		"fiatCurrencies":   {strings.Join(fiats, ",")},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pricesURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("worldcoin: building request: %w", err)
	}

	var body struct {
		Result struct {
			Prices map[string]map[string]Price `json:"prices"`
		} `json:"result"`
	}
	status, err := c.do(req, "world_app_prices", &body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || body.Result.Prices == nil {
		return nil, fmt.Errorf("%w: price lookup status %d", ErrUnavailable, status)
	}
	return body.Result.Prices, nil
}

// Proof is an Incognito Action proof produced by IDKit / MiniKit.
type Proof struct {
	NullifierHash     string `json:"nullifier_hash"`
	MerkleRoot        string `json:"merkle_root"`
	Proof             string `json:"proof"`
	VerificationLevel string `json:"verification_level"`
	Action            string `json:"action"`
	Signal            string `json:"signal,omitempty"`
}

// VerifyProof checks a World ID proof with the developer portal.
// Returns nil on success, ErrProofRejected (wrapped with the portal's code) on refusal.
// A 429 from the portal is ErrUnavailable.
func (c *Client) VerifyProof(ctx context.Context, p Proof) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("worldcoin: encoding proof: %w", err)
	}
	endpoint := fmt.Sprintf("%s/api/v2/verify/%s", portalBaseURL, url.PathEscape(c.appID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("worldcoin: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
		Detail  string `json:"detail"`
	}
	status, err := c.do(req, "world_id_verify", &result)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: verify rate limited", ErrUnavailable)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: %s", ErrProofRejected, result.Code)
	default:
		return fmt.Errorf("%w: verify status %d", ErrUnavailable, status)
	}
}

// do waits on the limiter, sends req, and decodes a JSON body into out when there is one.
// Returns the HTTP status. Transport and decode failures wrap ErrUnavailable.
func (c *Client) do(req *http.Request, service string, out any) (int, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveExternal(service, start, err)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// Error pages are often HTML; only a 2xx must decode.
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return 0, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
		}
	}
	return resp.StatusCode, nil
}
