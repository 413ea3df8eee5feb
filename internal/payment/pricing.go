// pricing.go -- supported tokens and credit price quotes.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/MGallo-Code/persona/internal/worldcoin"
)

var (
	// ErrUnsupportedToken is returned for tokens outside the supported set.
	ErrUnsupportedToken = errors.New("unsupported token")

	// ErrPriceUnavailable means the price oracle could not produce a quote. Transient.
	ErrPriceUnavailable = errors.New("price unavailable")
)

// Token is a payment currency.
type Token struct {
	Symbol    string // our name, e.g. "USDC.e"
	APISymbol string // price API name, e.g. "USDCE"
	Decimals  int32
}

// BaseToken is the token credits are priced in.
const BaseToken = "WLD"

var supportedTokens = map[string]Token{
	"WLD":    {Symbol: "WLD", APISymbol: "WLD", Decimals: 18},
	"USDC.e": {Symbol: "USDC.e", APISymbol: "USDCE", Decimals: 6},
}

// LookupToken returns the token for symbol.
func LookupToken(symbol string) (Token, bool) {
	t, ok := supportedTokens[symbol]
	return t, ok
}

// SupportedTokens returns the accepted token symbols, sorted.
func SupportedTokens() []string {
	out := make([]string, 0, len(supportedTokens))
	for s := range supportedTokens {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// PriceOracle quotes crypto prices in fiat. Satisfied by *worldcoin.Client.
type PriceOracle interface {
	Prices(ctx context.Context, cryptos, fiats []string) (map[string]map[string]worldcoin.Price, error)
}

// Quote is the price of a credit purchase in one token.
type Quote struct {
	Amount decimal.Decimal // human units, rounded to the token's decimals
	Raw    *big.Int        // smallest units
}

// Pricer converts credits to token amounts. Credits cost a fixed amount of the
// base token; other tokens are converted at the oracle's USD rates.
type Pricer struct {
	oracle        PriceOracle
	basePerCredit decimal.Decimal
	lookups       singleflight.Group
}

// NewPricer returns a Pricer charging basePerCredit WLD per credit.
func NewPricer(oracle PriceOracle, basePerCredit decimal.Decimal) *Pricer {
	return &Pricer{oracle: oracle, basePerCredit: basePerCredit}
}

// Quote prices credits in tok. Amounts round half-to-even at the token's precision.
func (p *Pricer) Quote(ctx context.Context, credits int64, tok Token) (Quote, error) {
	base := p.basePerCredit.Mul(decimal.NewFromInt(credits))
	if tok.Symbol == BaseToken {
		return newQuote(base, tok), nil
	}

	baseUSD, tokUSD, err := p.usdRates(ctx, tok)
	if err != nil {
		return Quote{}, err
	}
	// amount = base * (base/USD) / (token/USD)
	amount := base.Mul(baseUSD).DivRound(tokUSD, tok.Decimals+8)
	return newQuote(amount, tok), nil
}

func newQuote(amount decimal.Decimal, tok Token) Quote {
	rounded := amount.RoundBank(tok.Decimals)
	return Quote{Amount: rounded, Raw: rounded.Shift(tok.Decimals).BigInt()}
}

// usdRates fetches base and token USD prices. Concurrent lookups for the same
// token share one oracle call.
func (p *Pricer) usdRates(ctx context.Context, tok Token) (decimal.Decimal, decimal.Decimal, error) {
	base, _ := LookupToken(BaseToken)
	v, err := shared(ctx, &p.lookups, tok.APISymbol, func(ctx context.Context) (any, error) {
		return p.oracle.Prices(ctx, []string{base.APISymbol, tok.APISymbol}, []string{"USD"})
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	prices := v.(map[string]map[string]worldcoin.Price)

	baseUSD, err := usd(prices, base)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	tokUSD, err := usd(prices, tok)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return baseUSD, tokUSD, nil
}

// usd extracts a positive USD price, accepting either symbol spelling.
func usd(prices map[string]map[string]worldcoin.Price, tok Token) (decimal.Decimal, error) {
	byFiat, ok := prices[tok.APISymbol]
	if !ok {
		byFiat, ok = prices[tok.Symbol]
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no quote for %s", ErrPriceUnavailable, tok.Symbol)
	}
	q, ok := byFiat["USD"]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no USD quote for %s", ErrPriceUnavailable, tok.Symbol)
	}
	v, err := q.Value()
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive quote for %s", ErrPriceUnavailable, tok.Symbol)
	}
	return v, nil
}
