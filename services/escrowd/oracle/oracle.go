// Package oracle converts fiat bid amounts into the chain's native token.
// Quoting never fails: any feed problem resolves to a configured fallback
// rate, because a price-feed outage must not block the job-funding flow.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
)

var weiMultiplier = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// DefaultFallbackRate is the fiat-per-token rate used when the feed is
// unavailable.
const DefaultFallbackRate = 200

// Source resolves a fiat-per-token rate for a currency pair.
type Source interface {
	Name() string
	Rate(ctx context.Context, token, fiat string) (*big.Rat, error)
}

// Quote is the result of a single conversion. Quotes are used once per
// deployment and never cached across bids.
type Quote struct {
	Wei      *big.Int
	Rate     *big.Rat
	Source   string
	Fallback bool
}

// Quoter converts a fiat amount to wei using a source with a fixed fallback.
type Quoter struct {
	source   Source
	token    string
	fiat     string
	fallback *big.Rat
	log      *slog.Logger
}

// NewQuoter constructs a quoter. A nil source means every quote uses the
// fallback rate. A non-positive fallback resets to the default.
func NewQuoter(source Source, token, fiat string, fallback *big.Rat, log *slog.Logger) *Quoter {
	if fallback == nil || fallback.Sign() <= 0 {
		fallback = big.NewRat(DefaultFallbackRate, 1)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Quoter{
		source:   source,
		token:    strings.ToUpper(strings.TrimSpace(token)),
		fiat:     strings.ToUpper(strings.TrimSpace(fiat)),
		fallback: new(big.Rat).Set(fallback),
		log:      log,
	}
}

// QuoteFiat converts amountFiat (a positive decimal string) into wei, rounded
// down at the smallest unit so escrow is never over-funded. The only error is
// a malformed or non-positive amount; feed failures fall back.
func (q *Quoter) QuoteFiat(ctx context.Context, amountFiat string) (*Quote, error) {
	amount, ok := new(big.Rat).SetString(strings.TrimSpace(amountFiat))
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: invalid fiat amount %q", amountFiat)
	}

	rate := new(big.Rat).Set(q.fallback)
	name := "fallback"
	fallback := true
	if q.source != nil {
		fetched, err := q.source.Rate(ctx, q.token, q.fiat)
		switch {
		case err != nil:
			q.log.Warn("price feed unavailable, using fallback rate",
				"source", q.source.Name(), "fallback", q.fallback.FloatString(6), "error", err)
		case fetched == nil || fetched.Sign() <= 0:
			q.log.Warn("price feed returned invalid rate, using fallback rate",
				"source", q.source.Name(), "fallback", q.fallback.FloatString(6))
		default:
			rate = fetched
			name = q.source.Name()
			fallback = false
		}
	}

	tokens := new(big.Rat).Quo(amount, rate)
	wei := new(big.Rat).Mul(tokens, new(big.Rat).SetInt(weiMultiplier))
	floored := new(big.Int).Quo(wei.Num(), wei.Denom())
	if floored.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: amount %s converts to zero wei", amountFiat)
	}
	return &Quote{Wei: floored, Rate: rate, Source: name, Fallback: fallback}, nil
}
