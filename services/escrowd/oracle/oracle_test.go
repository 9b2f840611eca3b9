package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubSource struct {
	rate *big.Rat
	err  error
}

func (s stubSource) Name() string { return "stub" }

func (s stubSource) Rate(context.Context, string, string) (*big.Rat, error) {
	return s.rate, s.err
}

func TestQuoteFiatUsesSourceRate(t *testing.T) {
	q := NewQuoter(stubSource{rate: big.NewRat(100, 1)}, "POL", "LKR", nil, nil)
	quote, err := q.QuoteFiat(context.Background(), "250")
	require.NoError(t, err)
	require.False(t, quote.Fallback)
	require.Equal(t, "stub", quote.Source)
	// 250 / 100 = 2.5 tokens = 2.5e18 wei
	expected, _ := new(big.Int).SetString("2500000000000000000", 10)
	require.Zero(t, quote.Wei.Cmp(expected))
}

func TestQuoteFiatNeverFailsOnFeedOutage(t *testing.T) {
	// Fallback rate 200: 10,000 fiat => 50 tokens.
	for _, src := range []Source{
		stubSource{err: errors.New("connection refused")},
		stubSource{rate: big.NewRat(0, 1)},
		stubSource{rate: nil},
		nil,
	} {
		q := NewQuoter(src, "POL", "LKR", big.NewRat(200, 1), nil)
		quote, err := q.QuoteFiat(context.Background(), "10000")
		require.NoError(t, err)
		require.True(t, quote.Fallback)
		expected, _ := new(big.Int).SetString("50000000000000000000", 10)
		require.Zerof(t, quote.Wei.Cmp(expected), "wei = %s", quote.Wei)
	}
}

func TestQuoteFiatRoundsDown(t *testing.T) {
	// 1 fiat at 3 fiat/token = 0.333... tokens; wei must floor, never round up.
	q := NewQuoter(stubSource{rate: big.NewRat(3, 1)}, "POL", "LKR", nil, nil)
	quote, err := q.QuoteFiat(context.Background(), "1")
	require.NoError(t, err)
	expected, _ := new(big.Int).SetString("333333333333333333", 10)
	require.Zero(t, quote.Wei.Cmp(expected))
}

func TestQuoteFiatRejectsInvalidAmounts(t *testing.T) {
	q := NewQuoter(nil, "POL", "LKR", nil, nil)
	for _, amount := range []string{"", "0", "-1", "ten"} {
		_, err := q.QuoteFiat(context.Background(), amount)
		require.Error(t, err, amount)
	}
}

func TestCoinGeckoSourceParsesRate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "matic-network", r.URL.Query().Get("ids"))
		require.Equal(t, "lkr", r.URL.Query().Get("vs_currencies"))
		fmt.Fprint(w, `{"matic-network":{"lkr":215.37}}`)
	}))
	defer server.Close()

	src := NewCoinGeckoSource(server.URL, time.Second)
	got, err := src.Rate(context.Background(), "POL", "LKR")
	require.NoError(t, err)
	require.Zero(t, got.Cmp(big.NewRat(21537, 100)))
}

func TestCoinGeckoSourceErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	src := NewCoinGeckoSource(server.URL, time.Second)
	_, err := src.Rate(context.Background(), "POL", "LKR")
	require.Error(t, err)

	_, err = src.Rate(context.Background(), "DOGE", "LKR")
	require.Error(t, err)
}
