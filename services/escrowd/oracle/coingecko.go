package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultCoinGeckoURL = "https://api.coingecko.com/api/v3/simple/price"

// coin ids for the token symbols the service quotes.
var coinGeckoIDs = map[string]string{
	"POL":   "matic-network",
	"MATIC": "matic-network",
	"ETH":   "ethereum",
}

// CoinGeckoSource fetches fiat-per-token rates from the CoinGecko simple
// price endpoint. Requests use a bounded timeout and a client-side rate
// limiter so a slow feed cannot pile up outbound calls.
type CoinGeckoSource struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewCoinGeckoSource constructs a source. An empty baseURL selects the public
// API; timeout bounds each request.
func NewCoinGeckoSource(baseURL string, timeout time.Duration) *CoinGeckoSource {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultCoinGeckoURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CoinGeckoSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Name implements Source.
func (s *CoinGeckoSource) Name() string { return "coingecko" }

// Rate implements Source, returning the fiat-per-token rate.
func (s *CoinGeckoSource) Rate(ctx context.Context, token, fiat string) (*big.Rat, error) {
	coinID, ok := coinGeckoIDs[strings.ToUpper(strings.TrimSpace(token))]
	if !ok {
		return nil, fmt.Errorf("coingecko: unsupported token %q", token)
	}
	vsCurrency := strings.ToLower(strings.TrimSpace(fiat))
	if vsCurrency == "" {
		return nil, fmt.Errorf("coingecko: fiat currency required")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("ids", coinID)
	query.Set("vs_currencies", vsCurrency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko: status %d", resp.StatusCode)
	}

	var payload map[string]map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("coingecko: decode response: %w", err)
	}
	raw, ok := payload[coinID][vsCurrency]
	if !ok {
		return nil, fmt.Errorf("coingecko: missing %s/%s in response", coinID, vsCurrency)
	}
	parsed, ok := new(big.Rat).SetString(raw.String())
	if !ok || parsed.Sign() <= 0 {
		return nil, fmt.Errorf("coingecko: invalid rate %q", raw.String())
	}
	return parsed, nil
}
