package main

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the escrow lifecycle service. A
// TOML file provides the base values and ESCROWD_* environment variables
// override individual fields, so the same image runs in local and deployed
// modes.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	DatabaseDriver string `toml:"DatabaseDriver"`
	DatabaseDSN    string `toml:"DatabaseDSN"`

	// NodeMode selects "rpc" against a real node or "local" for an
	// in-process chain used in development.
	NodeMode      string `toml:"NodeMode"`
	NodeURL       string `toml:"NodeURL"`
	NodeAuthToken string `toml:"NodeAuthToken"`
	WalletAddress string `toml:"WalletAddress"`

	TokenSymbol    string `toml:"TokenSymbol"`
	FiatCurrency   string `toml:"FiatCurrency"`
	FallbackRate   string `toml:"FallbackRate"`
	OracleBaseURL  string `toml:"OracleBaseURL"`
	OracleTimeout  string `toml:"OracleTimeout"`
	GasEstimateWei string `toml:"GasEstimateWei"`
}

func defaultConfig() Config {
	return Config{
		ListenAddress:  ":8421",
		Environment:    "dev",
		DatabaseDriver: "sqlite",
		DatabaseDSN:    "escrowd.db",
		NodeMode:       "local",
		TokenSymbol:    "POL",
		FiatCurrency:   "LKR",
		FallbackRate:   "200",
		OracleTimeout:  "10s",
	}
}

// LoadConfig reads the optional TOML file at path and applies environment
// overrides. An empty path skips the file entirely.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"ESCROWD_LISTEN":          &cfg.ListenAddress,
		"ESCROWD_ENV":             &cfg.Environment,
		"ESCROWD_DB_DRIVER":       &cfg.DatabaseDriver,
		"ESCROWD_DB_DSN":          &cfg.DatabaseDSN,
		"ESCROWD_NODE_MODE":       &cfg.NodeMode,
		"ESCROWD_NODE_URL":        &cfg.NodeURL,
		"ESCROWD_NODE_TOKEN":      &cfg.NodeAuthToken,
		"ESCROWD_WALLET_ADDRESS":  &cfg.WalletAddress,
		"ESCROWD_TOKEN_SYMBOL":    &cfg.TokenSymbol,
		"ESCROWD_FIAT_CURRENCY":   &cfg.FiatCurrency,
		"ESCROWD_FALLBACK_RATE":   &cfg.FallbackRate,
		"ESCROWD_ORACLE_URL":      &cfg.OracleBaseURL,
		"ESCROWD_ORACLE_TIMEOUT":  &cfg.OracleTimeout,
		"ESCROWD_GAS_ESTIMATE":    &cfg.GasEstimateWei,
	}
	for key, target := range overrides {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*target = value
		}
	}
}

func (c Config) validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
	switch c.NodeMode {
	case "local":
	case "rpc":
		if strings.TrimSpace(c.NodeURL) == "" {
			return errors.New("NodeURL is required in rpc mode")
		}
		if strings.TrimSpace(c.WalletAddress) == "" {
			return errors.New("WalletAddress is required in rpc mode")
		}
	default:
		return fmt.Errorf("unsupported node mode %q", c.NodeMode)
	}
	if _, err := c.fallbackRate(); err != nil {
		return err
	}
	if _, err := c.oracleTimeout(); err != nil {
		return err
	}
	if _, err := c.gasEstimate(); err != nil {
		return err
	}
	return nil
}

func (c Config) fallbackRate() (*big.Rat, error) {
	trimmed := strings.TrimSpace(c.FallbackRate)
	if trimmed == "" {
		return nil, nil
	}
	rate, ok := new(big.Rat).SetString(trimmed)
	if !ok || rate.Sign() <= 0 {
		return nil, fmt.Errorf("FallbackRate must be a positive decimal, got %q", c.FallbackRate)
	}
	return rate, nil
}

func (c Config) oracleTimeout() (time.Duration, error) {
	trimmed := strings.TrimSpace(c.OracleTimeout)
	if trimmed == "" {
		return 10 * time.Second, nil
	}
	dur, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse OracleTimeout: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("OracleTimeout must be positive")
	}
	return dur, nil
}

func (c Config) gasEstimate() (*big.Int, error) {
	trimmed := strings.TrimSpace(c.GasEstimateWei)
	if trimmed == "" {
		return nil, nil
	}
	gas, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || gas.Sign() < 0 {
		return nil, fmt.Errorf("GasEstimateWei must be a non-negative integer, got %q", c.GasEstimateWei)
	}
	return gas, nil
}
