package main

import (
	"context"
	"errors"
	"flag"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"freework/observability/logging"
	"freework/services/escrowd/chainrpc"
	"freework/services/escrowd/models"
	"freework/services/escrowd/oracle"
	"freework/services/escrowd/orchestrator"
	"freework/services/escrowd/server"
	"freework/services/escrowd/store"
)

// devWalletAddress funds deployments in local node mode only.
const devWalletAddress = "0x00000000000000000000000000000000000000Ed"

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logging.Setup("escrowd", "").Error("config error", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("escrowd", cfg.Environment)

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("database connection error", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("auto migrate error", "error", err)
		os.Exit(1)
	}
	st := store.New(db)

	node, wallet, err := buildNode(cfg)
	if err != nil {
		logger.Error("node client error", "error", err)
		os.Exit(1)
	}

	oracleTimeout, _ := cfg.oracleTimeout()
	fallback, _ := cfg.fallbackRate()
	gas, _ := cfg.gasEstimate()
	source := oracle.NewCoinGeckoSource(cfg.OracleBaseURL, oracleTimeout)
	quoter := oracle.NewQuoter(source, cfg.TokenSymbol, cfg.FiatCurrency, fallback, logger)

	orc, err := orchestrator.New(orchestrator.Config{
		Store:          st,
		Node:           node,
		Oracle:         quoter,
		WalletAddress:  wallet,
		GasEstimateWei: gas,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("orchestrator init error", "error", err)
		os.Exit(1)
	}

	srv := server.New(server.Config{
		Store:        st,
		Orchestrator: orc,
		Node:         node,
		Logger:       logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting escrowd",
			"listen", cfg.ListenAddress,
			"nodeMode", cfg.NodeMode,
			"wallet", wallet,
			"nodeToken", logging.MaskValue(cfg.NodeAuthToken))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("escrowd stopped")
}

func openDatabase(cfg Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	switch cfg.DatabaseDriver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DatabaseDSN), gormCfg)
	default:
		return gorm.Open(sqlite.Open(cfg.DatabaseDSN), gormCfg)
	}
}

// buildNode returns the node client and the funding wallet address. Local
// mode runs an in-process chain and seeds the dev wallet so the full flow
// works without external services.
func buildNode(cfg Config) (chainrpc.NodeClient, string, error) {
	if cfg.NodeMode == "local" {
		local := chainrpc.NewLocalNode()
		wallet := cfg.WalletAddress
		if wallet == "" {
			wallet = devWalletAddress
		}
		seed, _ := new(big.Int).SetString("1000000000000000000000000", 10)
		if err := local.FundAccount(wallet, seed); err != nil {
			return nil, "", err
		}
		return local, wallet, nil
	}
	return chainrpc.NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken), cfg.WalletAddress, nil
}
