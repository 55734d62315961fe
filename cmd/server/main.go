package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"autopay/internal/api"
	"autopay/internal/config"
	"autopay/internal/database"
	"autopay/internal/gateway"
	"autopay/internal/session"
	"autopay/internal/wallet"
	"autopay/internal/worker"
)

const version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:          "autopayd",
		Short:        "Autopay offchain service: wallet session and payment scheduler gateway",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(v)
		},
	}

	flags := rootCmd.Flags()
	flags.Int("port", 8080, "HTTP listen port")
	flags.String("database-url", "", "intent store location (postgres://, sqlite:// or a file path)")
	flags.String("wallet-mode", "", "wallet provider: clef or keyed")
	flags.String("scheduler-address", "", "payment scheduler contract address")
	flags.String("rpc-endpoint", "", "chain JSON-RPC endpoint")

	bindings := map[string]string{
		config.KeyServerPort:            "port",
		config.KeyDatabaseURL:           "database-url",
		config.KeyWalletMode:            "wallet-mode",
		config.KeyChainSchedulerAddress: "scheduler-address",
		config.KeyChainRPCEndpoint:      "rpc-endpoint",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			log.Fatalf("Failed to bind flag %s: %v", flag, err)
		}
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the service version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return rootCmd
}

func run(v *viper.Viper) error {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting Autopay Offchain Service", zap.String("version", version))

	// Load .env if present; real environment variables take precedence
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found")
	}

	// Load configuration
	cfg, err := config.Load(v)
	if err != nil {
		logger.Error("Failed to load configuration", zap.Error(err))
		return err
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.Uint64("chain_id", cfg.Chain.ChainID),
		zap.String("wallet_mode", cfg.Wallet.Mode),
		zap.String("scheduler", cfg.Chain.SchedulerContractAddress))

	// Connect to database; migrations run on connect
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := database.Connect(ctx, cfg.Database.URL)
	cancel()
	if err != nil {
		logger.Error("Failed to connect to database", zap.Error(err))
		return err
	}
	defer db.Close()

	logger.Info("Database connected successfully", zap.String("driver", db.Driver()))

	// Wallet session
	sessionCfg := session.Config{
		RequiredChainID:   cfg.Chain.ChainID,
		IntentKey:         cfg.Wallet.IntentKey,
		ConnectTimeout:    cfg.Wallet.ConnectTimeout,
		DisconnectTimeout: cfg.Wallet.DisconnectTimeout,
		ErrorQuietPeriod:  cfg.Wallet.ErrorQuietPeriod,
	}
	sessions, err := session.NewManager(walletFactory(cfg, logger), db, sessionCfg, logger)
	if err != nil {
		logger.Error("Failed to create session manager", zap.Error(err))
		return err
	}
	defer sessions.Close()

	// Contract gateway
	ledger, err := gateway.New(sessions, gateway.DialEthereum, gateway.Config{
		Chain: wallet.ChainParams{
			ChainID:        cfg.Chain.ChainID,
			Name:           cfg.Chain.Name,
			CurrencyName:   cfg.Chain.CurrencyName,
			CurrencySymbol: cfg.Chain.CurrencySymbol,
			RPCURL:         cfg.Chain.RPCEndpoint,
			ExplorerURL:    cfg.Chain.ExplorerURL,
		},
		SchedulerAddress:    common.HexToAddress(cfg.Chain.SchedulerContractAddress),
		ConfirmationTimeout: cfg.Chain.ConfirmationTimeout,
		ReceiptPollInterval: cfg.Chain.ReceiptPollInterval,
	}, logger, gateway.WithOperationLogger(gateway.NewZapOperationLogger(logger)))
	if err != nil {
		logger.Error("Failed to create ledger gateway", zap.Error(err))
		return err
	}

	logger.Info("Services initialized")

	// Initialize workers
	workerManager := worker.NewWorkerManager(sessions, ledger, cfg.Worker, logger)

	// Initialize API handlers
	apiHandler := api.NewHandler(sessions, ledger, workerManager, workerManager.Refresher(), cfg.Server.AllowedOrigins, logger.Named("api"))
	router := api.SetupRouter(apiHandler, logger.Named("http"))

	// Create HTTP server. WriteTimeout stays unset: mutating calls block until
	// the receipt is terminal and the event stream is long-lived.
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	// Start workers
	workerManager.Start()
	logger.Info("Workers started")

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	var serveErr error
	select {
	case err := <-serverErrors:
		logger.Error("HTTP server error", zap.Error(err))
		serveErr = err
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown workers first
	if err := workerManager.Shutdown(10 * time.Second); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	logger.Info("Service stopped successfully")
	return serveErr
}

// walletFactory selects the wallet provider for the configured mode
func walletFactory(cfg *config.Config, logger *zap.Logger) wallet.Factory {
	if cfg.Wallet.Mode == config.WalletModeKeyed {
		return wallet.NewKeyedFactory(cfg.Wallet.PrivateKey, cfg.Chain.ChainID, logger)
	}
	return wallet.NewClefFactory(cfg.Wallet.ClefEndpoint, logger)
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
