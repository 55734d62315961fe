package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Wallet provider modes
const (
	WalletModeClef  = "clef"
	WalletModeKeyed = "keyed"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Wallet   WalletConfig
	Worker   WorkerConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int
	AllowedOrigins []string
}

// DatabaseConfig holds the intent store location
type DatabaseConfig struct {
	URL string // postgres://... or sqlite://path or a bare sqlite path
}

// ChainConfig describes the single EVM network the service targets
type ChainConfig struct {
	ChainID                  uint64
	Name                     string
	CurrencyName             string
	CurrencySymbol           string
	CurrencyDecimals         int
	RPCEndpoint              string
	ExplorerURL              string
	SchedulerContractAddress string
	ConfirmationTimeout      time.Duration
	ReceiptPollInterval      time.Duration
}

// WalletConfig holds wallet session settings
type WalletConfig struct {
	Mode              string // "clef" or "keyed"
	ClefEndpoint      string
	PrivateKey        string // keyed mode only
	IntentKey         string
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	ErrorQuietPeriod  time.Duration
}

// WorkerConfig holds background refresh settings
type WorkerConfig struct {
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration
}

// Configuration keys; env vars are the upper-cased keys with "." replaced by "_"
const (
	KeyServerPort             = "server.port"
	KeyServerAllowedOrigins   = "server.allowed_origins"
	KeyDatabaseURL            = "database.url"
	KeyChainID                = "chain.id"
	KeyChainName              = "chain.name"
	KeyChainCurrencyName      = "chain.currency_name"
	KeyChainCurrencySymbol    = "chain.currency_symbol"
	KeyChainCurrencyDecimals  = "chain.currency_decimals"
	KeyChainRPCEndpoint       = "chain.rpc_endpoint"
	KeyChainExplorerURL       = "chain.explorer_url"
	KeyChainSchedulerAddress  = "chain.scheduler_address"
	KeyChainConfirmTimeout    = "chain.confirmation_timeout"
	KeyChainReceiptPoll       = "chain.receipt_poll_interval"
	KeyWalletMode             = "wallet.mode"
	KeyWalletClefEndpoint     = "wallet.clef_endpoint"
	KeyWalletPrivateKey       = "wallet.private_key"
	KeyWalletIntentKey        = "wallet.intent_key"
	KeyWalletConnectTimeout   = "wallet.connect_timeout"
	KeyWalletDisconnectTimout = "wallet.disconnect_timeout"
	KeyWalletErrorQuietPeriod = "wallet.error_quiet_period"
	KeyWorkerRefreshInterval  = "worker.refresh_interval"
	KeyWorkerRefreshTimeout   = "worker.refresh_timeout"
)

// NewViper returns a viper instance with defaults and environment binding
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyServerPort, 8080)
	v.SetDefault(KeyServerAllowedOrigins, "*")
	v.SetDefault(KeyDatabaseURL, "sqlite://data/autopay.db")

	// EVM on Flow Testnet
	v.SetDefault(KeyChainID, 545)
	v.SetDefault(KeyChainName, "EVM on Flow Testnet")
	v.SetDefault(KeyChainCurrencyName, "FLOW")
	v.SetDefault(KeyChainCurrencySymbol, "FLOW")
	v.SetDefault(KeyChainCurrencyDecimals, 18)
	v.SetDefault(KeyChainRPCEndpoint, "https://testnet.evm.nodes.onflow.org")
	v.SetDefault(KeyChainExplorerURL, "https://evm-testnet.flowscan.io")
	v.SetDefault(KeyChainSchedulerAddress, "")
	v.SetDefault(KeyChainConfirmTimeout, 5*time.Minute)
	v.SetDefault(KeyChainReceiptPoll, 2*time.Second)

	v.SetDefault(KeyWalletMode, WalletModeClef)
	v.SetDefault(KeyWalletClefEndpoint, "http://localhost:8550")
	v.SetDefault(KeyWalletPrivateKey, "")
	v.SetDefault(KeyWalletIntentKey, "walletConnected")
	v.SetDefault(KeyWalletConnectTimeout, 30*time.Second)
	v.SetDefault(KeyWalletDisconnectTimout, 10*time.Second)
	v.SetDefault(KeyWalletErrorQuietPeriod, 5*time.Second)

	v.SetDefault(KeyWorkerRefreshInterval, 30*time.Second)
	v.SetDefault(KeyWorkerRefreshTimeout, 15*time.Second)

	return v
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	return Load(NewViper())
}

// Load builds a Config from an already populated viper instance
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetInt(KeyServerPort),
			AllowedOrigins: splitAndTrim(v.GetString(KeyServerAllowedOrigins), ","),
		},
		Database: DatabaseConfig{
			URL: strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		},
		Chain: ChainConfig{
			ChainID:                  v.GetUint64(KeyChainID),
			Name:                     v.GetString(KeyChainName),
			CurrencyName:             v.GetString(KeyChainCurrencyName),
			CurrencySymbol:           v.GetString(KeyChainCurrencySymbol),
			CurrencyDecimals:         v.GetInt(KeyChainCurrencyDecimals),
			RPCEndpoint:              strings.TrimSpace(v.GetString(KeyChainRPCEndpoint)),
			ExplorerURL:              strings.TrimSpace(v.GetString(KeyChainExplorerURL)),
			SchedulerContractAddress: strings.TrimSpace(v.GetString(KeyChainSchedulerAddress)),
			ConfirmationTimeout:      v.GetDuration(KeyChainConfirmTimeout),
			ReceiptPollInterval:      v.GetDuration(KeyChainReceiptPoll),
		},
		Wallet: WalletConfig{
			Mode:              strings.ToLower(strings.TrimSpace(v.GetString(KeyWalletMode))),
			ClefEndpoint:      strings.TrimSpace(v.GetString(KeyWalletClefEndpoint)),
			PrivateKey:        strings.TrimSpace(v.GetString(KeyWalletPrivateKey)),
			IntentKey:         strings.TrimSpace(v.GetString(KeyWalletIntentKey)),
			ConnectTimeout:    v.GetDuration(KeyWalletConnectTimeout),
			DisconnectTimeout: v.GetDuration(KeyWalletDisconnectTimout),
			ErrorQuietPeriod:  v.GetDuration(KeyWalletErrorQuietPeriod),
		},
		Worker: WorkerConfig{
			RefreshInterval: v.GetDuration(KeyWorkerRefreshInterval),
			RefreshTimeout:  v.GetDuration(KeyWorkerRefreshTimeout),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}

	if c.Chain.ChainID == 0 {
		return fmt.Errorf("chain id is required")
	}
	if c.Chain.RPCEndpoint == "" {
		return fmt.Errorf("chain rpc endpoint is required")
	}
	if c.Chain.CurrencyDecimals != 18 {
		return fmt.Errorf("native currency must have 18 decimals, got %d", c.Chain.CurrencyDecimals)
	}
	if !common.IsHexAddress(c.Chain.SchedulerContractAddress) {
		return fmt.Errorf("invalid scheduler contract address: %q", c.Chain.SchedulerContractAddress)
	}
	if c.Chain.ConfirmationTimeout <= 0 || c.Chain.ReceiptPollInterval <= 0 {
		return fmt.Errorf("confirmation timeout and receipt poll interval must be positive")
	}

	switch c.Wallet.Mode {
	case WalletModeClef:
		if c.Wallet.ClefEndpoint == "" {
			return fmt.Errorf("clef endpoint is required in clef mode")
		}
	case WalletModeKeyed:
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("wallet private key is required in keyed mode")
		}
	default:
		return fmt.Errorf("unknown wallet mode: %q", c.Wallet.Mode)
	}
	if c.Wallet.IntentKey == "" {
		return fmt.Errorf("wallet intent key is required")
	}
	if c.Wallet.ConnectTimeout <= 0 || c.Wallet.DisconnectTimeout <= 0 || c.Wallet.ErrorQuietPeriod <= 0 {
		return fmt.Errorf("wallet timeouts must be positive")
	}

	if c.Worker.RefreshInterval <= 0 || c.Worker.RefreshTimeout <= 0 {
		return fmt.Errorf("worker refresh interval and timeout must be positive")
	}

	return nil
}

// splitAndTrim splits a separated string and drops empty parts
func splitAndTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
