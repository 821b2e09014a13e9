package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the settlement node configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// ChainConfig identifies the local ledger, its escrow accounts, and the RPC
// endpoint the node transacts through
type ChainConfig struct {
	Domain         uint32            `mapstructure:"domain"`
	RPCURL         string            `mapstructure:"rpc_url"`
	ChainID        int64             `mapstructure:"chain_id"`
	PrivateKey     string            `mapstructure:"private_key"`
	GasLimit       uint64            `mapstructure:"gas_limit"`
	AssetAddress   string            `mapstructure:"asset_address"`
	ReceiptAddress string            `mapstructure:"receipt_address"`
	EscrowAddress  string            `mapstructure:"escrow_address"`
	BridgeCaller   string            `mapstructure:"bridge_caller"`
	Peers          map[string]string `mapstructure:"peers"`
	// Vaults on this ledger, bound over RPC and activated at startup.
	Vaults []string `mapstructure:"vaults"`
	// RemoteVaults maps a peer domain to the vault addresses deposits may
	// target there. Registered without a handle; the peer samples prices.
	RemoteVaults map[string][]string `mapstructure:"remote_vaults"`
}

// BridgeConfig contains bridge transport settings
type BridgeConfig struct {
	PerMessageLimit   string        `mapstructure:"per_message_limit"`
	RateLimit         string        `mapstructure:"rate_limit"`
	RateWindow        time.Duration `mapstructure:"rate_window"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	AttestationSecret string        `mapstructure:"attestation_secret"`
}

// SettlementConfig contains settlement engine settings
type SettlementConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	MaxDeviationBps int64         `mapstructure:"max_deviation_bps"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// ShutdownConfig contains graceful shutdown settings
type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.database", "settlement")

	// Chain defaults
	viper.SetDefault("chain.gas_limit", 300000)

	// Bridge defaults
	viper.SetDefault("bridge.per_message_limit", "1000000000000")
	viper.SetDefault("bridge.rate_limit", "10000000000000")
	viper.SetDefault("bridge.rate_window", "1h")
	viper.SetDefault("bridge.poll_interval", "5s")

	// Settlement defaults
	viper.SetDefault("settlement.timeout", "24h")
	viper.SetDefault("settlement.sweep_interval", "5m")
	viper.SetDefault("settlement.max_deviation_bps", 1000)

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_port", 9090)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "stdout")

	// Shutdown defaults
	viper.SetDefault("shutdown.timeout", "30s")
}

func validate(config *Config) error {
	if config.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if config.Chain.AssetAddress == "" {
		return fmt.Errorf("chain.asset_address is required")
	}
	if config.Chain.EscrowAddress == "" {
		return fmt.Errorf("chain.escrow_address is required")
	}
	if len(config.Chain.Vaults) == 0 && len(config.Chain.RemoteVaults) == 0 {
		return fmt.Errorf("chain.vaults or chain.remote_vaults must name at least one vault")
	}
	if config.Settlement.Timeout <= 0 {
		return fmt.Errorf("settlement.timeout must be positive")
	}
	if config.Settlement.MaxDeviationBps <= 0 || config.Settlement.MaxDeviationBps > 10000 {
		return fmt.Errorf("settlement.max_deviation_bps must be in (0, 10000]")
	}
	return nil
}
