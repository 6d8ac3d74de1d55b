package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	MinConfirmationDepth = 1
	MaxBasisPoints       = 10000

	FamilyBitcoin = "bitcoin"
	FamilyEVM     = "evm"
	FamilySolana  = "solana"

	envPrefix = "OAE"
)

type Config struct {
	Database Database       `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Chains   []ChainConfig  `mapstructure:"chains"`
	Signer   SignerConfig   `mapstructure:"signer"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Security SecurityConfig `mapstructure:"security"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Api      ApiConfig      `mapstructure:"api"`
	Sentry   SentryConfig   `mapstructure:"sentry"`
}

type Database struct {
	// Dsn takes precedence over the discrete fields when set.
	Dsn      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`

	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
}

type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

type ChainConfig struct {
	Name     string `mapstructure:"name"`
	Family   string `mapstructure:"family"`
	Network  string `mapstructure:"network"`
	Endpoint string `mapstructure:"endpoint"`

	PollInterval     time.Duration `mapstructure:"pollInterval"`
	NotifyThreshold  uint64        `mapstructure:"notifyThreshold"`
	OutboundFinality uint64        `mapstructure:"outboundFinality"`
	ReorgDepth       uint64        `mapstructure:"reorgDepth"`
	OrphanThreshold  uint64        `mapstructure:"orphanThreshold"`
	DustFloor        string        `mapstructure:"dustFloor"`

	Concurrency int     `mapstructure:"concurrency"`
	RateLimit   float64 `mapstructure:"rateLimit"`
	RateBurst   int     `mapstructure:"rateBurst"`

	SignerHandle   string `mapstructure:"signerHandle"`
	BatchBroadcast bool   `mapstructure:"batchBroadcast"`

	// evm only
	TokenContract string `mapstructure:"tokenContract"`
	TokenDecimals int32  `mapstructure:"tokenDecimals"`
}

type SignerConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type NotifyConfig struct {
	Webhook      string        `mapstructure:"webhook"`
	AdminChannel string        `mapstructure:"adminChannel"`
	MaxRetries   uint          `mapstructure:"maxRetries"`
	Interval     time.Duration `mapstructure:"interval"`
}

type SecurityConfig struct {
	MaxAttempts   int           `mapstructure:"maxAttempts"`
	LockoutWindow time.Duration `mapstructure:"lockoutWindow"`
	MinPinLength  int           `mapstructure:"minPinLength"`
	MaxPinLength  int           `mapstructure:"maxPinLength"`

	Argon2Time    uint32 `mapstructure:"argon2Time"`
	Argon2Memory  uint32 `mapstructure:"argon2Memory"`
	Argon2Threads uint8  `mapstructure:"argon2Threads"`
}

type WorkersConfig struct {
	SettlementInterval time.Duration `mapstructure:"settlementInterval"`
	PayoutInterval     time.Duration `mapstructure:"payoutInterval"`
	ReconcileInterval  time.Duration `mapstructure:"reconcileInterval"`
	AttemptTimeout     time.Duration `mapstructure:"attemptTimeout"`
	OperationBudget    time.Duration `mapstructure:"operationBudget"`
	BroadcastGrace     time.Duration `mapstructure:"broadcastGrace"`
	MaxPayoutRetries   int           `mapstructure:"maxPayoutRetries"`
	BatchSize          int           `mapstructure:"batchSize"`
}

type ApiConfig struct {
	Listen string `mapstructure:"listen"`
}

type SentryConfig struct {
	Dsn         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

func (cfg *Database) Validate() error {
	if cfg.Dsn != "" {
		return nil
	}
	if cfg.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if cfg.DBName == "" {
		return fmt.Errorf("database dbname cannot be empty")
	}
	return nil
}

func (cfg *ChainConfig) Validate() error {
	if cfg.Name == "" {
		return fmt.Errorf("chain name cannot be empty")
	}
	switch cfg.Family {
	case FamilyBitcoin, FamilyEVM, FamilySolana:
	default:
		return fmt.Errorf("chain %s: unknown family %q", cfg.Name, cfg.Family)
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("chain %s: endpoint cannot be empty", cfg.Name)
	}
	if cfg.NotifyThreshold < MinConfirmationDepth {
		return fmt.Errorf("chain %s: notifyThreshold must be at least %d", cfg.Name, MinConfirmationDepth)
	}
	if cfg.OutboundFinality < MinConfirmationDepth {
		return fmt.Errorf("chain %s: outboundFinality must be at least %d", cfg.Name, MinConfirmationDepth)
	}
	if _, err := decimal.NewFromString(cfg.DustFloor); err != nil {
		return fmt.Errorf("chain %s: invalid dustFloor %q: %v", cfg.Name, cfg.DustFloor, err)
	}
	if cfg.Family == FamilyEVM && cfg.TokenContract == "" {
		return fmt.Errorf("chain %s: tokenContract cannot be empty for evm chains", cfg.Name)
	}
	return nil
}

func (cfg *SecurityConfig) Validate() error {
	if cfg.MaxAttempts <= 0 {
		return fmt.Errorf("security maxAttempts must be positive")
	}
	if cfg.MinPinLength > cfg.MaxPinLength {
		return fmt.Errorf("security minPinLength cannot exceed maxPinLength")
	}
	return nil
}

func (cfg *Config) Validate() error {
	cfg.fillDefaultValueIfNotSet()
	if err := cfg.Database.Validate(); err != nil {
		return err
	}
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Chains))
	for i := range cfg.Chains {
		if err := cfg.Chains[i].Validate(); err != nil {
			return err
		}
		if _, ok := seen[cfg.Chains[i].Name]; ok {
			return fmt.Errorf("chain %s configured twice", cfg.Chains[i].Name)
		}
		seen[cfg.Chains[i].Name] = struct{}{}
	}
	if err := cfg.Security.Validate(); err != nil {
		return err
	}

	return nil
}

func (cfg *Config) fillDefaultValueIfNotSet() {
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 3306
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "auto"
	}
	for i := range cfg.Chains {
		cfg.Chains[i].fillDefaultValueIfNotSet()
	}
	if cfg.Signer.Timeout == 0 {
		cfg.Signer.Timeout = 10 * time.Second
	}
	if cfg.Notify.MaxRetries == 0 {
		cfg.Notify.MaxRetries = 5
	}
	if cfg.Notify.Interval == 0 {
		cfg.Notify.Interval = 5 * time.Second
	}
	if cfg.Security.MaxAttempts == 0 {
		cfg.Security.MaxAttempts = 5
	}
	if cfg.Security.LockoutWindow == 0 {
		cfg.Security.LockoutWindow = 15 * time.Minute
	}
	if cfg.Security.MinPinLength == 0 {
		cfg.Security.MinPinLength = 4
	}
	if cfg.Security.MaxPinLength == 0 {
		cfg.Security.MaxPinLength = 12
	}
	if cfg.Security.Argon2Time == 0 {
		cfg.Security.Argon2Time = 3
	}
	if cfg.Security.Argon2Memory == 0 {
		cfg.Security.Argon2Memory = 64 * 1024
	}
	if cfg.Security.Argon2Threads == 0 {
		cfg.Security.Argon2Threads = 2
	}
	if cfg.Workers.SettlementInterval == 0 {
		cfg.Workers.SettlementInterval = 5 * time.Second
	}
	if cfg.Workers.PayoutInterval == 0 {
		cfg.Workers.PayoutInterval = 5 * time.Second
	}
	if cfg.Workers.ReconcileInterval == 0 {
		cfg.Workers.ReconcileInterval = 30 * time.Second
	}
	if cfg.Workers.AttemptTimeout == 0 {
		cfg.Workers.AttemptTimeout = 10 * time.Second
	}
	if cfg.Workers.OperationBudget == 0 {
		cfg.Workers.OperationBudget = 60 * time.Second
	}
	if cfg.Workers.BroadcastGrace == 0 {
		cfg.Workers.BroadcastGrace = cfg.Workers.OperationBudget
	}
	if cfg.Workers.MaxPayoutRetries == 0 {
		cfg.Workers.MaxPayoutRetries = 3
	}
	if cfg.Workers.BatchSize == 0 {
		cfg.Workers.BatchSize = 50
	}
	if cfg.Api.Listen == "" {
		cfg.Api.Listen = "127.0.0.1:8088"
	}
}

func (cfg *ChainConfig) fillDefaultValueIfNotSet() {
	if cfg.Network == "" {
		cfg.Network = "mainnet"
	}
	if cfg.PollInterval == 0 {
		if cfg.Family == FamilyBitcoin {
			cfg.PollInterval = 30 * time.Second
		} else {
			cfg.PollInterval = 15 * time.Second
		}
	}
	if cfg.NotifyThreshold == 0 {
		if cfg.Family == FamilyBitcoin {
			cfg.NotifyThreshold = 3
		} else {
			cfg.NotifyThreshold = 1
		}
	}
	if cfg.OutboundFinality == 0 {
		cfg.OutboundFinality = cfg.NotifyThreshold
	}
	if cfg.ReorgDepth == 0 {
		cfg.ReorgDepth = cfg.NotifyThreshold
	}
	if cfg.OrphanThreshold == 0 {
		cfg.OrphanThreshold = 1
	}
	if cfg.DustFloor == "" {
		switch cfg.Family {
		case FamilyBitcoin:
			cfg.DustFloor = "0.00000546"
		default:
			cfg.DustFloor = "0"
		}
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = cfg.Concurrency
	}
	if cfg.Family == FamilyEVM && cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 6
	}
}

// DustFloorDecimal returns the parsed dust floor; Validate guarantees it parses.
func (cfg *ChainConfig) DustFloorDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(cfg.DustFloor)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (cfg *Config) Chain(name string) (*ChainConfig, bool) {
	for i := range cfg.Chains {
		if cfg.Chains[i].Name == name {
			return &cfg.Chains[i], true
		}
	}
	return nil, false
}

func (cfg *Config) CreateLogger(debug bool) (*zap.Logger, error) {
	if cfg.Log.Level == "debug" {
		debug = true
	}
	return NewRootLogger(cfg.Log.Format, debug)
}

// NewConfig returns a fully parsed Config object from a given file directory.
// A .env file next to the working directory is loaded first, and OAE_* environment
// variables override file values.
func NewConfig(configFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	if _, err := os.Stat(configFile); err == nil { // the given file exists, parse it
		v := viper.New()
		v.SetConfigFile(configFile)
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		v.AutomaticEnv()
		bindEnvKeys(v)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return Config{}, err
		}
		if err := cfg.Validate(); err != nil {
			return Config{}, err
		}
		return cfg, err
	} else if errors.Is(err, os.ErrNotExist) { // the given config file does not exist, return error
		return Config{}, fmt.Errorf("no config file found at %s", configFile)
	} else { // other errors
		return Config{}, err
	}
}

// bindEnvKeys makes AutomaticEnv see keys that may be absent from the file.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"database.dsn", "database.host", "database.port", "database.username",
		"database.password", "database.dbname",
		"signer.endpoint", "notify.webhook", "notify.adminChannel",
		"log.level", "log.format", "sentry.dsn", "api.listen",
	} {
		_ = v.BindEnv(key)
	}
}
