// Package config loads the service configuration from a YAML file, an
// optional .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"escrowhub/internal/chain"
	"escrowhub/internal/gateway"
)

// Network describes one deployment target of the escrow contract.
type Network struct {
	Name     string `yaml:"name"`
	RPCURL   string `yaml:"rpcUrl"`
	Decimals int    `yaml:"decimals"`
	Symbol   string `yaml:"symbol"`
	// Contract is the escrow contract address on this network.
	Contract string `yaml:"contract"`
	// BlockGasLimit bounds every gas limit; zero means chain.DefaultBlockGasLimit.
	BlockGasLimit uint64 `yaml:"blockGasLimit"`
	// Gas overrides the top-level gas table for this network.
	Gas gateway.GasLimits `yaml:"gas"`
}

// AppConfig ties together the network table and derived values.
type AppConfig struct {
	Network       string              `yaml:"network"`
	Networks      map[string]Network  `yaml:"networks"`
	Gas           gateway.GasLimits   `yaml:"gas"`
	Service       ServiceConfig       `yaml:"service"`
	Chain         ChainConfig         `yaml:"chain"`
	Wallet        WalletConfig        `yaml:"wallet"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Auth          AuthConfig          `yaml:"auth"`
	Log           LogConfig           `yaml:"log"`
}

type ServiceConfig struct {
	HTTPPort          int           `yaml:"httpPort"`
	FinalityWait      time.Duration `yaml:"finalityWait"`
	IdempotencyWindow time.Duration `yaml:"idempotencyWindow"`
	ListConcurrency   int           `yaml:"listConcurrency"`
	// IdempotencyDSN selects the Postgres idempotency store; empty keeps it in memory.
	IdempotencyDSN string `yaml:"idempotencyDsn"`
}

type ChainConfig struct {
	// Fake runs against the in-process contract emulator.
	Fake            bool   `yaml:"fake"`
	FinalityDepth   uint64 `yaml:"finalityDepth"`
	DropAfterBlocks uint64 `yaml:"dropAfterBlocks"`
}

type WalletConfig struct {
	KeystoreDir string `yaml:"keystoreDir"`
	// PassphraseEnv names the environment variable holding the keystore passphrase.
	PassphraseEnv string   `yaml:"passphraseEnv"`
	PrivateKeys   []string `yaml:"privateKeys"`
	// TestAccounts are signed by the mock signer and never reach a wallet.
	TestAccounts []string `yaml:"testAccounts"`
}

type NotificationsConfig struct {
	PostgresDSN     string        `yaml:"postgresDsn"`
	QueueSize       int           `yaml:"queueSize"`
	DeliveryTimeout time.Duration `yaml:"deliveryTimeout"`
}

type AuthConfig struct {
	ClockSkew time.Duration `yaml:"clockSkew"`
	// Insecure trusts the caller header without a signature.
	Insecure bool `yaml:"insecure"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	defaultConfigPath = "config.yaml"
	defaultNetwork    = "aleph-zero-testnet"
)

// DefaultNetworks is the built-in network table. Contract addresses are
// deployment specific and must come from configuration.
func DefaultNetworks() map[string]Network {
	return map[string]Network{
		"aleph-zero-testnet": {Name: "aleph-zero-testnet", RPCURL: "https://rpc.alephzero-testnet.gelato.digital", Decimals: 12, Symbol: "TZERO"},
		"westend-asset-hub":  {Name: "westend-asset-hub", RPCURL: "https://westend-asset-hub-eth-rpc.polkadot.io", Decimals: 12, Symbol: "WND"},
		"polkadot-asset-hub": {Name: "polkadot-asset-hub", RPCURL: "https://asset-hub-eth-rpc.polkadot.io", Decimals: 10, Symbol: "DOT"},
	}
}

// Default returns the configuration used when no file is present.
func Default() *AppConfig {
	return &AppConfig{
		Network:  defaultNetwork,
		Networks: DefaultNetworks(),
		Gas:      gateway.DefaultGasLimits(),
		Service: ServiceConfig{
			HTTPPort:          3000,
			FinalityWait:      30 * time.Second,
			IdempotencyWindow: 24 * time.Hour,
			ListConcurrency:   8,
		},
		Chain: ChainConfig{FinalityDepth: 2, DropAfterBlocks: 8},
		Wallet: WalletConfig{
			PassphraseEnv: "ESCROWHUB_KEYSTORE_PASSPHRASE",
		},
		Notifications: NotificationsConfig{QueueSize: 256, DeliveryTimeout: 5 * time.Second},
		Auth:          AuthConfig{ClockSkew: 60 * time.Second},
		Log:           LogConfig{Level: "info", Format: "text"},
	}
}

// Load aggregates configuration from disk and environment and validates it.
func Load() (*AppConfig, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that adjust the result first.
// A missing file at the default path is not an error; a missing explicit
// CONFIG_PATH is.
func Read() (*AppConfig, error) {
	envFile := envOr("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	cfg, err := LoadFile(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !explicit:
		cfg = Default()
	default:
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// LoadFile reads path over the defaults. Networks declared in the file are
// merged into the built-in table field by field.
func LoadFile(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*AppConfig, error) {
	cfg := Default()
	builtin := cfg.Networks
	cfg.Networks = nil
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	merged := builtin
	for name, n := range cfg.Networks {
		base := merged[name]
		base.Name = name
		if n.RPCURL != "" {
			base.RPCURL = n.RPCURL
		}
		if n.Decimals != 0 {
			base.Decimals = n.Decimals
		}
		if n.Symbol != "" {
			base.Symbol = n.Symbol
		}
		if n.Contract != "" {
			base.Contract = n.Contract
		}
		if n.BlockGasLimit != 0 {
			base.BlockGasLimit = n.BlockGasLimit
		}
		base.Gas = n.Gas.Or(base.Gas)
		merged[name] = base
	}
	cfg.Networks = merged
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	cfg.Network = envOr("ESCROWHUB_NETWORK", cfg.Network)
	if net, ok := cfg.Networks[cfg.Network]; ok {
		net.RPCURL = envOr("CHAIN_RPC_URL", net.RPCURL)
		net.Contract = envOr("ESCROW_CONTRACT_ADDRESS", net.Contract)
		cfg.Networks[cfg.Network] = net
	}

	cfg.Service.HTTPPort = envOrInt("API_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.FinalityWait = envOrDuration("FINALITY_WAIT", cfg.Service.FinalityWait)
	cfg.Service.IdempotencyDSN = envOr("IDEMPOTENCY_DSN", cfg.Service.IdempotencyDSN)
	cfg.Auth.ClockSkew = time.Duration(envOrInt("AUTH_CLOCK_SKEW_SECONDS", int(cfg.Auth.ClockSkew/time.Second))) * time.Second
	cfg.Notifications.PostgresDSN = envOr("NOTIFICATIONS_DSN", cfg.Notifications.PostgresDSN)
	cfg.Wallet.KeystoreDir = envOr("KEYSTORE_DIR", cfg.Wallet.KeystoreDir)
	if key := envOr("CHAIN_PRIVATE_KEY", ""); key != "" {
		cfg.Wallet.PrivateKeys = append(cfg.Wallet.PrivateKeys, key)
	}
	cfg.Chain.Fake = envOrBool("CHAIN_FAKE", cfg.Chain.Fake)
	cfg.Log.Level = envOr("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("LOG_FORMAT", cfg.Log.Format)
}

// Validate checks the active network can be used.
func (c *AppConfig) Validate() error {
	net, ok := c.Networks[c.Network]
	if !ok {
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if net.Decimals <= 0 {
		return fmt.Errorf("network %q: decimals must be positive", c.Network)
	}
	if err := c.GasLimits().Validate(c.BlockGasLimit()); err != nil {
		return fmt.Errorf("network %q: %w", c.Network, err)
	}
	if c.Chain.Fake {
		return nil
	}
	if net.RPCURL == "" {
		return fmt.Errorf("network %q: rpcUrl is required", c.Network)
	}
	if net.Contract == "" {
		return fmt.Errorf("network %q: contract address is required", c.Network)
	}
	return nil
}

// ActiveNetwork returns the selected network entry.
func (c *AppConfig) ActiveNetwork() Network {
	return c.Networks[c.Network]
}

// GasLimits resolves the active network's table over the top-level one and
// the built-in defaults.
func (c *AppConfig) GasLimits() gateway.GasLimits {
	return c.ActiveNetwork().Gas.Or(c.Gas).Or(gateway.DefaultGasLimits())
}

func (c *AppConfig) BlockGasLimit() uint64 {
	if n := c.ActiveNetwork().BlockGasLimit; n > 0 {
		return n
	}
	return chain.DefaultBlockGasLimit
}

// Passphrase reads the keystore passphrase from the configured variable.
func (c *AppConfig) Passphrase() string {
	if c.Wallet.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(c.Wallet.PassphraseEnv)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	switch strings.ToLower(envOr(key, "")) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return fallback
}
