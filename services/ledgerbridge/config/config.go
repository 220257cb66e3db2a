package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the file is decoded.
const (
	EnvDatabaseURL = "LEDGERBRIDGE_DB_URL"
	EnvRPCURL      = "LEDGERBRIDGE_RPC_URL"
	EnvJWTSecret   = "LEDGERBRIDGE_JWT_SECRET"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the bridge daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DatabaseURL   string          `yaml:"database_url"`
	JournalPath   string          `yaml:"journal_path"`
	Environment   string          `yaml:"environment"`
	Chain         ChainConfig     `yaml:"chain"`
	Reconcile     ReconcileConfig `yaml:"reconcile"`
	Auth          AuthConfig      `yaml:"auth"`
	Accounts      []AccountConfig `yaml:"accounts"`
	Log           LogConfig       `yaml:"log"`
}

// ChainConfig describes the target ledger and contract.
type ChainConfig struct {
	RPCURL          string   `yaml:"rpc_url"`
	ChainID         string   `yaml:"chain_id"`
	ContractAddress string   `yaml:"contract_address"`
	ABIPath         string   `yaml:"abi_path"`
	SubmitTimeout   Duration `yaml:"submit_timeout"`
	PollInterval    Duration `yaml:"poll_interval"`
	CallTimeout     Duration `yaml:"call_timeout"`
}

// ReconcileConfig tunes local ledger reconciliation and replay.
type ReconcileConfig struct {
	TransferPolicy string   `yaml:"transfer_policy"`
	SweepInterval  Duration `yaml:"sweep_interval"`
	AbandonAfter   Duration `yaml:"abandon_after"`
}

// AuthConfig configures bearer token verification and submit throttling.
type AuthConfig struct {
	JWTSecret     string  `yaml:"jwt_secret"`
	JWTSecretEnv  string  `yaml:"jwt_secret_env"`
	JWTSecretFile string  `yaml:"jwt_secret_file"`
	Issuer        string  `yaml:"issuer"`
	SubmitRate    float64 `yaml:"submit_rate"`
	SubmitBurst   int     `yaml:"submit_burst"`
}

// AccountConfig binds a username to a keystore file.
type AccountConfig struct {
	Username       string `yaml:"username"`
	Keystore       string `yaml:"keystore"`
	PassphraseEnv  string `yaml:"passphrase_env"`
	PassphraseFile string `yaml:"passphrase_file"`
}

// LogConfig controls the optional rotating log file.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDatabase resolves only the database URL. Offline tooling uses it so
// seeding users works without chain or auth settings.
func LoadDatabase(path string) (string, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return "", err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return cfg.DatabaseURL, nil
}

func decodeFile(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseURL)); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRPCURL)); v != "" {
		cfg.Chain.RPCURL = v
	}
	if cfg.Auth.JWTSecretEnv == "" {
		cfg.Auth.JWTSecretEnv = EnvJWTSecret
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "file:ledgerbridge.db?_pragma=busy_timeout(5000)"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "ledgerbridge.journal"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Chain.SubmitTimeout.Duration == 0 {
		cfg.Chain.SubmitTimeout.Duration = 30 * time.Second
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 500 * time.Millisecond
	}
	if cfg.Chain.CallTimeout.Duration == 0 {
		cfg.Chain.CallTimeout.Duration = 10 * time.Second
	}
	if cfg.Reconcile.TransferPolicy == "" {
		cfg.Reconcile.TransferPolicy = "move"
	}
	if cfg.Reconcile.SweepInterval.Duration == 0 {
		cfg.Reconcile.SweepInterval.Duration = 30 * time.Second
	}
	if cfg.Reconcile.AbandonAfter.Duration == 0 {
		cfg.Reconcile.AbandonAfter.Duration = time.Hour
	}
	if cfg.Auth.SubmitRate <= 0 {
		cfg.Auth.SubmitRate = 2
	}
	if cfg.Auth.SubmitBurst <= 0 {
		cfg.Auth.SubmitBurst = 4
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain.rpc_url must be configured")
	}
	if !common.IsHexAddress(strings.TrimSpace(cfg.Chain.ContractAddress)) {
		return fmt.Errorf("chain.contract_address must be a hex address")
	}
	if strings.TrimSpace(cfg.Chain.ABIPath) == "" {
		return fmt.Errorf("chain.abi_path must be configured")
	}
	if _, err := cfg.Chain.ParsedChainID(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Reconcile.TransferPolicy)) {
	case "move", "append":
	default:
		return fmt.Errorf("reconcile.transfer_policy must be move or append")
	}
	seen := make(map[string]struct{}, len(cfg.Accounts))
	for i, acct := range cfg.Accounts {
		name := norm.NFC.String(strings.TrimSpace(acct.Username))
		if name == "" {
			return fmt.Errorf("accounts[%d].username must be configured", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("accounts[%d]: duplicate username %q", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(acct.Keystore) == "" {
			return fmt.Errorf("accounts[%d].keystore must be configured", i)
		}
	}
	return nil
}

// ParsedChainID returns the configured chain id, or nil to query the node.
func (c ChainConfig) ParsedChainID() (*big.Int, error) {
	raw := strings.TrimSpace(c.ChainID)
	if raw == "" {
		return nil, nil
	}
	id, ok := new(big.Int).SetString(raw, 0)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("chain.chain_id %q invalid", c.ChainID)
	}
	return id, nil
}

func (a *AuthConfig) normalise() error {
	secret := strings.TrimSpace(a.JWTSecret)
	if secret == "" && a.JWTSecretEnv != "" {
		secret = strings.TrimSpace(os.Getenv(a.JWTSecretEnv))
	}
	if path := strings.TrimSpace(a.JWTSecretFile); secret == "" && path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read jwt_secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
	}
	if secret == "" {
		return fmt.Errorf("jwt secret is required (jwt_secret, %s or jwt_secret_file)", a.JWTSecretEnv)
	}
	a.JWTSecret = secret
	return nil
}

// Passphrase resolves the keystore passphrase for the account.
func (a AccountConfig) Passphrase() (string, error) {
	if env := strings.TrimSpace(a.PassphraseEnv); env != "" {
		value, ok := os.LookupEnv(env)
		if !ok {
			return "", fmt.Errorf("passphrase env %s is not set", env)
		}
		return value, nil
	}
	if path := strings.TrimSpace(a.PassphraseFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read passphrase_file: %w", err)
		}
		return strings.TrimRight(string(contents), "\r\n"), nil
	}
	return "", fmt.Errorf("account %s has no passphrase source", a.Username)
}
