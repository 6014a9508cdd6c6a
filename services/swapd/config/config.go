package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"htlcswap/core/hashlock"
	"htlcswap/core/principal"
	"htlcswap/native/coordinator"
	"htlcswap/observability/logging"
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
	raw := value.Value
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

// Chain kinds.
const (
	KindEVM    = "evm"
	KindLedger = "ledger"
)

// Config captures runtime configuration for swapd.
type Config struct {
	Environment   string          `yaml:"environment"`
	ListenAddress string          `yaml:"listen"`
	GRPCAddress   string          `yaml:"grpc_listen"`
	DatabasePath  string          `yaml:"database"`
	VaultPath     string          `yaml:"vault"`
	AuditDSN      string          `yaml:"audit_dsn"`
	EscrowStore   string          `yaml:"escrow_store"`
	PolicyFile    string          `yaml:"policy_file"`
	Hashlock      string          `yaml:"hashlock"`
	Chains        []ChainConfig   `yaml:"chains"`
	Timelocks     TimelockConfig  `yaml:"timelocks"`
	DepositGrace  Duration        `yaml:"deposit_grace"`
	PollInterval  Duration        `yaml:"poll_interval"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Log           LogConfig       `yaml:"log"`
}

// ChainConfig describes one escrow engine.
type ChainConfig struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Scheme string `yaml:"scheme"`
	// Resolver is the principal swapd acts as on this chain.
	Resolver string `yaml:"resolver"`

	// evm
	RPCURL         string   `yaml:"rpc_url"`
	PrivateKeyEnv  string   `yaml:"private_key_env"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`

	// ledger
	Custody  string                       `yaml:"custody"`
	Tokens   []string                     `yaml:"tokens"`
	Balances map[string]map[string]string `yaml:"balances"`
}

// TimelockConfig mirrors coordinator.Timelocks with YAML durations.
type TimelockConfig struct {
	SrcWithdraw Duration `yaml:"src_withdraw"`
	SrcCancel   Duration `yaml:"src_cancel"`
	DstWithdraw Duration `yaml:"dst_withdraw"`
	DstCancel   Duration `yaml:"dst_cancel"`
	Buffer      Duration `yaml:"buffer"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	HMACSecret    string `yaml:"hmac_secret"`
	HMACSecretEnv string `yaml:"hmac_secret_env"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	// Optional disables authentication entirely. Intended for local runs.
	Optional bool `yaml:"optional"`
}

// RateLimitConfig bounds per-caller request rates.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps"`
	Burst             int     `yaml:"burst"`
}

// LogConfig controls log level and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if env := strings.TrimSpace(os.Getenv("SWAPD_ENV")); env != "" {
		cfg.Environment = env
	}
	if cfg.Auth.HMACSecret == "" && cfg.Auth.HMACSecretEnv != "" {
		cfg.Auth.HMACSecret = os.Getenv(cfg.Auth.HMACSecretEnv)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7074"
	}
	if cfg.GRPCAddress == "" {
		cfg.GRPCAddress = ":7075"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/swapd.sqlite"
	}
	if cfg.VaultPath == "" {
		cfg.VaultPath = "/var/data/swapd-secrets.db"
	}
	if cfg.EscrowStore == "" {
		cfg.EscrowStore = "/var/data/escrows"
	}
	if cfg.DepositGrace.Duration == 0 {
		cfg.DepositGrace.Duration = coordinator.DefaultDepositGrace
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = coordinator.DefaultPollInterval
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.Log.Path != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 30
		}
	}
	for i := range cfg.Chains {
		c := &cfg.Chains[i]
		c.Name = strings.TrimSpace(c.Name)
		c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
		if c.Kind == "" {
			c.Kind = KindLedger
		}
		if c.Scheme == "" && c.Kind == KindEVM {
			c.Scheme = "evm"
		}
		if c.Kind == KindEVM && c.ConfirmTimeout.Duration == 0 {
			c.ConfirmTimeout.Duration = 2 * time.Minute
		}
		if c.Kind == KindLedger && c.Custody == "" {
			c.Custody = "custody-" + c.Name
		}
	}
}

func validate(cfg Config) error {
	if len(cfg.Chains) < 2 {
		return fmt.Errorf("at least two chains must be configured")
	}
	if _, err := hashlock.ParseAlgorithm(cfg.Hashlock); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(cfg.Chains))
	for _, c := range cfg.Chains {
		if c.Name == "" {
			return fmt.Errorf("chain name must be set")
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("duplicate chain %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if _, err := principal.ParseScheme(c.Scheme); err != nil {
			return fmt.Errorf("chain %s: %w", c.Name, err)
		}
		if strings.TrimSpace(c.Resolver) == "" {
			return fmt.Errorf("chain %s: resolver must be set", c.Name)
		}
		switch c.Kind {
		case KindEVM:
			if c.RPCURL == "" {
				return fmt.Errorf("chain %s: rpc_url required for evm chains", c.Name)
			}
			if c.PrivateKeyEnv == "" {
				return fmt.Errorf("chain %s: private_key_env required for evm chains", c.Name)
			}
		case KindLedger:
			if len(c.Tokens) == 0 {
				return fmt.Errorf("chain %s: ledger chains need at least one token", c.Name)
			}
			for tok, owners := range c.Balances {
				for owner, amount := range owners {
					if _, ok := new(big.Int).SetString(amount, 10); !ok {
						return fmt.Errorf("chain %s: invalid balance %q for %s/%s", c.Name, amount, tok, owner)
					}
				}
			}
		default:
			return fmt.Errorf("chain %s: unknown kind %q", c.Name, c.Kind)
		}
	}
	if err := cfg.CoordinatorTimelocks().Validate(); err != nil {
		return err
	}
	if !cfg.Auth.Optional && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured unless auth.optional is set")
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must be positive")
	}
	return nil
}

// CoordinatorTimelocks converts the configured offsets, filling defaults.
func (c Config) CoordinatorTimelocks() coordinator.Timelocks {
	return coordinator.Timelocks{
		SrcWithdraw: c.Timelocks.SrcWithdraw.Duration,
		SrcCancel:   c.Timelocks.SrcCancel.Duration,
		DstWithdraw: c.Timelocks.DstWithdraw.Duration,
		DstCancel:   c.Timelocks.DstCancel.Duration,
		Buffer:      c.Timelocks.Buffer.Duration,
	}.WithDefaults()
}

// Codec returns the configured hashlock codec.
func (c Config) Codec() hashlock.Codec {
	alg, _ := hashlock.ParseAlgorithm(c.Hashlock)
	return hashlock.Codec{Algorithm: alg}
}

// LogOptions translates the log section into logging options.
func (c Config) LogOptions() []logging.Option {
	var opts []logging.Option
	if c.Log.Level != "" {
		opts = append(opts, logging.WithLevel(c.Log.Level))
	}
	if c.Log.Path != "" {
		opts = append(opts, logging.WithFile(logging.FileConfig{
			Path:       c.Log.Path,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		}))
	}
	return opts
}
