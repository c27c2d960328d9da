// Package config loads relayer and client settings from an optional YAML file
// overlaid with CBAL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/custody"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

const (
	TargetLocalnet = "localnet"
	TargetDevnet   = "devnet"
	TargetMainnet  = "mainnet"

	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"

	// ComputeBudgetProgram is always allowed next to the confidential program.
	ComputeBudgetProgram = "ComputeBudget111111111111111111111111111111"
)

type Config struct {
	Env        string
	Target     string
	RPCURL     string
	WSURL      string
	Commitment rpc.CommitmentType

	ProgramID        string
	ClusterPublicKey string
	AllowedPrograms  []string

	Key      custody.Source
	Registry RegistryConfig
	API      APIConfig

	MetricsEnabled      bool
	MetricsAddr         string
	ConfirmTimeout      time.Duration
	FinalizationTimeout time.Duration
	EventBacklog        int
	LogLevel            string

	// RelayerURL points the client CLI at a running daemon.
	RelayerURL string
}

type RegistryConfig struct {
	Store      string
	Path       string
	Passphrase string
	CacheSize  int
	CacheTTL   time.Duration
}

type APIConfig struct {
	Addr           string
	AllowedOrigins []string
	AdminToken     string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
}

// FileConfig is the YAML shape. Zero values leave defaults untouched.
type FileConfig struct {
	Env        string         `yaml:"env"`
	Target     string         `yaml:"target"`
	RPCURL     string         `yaml:"rpcUrl"`
	WSURL      string         `yaml:"wsUrl"`
	Commitment string         `yaml:"commitment"`
	Program    FileProgram    `yaml:"program"`
	Relayer    FileRelayer    `yaml:"relayer"`
	Registry   FileRegistry   `yaml:"registry"`
	API        FileAPI        `yaml:"api"`
	Timeouts   FileTimeouts   `yaml:"timeouts"`
	Metrics    FileMetrics    `yaml:"metrics"`
	Logging    FileLogging    `yaml:"logging"`
	Client     FileClientConf `yaml:"client"`
}

type FileProgram struct {
	ID               string   `yaml:"id"`
	ClusterPublicKey string   `yaml:"clusterPublicKey"`
	AllowedPrograms  []string `yaml:"allowedPrograms"`
}

type FileRelayer struct {
	KeyFile string `yaml:"keyFile"`
}

type FileRegistry struct {
	Store     string        `yaml:"store"`
	Path      string        `yaml:"path"`
	CacheSize int           `yaml:"cacheSize"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`
}

type FileAPI struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	RateLimitRPS   float64  `yaml:"rateLimitRPS"`
	RateLimitBurst int      `yaml:"rateLimitBurst"`
	MaxBodyBytes   int64    `yaml:"maxBodyBytes"`
}

type FileTimeouts struct {
	Confirm      time.Duration `yaml:"confirm"`
	Finalization time.Duration `yaml:"finalization"`
}

type FileMetrics struct {
	Enabled *bool  `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Backlog int    `yaml:"eventBacklog"`
}

type FileLogging struct {
	Level string `yaml:"level"`
}

type FileClientConf struct {
	RelayerURL string `yaml:"relayerUrl"`
}

func Default() Config {
	return Config{
		Env:        "production",
		Target:     TargetLocalnet,
		Commitment: rpc.CommitmentConfirmed,
		Registry: RegistryConfig{
			Store:     StoreFile,
			Path:      "data/relayers.json",
			CacheSize: 256,
			CacheTTL:  5 * time.Minute,
		},
		API: APIConfig{
			Addr:           "127.0.0.1:8788",
			RateLimitRPS:   5,
			RateLimitBurst: 10,
			MaxBodyBytes:   64 << 10,
		},
		MetricsEnabled:      true,
		MetricsAddr:         "127.0.0.1:9788",
		ConfirmTimeout:      90 * time.Second,
		FinalizationTimeout: 2 * time.Minute,
		EventBacklog:        512,
		LogLevel:            "info",
		RelayerURL:          "http://127.0.0.1:8788",
	}
}

// LoadFromPath reads configPath, or the first default location that exists,
// merges it over Default and applies environment overrides. An explicit path
// that cannot be read or parsed is an error.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{"configs/relayer.yaml", "relayer.yaml"}
	if strings.TrimSpace(configPath) != "" {
		candidates = []string{configPath}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, &contracts.ConfigurationError{Field: "config", Err: err}
			}
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, &contracts.ConfigurationError{Field: "config", Err: fmt.Errorf("%s: %w", path, err)}
		}
		Merge(&cfg, parsed)
		break
	}
	ApplyEnvOverrides(&cfg)
	ApplyTargetDefaults(&cfg)
	return cfg, nil
}

func Merge(dst *Config, src FileConfig) {
	if src.Env != "" {
		dst.Env = src.Env
	}
	if src.Target != "" {
		dst.Target = src.Target
	}
	if src.RPCURL != "" {
		dst.RPCURL = src.RPCURL
	}
	if src.WSURL != "" {
		dst.WSURL = src.WSURL
	}
	if src.Commitment != "" {
		dst.Commitment = rpc.CommitmentType(src.Commitment)
	}
	if src.Program.ID != "" {
		dst.ProgramID = src.Program.ID
	}
	if src.Program.ClusterPublicKey != "" {
		dst.ClusterPublicKey = src.Program.ClusterPublicKey
	}
	if src.Program.AllowedPrograms != nil {
		dst.AllowedPrograms = src.Program.AllowedPrograms
	}
	if src.Relayer.KeyFile != "" {
		dst.Key.KeyFile = src.Relayer.KeyFile
	}
	if src.Registry.Store != "" {
		dst.Registry.Store = src.Registry.Store
	}
	if src.Registry.Path != "" {
		dst.Registry.Path = src.Registry.Path
	}
	if src.Registry.CacheSize != 0 {
		dst.Registry.CacheSize = src.Registry.CacheSize
	}
	if src.Registry.CacheTTL != 0 {
		dst.Registry.CacheTTL = src.Registry.CacheTTL
	}
	if src.API.Addr != "" {
		dst.API.Addr = src.API.Addr
	}
	if src.API.AllowedOrigins != nil {
		dst.API.AllowedOrigins = src.API.AllowedOrigins
	}
	if src.API.RateLimitRPS != 0 {
		dst.API.RateLimitRPS = src.API.RateLimitRPS
	}
	if src.API.RateLimitBurst != 0 {
		dst.API.RateLimitBurst = src.API.RateLimitBurst
	}
	if src.API.MaxBodyBytes != 0 {
		dst.API.MaxBodyBytes = src.API.MaxBodyBytes
	}
	if src.Timeouts.Confirm != 0 {
		dst.ConfirmTimeout = src.Timeouts.Confirm
	}
	if src.Timeouts.Finalization != 0 {
		dst.FinalizationTimeout = src.Timeouts.Finalization
	}
	if src.Metrics.Enabled != nil {
		dst.MetricsEnabled = *src.Metrics.Enabled
	}
	if src.Metrics.Addr != "" {
		dst.MetricsAddr = src.Metrics.Addr
	}
	if src.Metrics.Backlog != 0 {
		dst.EventBacklog = src.Metrics.Backlog
	}
	if src.Logging.Level != "" {
		dst.LogLevel = src.Logging.Level
	}
	if src.Client.RelayerURL != "" {
		dst.RelayerURL = src.Client.RelayerURL
	}
}

// ApplyEnvOverrides overlays CBAL_* variables. Secrets are only read from the
// environment, never from the YAML file.
func ApplyEnvOverrides(cfg *Config) {
	if v := envString("CBAL_ENV"); v != "" {
		cfg.Env = v
	}
	if v := envString("CBAL_TARGET"); v != "" {
		cfg.Target = v
	}
	if v := envString("CBAL_RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := envString("CBAL_WS_URL"); v != "" {
		cfg.WSURL = v
	}
	if v := envString("CBAL_COMMITMENT"); v != "" {
		cfg.Commitment = rpc.CommitmentType(v)
	}
	if v := envString("CBAL_PROGRAM_ID"); v != "" {
		cfg.ProgramID = v
	}
	if v := envString("CBAL_CLUSTER_PUBLIC_KEY"); v != "" {
		cfg.ClusterPublicKey = v
	}
	if v := envCSV("CBAL_ALLOWED_PROGRAMS"); v != nil {
		cfg.AllowedPrograms = v
	}

	cfg.Key.PrivateKey = envString("CBAL_RELAYER_PRIVATE_KEY")
	cfg.Key.Mnemonic = envString("CBAL_RELAYER_MNEMONIC")
	if v := envString("CBAL_RELAYER_KEY_FILE"); v != "" {
		cfg.Key.KeyFile = v
	}
	cfg.Key.Passphrase = os.Getenv("CBAL_RELAYER_KEY_PASSPHRASE")

	if v := envString("CBAL_REGISTRY_STORE"); v != "" {
		cfg.Registry.Store = strings.ToLower(v)
	}
	if v := envString("CBAL_REGISTRY_PATH"); v != "" {
		cfg.Registry.Path = v
	}
	cfg.Registry.Passphrase = os.Getenv("CBAL_REGISTRY_PASSPHRASE")
	cfg.Registry.CacheSize = envBoundedIntWithFallback("CBAL_REGISTRY_CACHE_SIZE", cfg.Registry.CacheSize, 1, 1<<16)

	if v := envString("CBAL_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := envCSV("CBAL_ALLOWED_ORIGINS"); v != nil {
		cfg.API.AllowedOrigins = v
	}
	cfg.API.AdminToken = envString("CBAL_ADMIN_TOKEN")
	cfg.API.RateLimitRPS = envFloatWithFallback("CBAL_RATE_LIMIT_RPS", cfg.API.RateLimitRPS)
	cfg.API.RateLimitBurst = envBoundedIntWithFallback("CBAL_RATE_LIMIT_BURST", cfg.API.RateLimitBurst, 1, 10_000)

	cfg.MetricsEnabled = envBoolWithFallback("CBAL_METRICS_ENABLED", cfg.MetricsEnabled)
	if v := envString("CBAL_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	cfg.ConfirmTimeout = envDurationWithFallback("CBAL_CONFIRM_TIMEOUT", cfg.ConfirmTimeout)
	cfg.FinalizationTimeout = envDurationWithFallback("CBAL_FINALIZATION_TIMEOUT", cfg.FinalizationTimeout)
	if v := envString("CBAL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := envString("CBAL_RELAYER_URL"); v != "" {
		cfg.RelayerURL = v
	}
	cfg.Key.AllowPlainFile = IsNonProd(cfg.Env)
}

// ApplyTargetDefaults fills endpoints the operator left empty from the deployment target.
func ApplyTargetDefaults(cfg *Config) {
	var cluster rpc.Cluster
	switch strings.ToLower(strings.TrimSpace(cfg.Target)) {
	case TargetDevnet:
		cluster = rpc.DevNet
	case TargetMainnet:
		cluster = rpc.MainNetBeta
	default:
		cluster = rpc.LocalNet
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = cluster.RPC
	}
	if cfg.WSURL == "" {
		cfg.WSURL = cluster.WS
	}
}

// IsNonProd reports whether env names a test or development deployment.
func IsNonProd(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "test", "dev", "development", "local":
		return true
	default:
		return false
	}
}

// RequireAdminToken reports whether relayer setup must be guarded.
func (c Config) RequireAdminToken() bool {
	return !IsNonProd(c.Env)
}

func (c Config) Program() (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(strings.TrimSpace(c.ProgramID))
	if err != nil {
		return solana.PublicKey{}, &contracts.ConfigurationError{Field: "program id", Err: err}
	}
	return key, nil
}

// ClusterKey decodes the MPC cluster's X25519 public key.
func (c Config) ClusterKey() ([32]byte, error) {
	key, err := solana.PublicKeyFromBase58(strings.TrimSpace(c.ClusterPublicKey))
	if err != nil {
		return [32]byte{}, &contracts.ConfigurationError{Field: "cluster public key", Err: err}
	}
	return [32]byte(key), nil
}

// Policy returns the programs a forwarded envelope may invoke.
func (c Config) Policy() ([]solana.PublicKey, error) {
	program, err := c.Program()
	if err != nil {
		return nil, err
	}
	out := []solana.PublicKey{program, solana.MustPublicKeyFromBase58(ComputeBudgetProgram)}
	for _, raw := range c.AllowedPrograms {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return nil, &contracts.ConfigurationError{Field: "allowed programs", Err: fmt.Errorf("%q: %w", raw, err)}
		}
		out = append(out, key)
	}
	return out, nil
}

// Validate checks the settings the relayer daemon cannot start without.
func (c Config) Validate() error {
	if _, err := c.Program(); err != nil {
		return err
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	switch c.Commitment {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
	default:
		return &contracts.ConfigurationError{Field: "commitment", Err: fmt.Errorf("unsupported commitment %q", c.Commitment)}
	}
	switch c.Registry.Store {
	case StoreMemory:
	case StoreFile, StoreSQLite:
		if strings.TrimSpace(c.Registry.Path) == "" {
			return &contracts.ConfigurationError{Field: "registry path", Err: errors.New("required for durable stores")}
		}
	default:
		return &contracts.ConfigurationError{Field: "registry store", Err: fmt.Errorf("unknown store %q", c.Registry.Store)}
	}
	if c.Registry.Store == StoreMemory && !IsNonProd(c.Env) {
		return &contracts.ConfigurationError{Field: "registry store", Err: errors.New("memory store is only allowed outside production")}
	}
	if c.RequireAdminToken() && c.API.AdminToken == "" {
		return &contracts.ConfigurationError{Field: "CBAL_ADMIN_TOKEN", Err: errors.New("required outside test/development/local")}
	}
	if c.ConfirmTimeout <= 0 || c.FinalizationTimeout <= 0 {
		return &contracts.ConfigurationError{Field: "timeouts", Err: errors.New("must be positive")}
	}
	return nil
}
