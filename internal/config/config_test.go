package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"confbal/go-backend/internal/contracts"

	"github.com/gagliardetto/solana-go/rpc"
)

const testProgram = "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS"

func boolPtr(v bool) *bool {
	return &v
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayer.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromPathMergesFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
env: development
target: devnet
program:
  id: `+testProgram+`
registry:
  store: sqlite
  path: /tmp/relayers.db
  cacheTTL: 30s
api:
  addr: 0.0.0.0:9000
  allowedOrigins: ["https://wallet.example"]
timeouts:
  finalization: 45s
metrics:
  enabled: false
`)
	t.Setenv("CBAL_API_ADDR", "127.0.0.1:9100")
	t.Setenv("CBAL_RELAYER_MNEMONIC", "  abandon abandon  ")
	t.Setenv("CBAL_ADMIN_TOKEN", " admin ")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Env != "development" || cfg.Target != TargetDevnet {
		t.Fatalf("unexpected env/target: %q %q", cfg.Env, cfg.Target)
	}
	if cfg.RPCURL != rpc.DevNet.RPC || cfg.WSURL != rpc.DevNet.WS {
		t.Fatalf("expected devnet endpoints, got %q %q", cfg.RPCURL, cfg.WSURL)
	}
	if cfg.Registry.Store != StoreSQLite || cfg.Registry.Path != "/tmp/relayers.db" || cfg.Registry.CacheTTL != 30*time.Second {
		t.Fatalf("unexpected registry config: %+v", cfg.Registry)
	}
	if cfg.Registry.CacheSize != 256 {
		t.Fatalf("default cache size must survive merge, got %d", cfg.Registry.CacheSize)
	}
	if cfg.API.Addr != "127.0.0.1:9100" {
		t.Fatalf("env must override file addr, got %q", cfg.API.Addr)
	}
	if len(cfg.API.AllowedOrigins) != 1 || cfg.API.AllowedOrigins[0] != "https://wallet.example" {
		t.Fatalf("unexpected origins: %v", cfg.API.AllowedOrigins)
	}
	if cfg.FinalizationTimeout != 45*time.Second || cfg.ConfirmTimeout != 90*time.Second {
		t.Fatalf("unexpected timeouts: %s %s", cfg.FinalizationTimeout, cfg.ConfirmTimeout)
	}
	if cfg.MetricsEnabled {
		t.Fatal("metrics.enabled=false must disable metrics")
	}
	if cfg.Key.Mnemonic != "abandon abandon" || cfg.API.AdminToken != "admin" {
		t.Fatalf("env secrets must be trimmed: %q %q", cfg.Key.Mnemonic, cfg.API.AdminToken)
	}
	if !cfg.Key.AllowPlainFile {
		t.Fatal("development env should allow a plaintext key file")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadFromPathErrors(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); contracts.Category(err) != contracts.CategoryConfig {
		t.Fatalf("expected config error for missing file, got %v", err)
	}
	path := writeConfig(t, "program: [unterminated")
	if _, err := LoadFromPath(path); contracts.Category(err) != contracts.CategoryConfig {
		t.Fatalf("expected config error for bad yaml, got %v", err)
	}
}

func TestDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CBAL_RPC_URL", "http://rpc.internal:8899")
	cfg, err := LoadFromPath("")
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.RPCURL != "http://rpc.internal:8899" {
		t.Fatalf("explicit rpc url must win, got %q", cfg.RPCURL)
	}
	if cfg.WSURL != rpc.LocalNet.WS {
		t.Fatalf("expected localnet ws default, got %q", cfg.WSURL)
	}
	if !cfg.RequireAdminToken() || cfg.Key.AllowPlainFile {
		t.Fatal("production defaults must require an admin token and refuse plaintext keys")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.Env = "test"
		cfg.ProgramID = testProgram
		return cfg
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad program", func(c *Config) { c.ProgramID = "nope" }, "program id"},
		{"bad allowed program", func(c *Config) { c.AllowedPrograms = []string{"x"} }, "allowed programs"},
		{"bad commitment", func(c *Config) { c.Commitment = "eventually" }, "commitment"},
		{"unknown store", func(c *Config) { c.Registry.Store = "redis" }, "registry store"},
		{"durable store without path", func(c *Config) { c.Registry.Path = " " }, "registry path"},
		{"memory store in production", func(c *Config) {
			c.Env = "production"
			c.API.AdminToken = "x"
			c.Registry.Store = StoreMemory
		}, "registry store"},
		{"production without token", func(c *Config) { c.Env = "production" }, "CBAL_ADMIN_TOKEN"},
		{"zero timeout", func(c *Config) { c.ConfirmTimeout = 0 }, "timeouts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			cfgErr, ok := err.(*contracts.ConfigurationError)
			if !ok || cfgErr.Field != tc.field {
				t.Fatalf("expected config error on %q, got %v", tc.field, err)
			}
		})
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config must validate: %v", err)
	}
}

func TestPolicyIncludesProgramAndComputeBudget(t *testing.T) {
	cfg := Default()
	cfg.ProgramID = testProgram
	cfg.AllowedPrograms = []string{"", "11111111111111111111111111111111"}
	programs, err := cfg.Policy()
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if len(programs) != 3 || programs[0].String() != testProgram || programs[1].String() != ComputeBudgetProgram {
		t.Fatalf("unexpected policy: %v", programs)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CBAL_TEST_BOOL", "yes")
	t.Setenv("CBAL_TEST_BAD_BOOL", "maybe")
	t.Setenv("CBAL_TEST_INT", "900")
	t.Setenv("CBAL_TEST_DURATION", "bogus")
	if !envBoolWithFallback("CBAL_TEST_BOOL", false) || !envBoolWithFallback("CBAL_TEST_BAD_BOOL", true) {
		t.Fatal("unexpected bool parsing")
	}
	if got := envBoundedIntWithFallback("CBAL_TEST_INT", 1, 1, 100); got != 100 {
		t.Fatalf("expected clamp to 100, got %d", got)
	}
	if got := envDurationWithFallback("CBAL_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
	if IsNonProd("Production") || !IsNonProd(" LOCAL ") {
		t.Fatal("unexpected IsNonProd classification")
	}
}

func TestMergeKeepsDefaultsForZeroValues(t *testing.T) {
	cfg := Default()
	Merge(&cfg, FileConfig{
		Metrics:  FileMetrics{Enabled: boolPtr(false), Backlog: 64},
		Registry: FileRegistry{CacheSize: 8},
	})
	if cfg.MetricsEnabled || cfg.EventBacklog != 64 || cfg.Registry.CacheSize != 8 {
		t.Fatalf("merge did not apply explicit values: %+v", cfg)
	}
	if cfg.Registry.Store != StoreFile || cfg.API.RateLimitBurst != 10 {
		t.Fatalf("merge must keep defaults for unset fields: %+v", cfg)
	}
}
