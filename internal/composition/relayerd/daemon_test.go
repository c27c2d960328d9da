package relayerd

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"confbal/go-backend/internal/config"
	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/coordinator"
	"confbal/go-backend/internal/crypto"
	"confbal/go-backend/internal/custody"
	"confbal/go-backend/internal/finalization"
	"confbal/go-backend/internal/ledger/ledgertest"
	"confbal/go-backend/internal/registry"
	"confbal/go-backend/internal/relayclient"

	"github.com/gagliardetto/solana-go"
)

const testProgram = "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Env = "test"
	cfg.ProgramID = testProgram
	cfg.Registry.Store = config.StoreMemory
	cfg.MetricsAddr = ""
	cfg.ConfirmTimeout = 2 * time.Second
	cfg.FinalizationTimeout = 2 * time.Second
	cfg.API.AdminToken = "admin"
	cfg.Key = custodySource(solana.NewWallet().PrivateKey)
	return cfg
}

func TestDaemonSetupAndDepositThroughHTTP(t *testing.T) {
	ctx := context.Background()
	program := solana.MustPublicKeyFromBase58(testProgram)
	cluster, err := crypto.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial: %v", err)
	}
	bus := finalization.NewBus(64)
	l := ledgertest.New(program, cluster, bus)

	d, err := Build(ctx, testConfig(), quietLogger(), Overrides{Ledger: l})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer d.Close()
	ts := httptest.NewServer(d.Handler())
	defer ts.Close()

	client, err := relayclient.New(ts.URL, relayclient.Options{AdminToken: "admin", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("relayclient.New: %v", err)
	}
	feeMint := solana.NewWallet().PublicKey()
	created, err := client.Setup(ctx, 5000, feeMint)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	id, err := registry.ParseID(created.ID)
	if err != nil {
		t.Fatalf("ParseID: %v", err)
	}
	rec, err := d.Registry().Lookup(ctx, d.SigningKey())
	if err != nil || rec.ID != id {
		t.Fatalf("registry does not hold the announced record: %+v err=%v", rec, err)
	}
	if got := l.Submitted(); len(got) != 1 || got[0].Message.AccountKeys[0] != d.SigningKey() {
		t.Fatalf("expected one announcement paid by the relayer, got %d", len(got))
	}

	keys, err := crypto.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial: %v", err)
	}
	acct := coordinator.Account{Owner: solana.NewWallet().PublicKey(), Keys: keys}
	mint := coordinator.Mint{Address: solana.NewWallet().PublicKey(), Decimals: 6}
	coord := coordinator.New(l, client, finalization.NewWaiter(bus, finalization.Options{Timeout: 2 * time.Second}), coordinator.Options{
		ProgramID:           program,
		ClusterPublicKey:    cluster.PublicKey(),
		FinalizationTimeout: 2 * time.Second,
		Logger:              quietLogger(),
	})
	res, err := coord.Deposit(ctx, acct, mint, 250)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if res.Balance != 250 {
		t.Fatalf("expected balance 250, got %d", res.Balance)
	}
	submitted := l.Submitted()
	if len(submitted) != 2 || submitted[1].Message.AccountKeys[0] != d.SigningKey() {
		t.Fatal("deposit must be paid by the relayer")
	}
}

func TestBuildRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"no key", func(c *config.Config) { c.Key = custodySource(nil) }},
		{"production without token", func(c *config.Config) {
			c.Env = "production"
			c.API.AdminToken = ""
			c.Registry.Store = config.StoreFile
		}},
		{"bad program", func(c *config.Config) { c.ProgramID = "???" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			if _, err := Build(context.Background(), cfg, quietLogger(), Overrides{}); contracts.Category(err) != contracts.CategoryConfig {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

func TestOpenStoreKinds(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, cfg := range []config.RegistryConfig{
		{Store: config.StoreMemory},
		{Store: config.StoreFile, Path: filepath.Join(dir, "relayers.json"), Passphrase: "pw"},
		{Store: config.StoreSQLite, Path: filepath.Join(dir, "relayers.db")},
	} {
		store, closeFn, err := OpenStore(ctx, cfg)
		if err != nil {
			t.Fatalf("%s: OpenStore: %v", cfg.Store, err)
		}
		if _, err := store.ListActive(ctx); err != nil {
			t.Fatalf("%s: ListActive: %v", cfg.Store, err)
		}
		if err := closeFn(); err != nil {
			t.Fatalf("%s: close: %v", cfg.Store, err)
		}
	}
	if _, _, err := OpenStore(ctx, config.RegistryConfig{Store: "etcd"}); contracts.Category(err) != contracts.CategoryConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.API.Addr = "127.0.0.1:0"
	d, err := Build(context.Background(), cfg, quietLogger(), Overrides{Ledger: ledgertest.New(solana.MustPublicKeyFromBase58(testProgram), mustCluster(t), finalization.NewBus(1))})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func mustCluster(t *testing.T) *crypto.KeyMaterial {
	t.Helper()
	k, err := crypto.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial: %v", err)
	}
	return k
}

func custodySource(key solana.PrivateKey) custody.Source {
	if key == nil {
		return custody.Source{}
	}
	return custody.Source{PrivateKey: key.String()}
}
