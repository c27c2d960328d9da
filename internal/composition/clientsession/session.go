// Package clientsession wires a confidential-balance client: ledger reads,
// a remote relayer, and a finalization waiter fed from ledger logs.
package clientsession

import (
	"context"
	"log/slog"
	"strings"

	"confbal/go-backend/internal/config"
	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/coordinator"
	"confbal/go-backend/internal/crypto"
	"confbal/go-backend/internal/finalization"
	"confbal/go-backend/internal/ledger"
	"confbal/go-backend/internal/relayclient"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"
)

const componentName = "clientsession"

// Overrides replaces live dependencies, mainly for tests.
type Overrides struct {
	Ledger ledger.Client
	// Dialer replaces the websocket log subscription.
	Dialer finalization.Dialer
	// Bus receives finalization events directly instead of a dialer feeding a fresh one.
	Bus *finalization.Bus
}

type Session struct {
	Coordinator *coordinator.Coordinator
	Relayer     *relayclient.Client
	Account     coordinator.Account

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Open derives the user's key material from wallet and starts the log source
// that resolves finalization waits. Close must be called to stop it.
func Open(ctx context.Context, cfg config.Config, wallet solana.PrivateKey, logger *slog.Logger, over Overrides) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	programID, err := cfg.Program()
	if err != nil {
		return nil, err
	}
	cluster, err := cfg.ClusterKey()
	if err != nil {
		return nil, err
	}
	keys, err := DeriveKeys(wallet)
	if err != nil {
		return nil, err
	}
	relayer, err := relayclient.New(cfg.RelayerURL, relayclient.Options{AdminToken: cfg.API.AdminToken, Logger: logger})
	if err != nil {
		return nil, err
	}

	client := over.Ledger
	if client == nil {
		client = ledger.NewRPCClient(cfg.RPCURL, cfg.Commitment)
	}
	bus := over.Bus
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	if bus == nil {
		bus = finalization.NewBus(cfg.EventBacklog)
		dial := over.Dialer
		if dial == nil {
			dial = finalization.WebsocketDialer(cfg.WSURL, programID, cfg.Commitment)
		}
		source := finalization.NewLogSource(dial, bus, logger)
		group.Go(func() error { return source.Run(groupCtx) })
	}

	waiter := finalization.NewWaiter(bus, finalization.Options{Timeout: cfg.FinalizationTimeout, Logger: logger})
	coord := coordinator.New(client, relayer, waiter, coordinator.Options{
		ProgramID:           programID,
		ClusterPublicKey:    cluster,
		FinalizationTimeout: cfg.FinalizationTimeout,
		Logger:              logger,
	})
	logger.Info("client session opened",
		"component", componentName,
		"operation", "open",
		"correlation_id", contracts.CorrelationID(ctx, ""),
		"owner", wallet.PublicKey().String(),
		"relayer_url", cfg.RelayerURL,
	)
	return &Session{
		Coordinator: coord,
		Relayer:     relayer,
		Account:     coordinator.Account{Owner: wallet.PublicKey(), Keys: keys},
		cancel:      cancel,
		group:       group,
	}, nil
}

// DeriveKeys signs the fixed derivation message with wallet and turns the
// signature into the user's confidential-balance key pair.
func DeriveKeys(wallet solana.PrivateKey) (*crypto.KeyMaterial, error) {
	if len(wallet) == 0 {
		return nil, &contracts.ConfigurationError{Field: "wallet key", Err: crypto.ErrInvalidSignature}
	}
	sig, err := wallet.Sign([]byte(crypto.KeyDerivationMessage))
	if err != nil {
		return nil, &contracts.ConfigurationError{Field: "wallet key", Err: err}
	}
	return crypto.DeriveKeyMaterial(sig[:])
}

// ParseWallet accepts a base58 secret key.
func ParseWallet(raw string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(raw))
	if err != nil {
		return nil, &contracts.ConfigurationError{Field: "wallet key", Err: err}
	}
	return key, nil
}

// Close stops the log source and wipes the session key material.
func (s *Session) Close() error {
	s.cancel()
	err := s.group.Wait()
	if s.Account.Keys != nil {
		s.Account.Keys.Wipe()
	}
	return err
}
