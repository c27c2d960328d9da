package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"confbal/go-backend/internal/composition/clientsession"
	"confbal/go-backend/internal/config"
	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/coordinator"
	"confbal/go-backend/internal/platform/privacylog"
	"confbal/go-backend/internal/relayclient"

	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func keysCmd() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "print the confidential-balance public key derived from the wallet",
		Action: func(c *cli.Context) error {
			wallet, err := clientsession.ParseWallet(c.String("wallet-key"))
			if err != nil {
				return err
			}
			keys, err := clientsession.DeriveKeys(wallet)
			if err != nil {
				return err
			}
			defer keys.Wipe()
			pub := keys.PublicKey()
			fmt.Fprintf(c.App.Writer, "owner:      %s\nbalanceKey: %s\n", wallet.PublicKey(), solana.PublicKeyFromBytes(pub[:]))
			return nil
		},
	}
}

func balanceCmd() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "decrypt and print the confidential balance",
		Action: func(c *cli.Context) error {
			return withSession(c, func(ctx context.Context, s *clientsession.Session, mint coordinator.Mint) error {
				value, err := s.Coordinator.Balance(ctx, s.Account, mint)
				if errors.Is(err, contracts.ErrNotFound) {
					value, err = 0, nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, coordinator.FormatAmount(value, mint.Decimals))
				return nil
			})
		},
	}
}

func depositCmd() *cli.Command {
	return &cli.Command{
		Name:      "deposit",
		Usage:     "move tokens into the confidential balance",
		ArgsUsage: "<amount>",
		Action: func(c *cli.Context) error {
			return withSession(c, func(ctx context.Context, s *clientsession.Session, mint coordinator.Mint) error {
				amount, err := coordinator.ParseAmount(c.Args().First(), mint.Decimals)
				if err != nil {
					return err
				}
				res, err := s.Coordinator.Deposit(ctx, s.Account, mint, amount)
				return printResult(c, res, mint, err)
			})
		},
	}
}

func withdrawCmd() *cli.Command {
	return &cli.Command{
		Name:      "withdraw",
		Usage:     "move tokens out of the confidential balance",
		ArgsUsage: "<amount>",
		Action: func(c *cli.Context) error {
			return withSession(c, func(ctx context.Context, s *clientsession.Session, mint coordinator.Mint) error {
				amount, err := coordinator.ParseAmount(c.Args().First(), mint.Decimals)
				if err != nil {
					return err
				}
				res, err := s.Coordinator.Withdraw(ctx, s.Account, mint, amount)
				return printResult(c, res, mint, err)
			})
		},
	}
}

func transferCmd() *cli.Command {
	return &cli.Command{
		Name:      "transfer",
		Usage:     "send tokens to another confidential balance",
		ArgsUsage: "<recipient> <amount>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("usage: confbal transfer <recipient> <amount>", 2)
			}
			recipient, err := solana.PublicKeyFromBase58(strings.TrimSpace(c.Args().Get(0)))
			if err != nil {
				return fmt.Errorf("recipient: %w", err)
			}
			return withSession(c, func(ctx context.Context, s *clientsession.Session, mint coordinator.Mint) error {
				amount, err := coordinator.ParseAmount(c.Args().Get(1), mint.Decimals)
				if err != nil {
					return err
				}
				res, err := s.Coordinator.Transfer(ctx, s.Account, recipient, mint, amount)
				return printResult(c, res, mint, err)
			})
		},
	}
}

func relayerCmd() *cli.Command {
	return &cli.Command{
		Name:  "relayer",
		Usage: "inspect or register the relayer",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "print the relayer record",
				Action: func(c *cli.Context) error {
					client, err := relayerClient(c)
					if err != nil {
						return err
					}
					rec, err := client.Lookup(c.Context)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "id:      %s\naddress: %s\nkey:     %s\nfee:     %d (%s)\nactive:  %t\n",
						rec.ID, rec.Address, rec.PublicKey, rec.Fee, rec.FeeTokenMint, rec.Active)
					return nil
				},
			},
			{
				Name:  "setup",
				Usage: "register the daemon's signing key (requires CBAL_ADMIN_TOKEN)",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "fee", Required: true, Usage: "fee in base units of the fee token"},
					&cli.StringFlag{Name: "fee-mint", Required: true, Usage: "fee token mint"},
				},
				Action: func(c *cli.Context) error {
					mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(c.String("fee-mint")))
					if err != nil {
						return fmt.Errorf("fee-mint: %w", err)
					}
					client, err := relayerClient(c)
					if err != nil {
						return err
					}
					rec, err := client.Setup(c.Context, c.Uint64("fee"), mint)
					var conflict *contracts.RegistryConflictError
					if errors.As(err, &conflict) {
						return fmt.Errorf("relayer already registered as %s at %s", conflict.ExistingID, conflict.Address)
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "id:      %s\naddress: %s\n", rec.ID, rec.Address)
					return nil
				},
			},
		},
	}
}

func loadConfig(c *cli.Context) (config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFromPath(c.String("config"))
	if err != nil {
		return config.Config{}, nil, err
	}
	level := slog.LevelWarn
	_ = level.UnmarshalText([]byte(c.String("log-level")))
	return cfg, privacylog.NewLogger(os.Stderr, level), nil
}

func relayerClient(c *cli.Context) (*relayclient.Client, error) {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return relayclient.New(cfg.RelayerURL, relayclient.Options{AdminToken: cfg.API.AdminToken, Logger: logger})
}

func withSession(c *cli.Context, fn func(context.Context, *clientsession.Session, coordinator.Mint) error) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	wallet, err := clientsession.ParseWallet(c.String("wallet-key"))
	if err != nil {
		return err
	}
	mintKey, err := solana.PublicKeyFromBase58(strings.TrimSpace(c.String("mint")))
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	decimals := c.Uint("decimals")
	if decimals > coordinator.MaxDecimals {
		return fmt.Errorf("decimals must be at most %d", coordinator.MaxDecimals)
	}
	mint := coordinator.Mint{Address: mintKey, Decimals: uint8(decimals)}

	ctx := contracts.WithCorrelationID(c.Context, wallet.PublicKey().String())
	session, err := clientsession.Open(ctx, cfg, wallet, logger, clientsession.Overrides{})
	if err != nil {
		return err
	}
	runErr := fn(ctx, session, mint)
	if closeErr := session.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}
	return runErr
}

func printResult(c *cli.Context, res coordinator.Result, mint coordinator.Mint, err error) error {
	if err != nil {
		var timeoutErr *contracts.ConfirmationTimeoutError
		if errors.As(err, &timeoutErr) {
			return fmt.Errorf("%w (check signature %s before retrying)", err, timeoutErr.Signature)
		}
		return err
	}
	fmt.Fprintf(c.App.Writer, "signature: %s\noffset:    %d\nbalance:   %s\n",
		res.Signature, res.Offset, coordinator.FormatAmount(res.Balance, mint.Decimals))
	return nil
}
