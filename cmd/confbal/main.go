package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:      "confbal",
		Version:   version,
		Usage:     "confidential token balances over a gasless relayer",
		UsageText: "confbal [global options] command [command options] [arguments...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to relayer.yaml"},
			&cli.StringFlag{Name: "wallet-key", Usage: "base58 wallet secret key", EnvVars: []string{"CBAL_WALLET_KEY"}},
			&cli.StringFlag{Name: "mint", Usage: "token mint address", EnvVars: []string{"CBAL_MINT"}},
			&cli.UintFlag{Name: "decimals", Value: 6, Usage: "token mint decimals"},
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "debug | info | warn | error"},
		},
		Commands: []*cli.Command{
			keysCmd(),
			balanceCmd(),
			depositCmd(),
			withdrawCmd(),
			transferCmd(),
			relayerCmd(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
