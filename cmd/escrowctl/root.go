package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"escrowhub/internal/app"
	"escrowhub/internal/config"
	"escrowhub/internal/logging"
	"escrowhub/internal/signer"
)

type globalFlags struct {
	fake     bool
	network  string
	from     string
	wait     time.Duration
	logLevel string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "escrowctl",
		Short: "Create and manage on-chain escrows",
		Long: `escrowctl runs the escrow coordinator in-process against the configured
network. Configuration is read from config.yaml (or CONFIG_PATH), .env and
the environment.

Examples:
  # Create an escrow on the in-process fake chain
  escrowctl --fake --from 0x...a1 create --counterparty 0x...b2 --amount 10.5

  # Convert between human amounts and chain units
  escrowctl units to 10.5`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVar(&g.fake, "fake", false, "Use the in-process fake chain")
	cmd.PersistentFlags().StringVar(&g.network, "network", "", "Network name (overrides config)")
	cmd.PersistentFlags().StringVar(&g.from, "from", "", "Caller account address")
	cmd.PersistentFlags().DurationVar(&g.wait, "wait", time.Minute, "How long to wait for finality")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "Log level")

	cmd.AddCommand(
		newCreateCmd(g),
		newStatusCmd(g, "complete", "Complete an escrow"),
		newStatusCmd(g, "cancel", "Cancel an escrow"),
		newGetCmd(g),
		newListCmd(g),
		newUnitsCmd(g),
	)
	return cmd
}

// loadConfig reads configuration and applies the global flags.
func (g *globalFlags) loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Read()
	if err != nil {
		return nil, err
	}
	if g.network != "" {
		cfg.Network = g.network
	}
	if g.fake {
		cfg.Chain.Fake = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *globalFlags) caller() (common.Address, error) {
	if g.from == "" {
		return common.Address{}, fmt.Errorf("--from is required")
	}
	return signer.ParseAddress(g.from)
}

// withStack builds the coordinator stack for one command and tears it down
// afterwards. On the fake chain the caller signs with the mock signer.
func (g *globalFlags) withStack(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, caller common.Address) error) error {
	caller, err := g.caller()
	if err != nil {
		return err
	}
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Chain.Fake {
		cfg.Wallet.TestAccounts = append(cfg.Wallet.TestAccounts, caller.Hex())
	}
	log, err := logging.Setup("escrowctl", g.logLevel, "text")
	if err != nil {
		return err
	}
	log.SetOutput(cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()
	return fn(ctx, a, caller)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
