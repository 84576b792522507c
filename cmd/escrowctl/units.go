package main

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"escrowhub/internal/config"
	"escrowhub/internal/units"
)

func newUnitsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "units",
		Short: "Convert amounts for the active network",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "to <amount>",
			Short: "Human amount to chain units",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				conv, err := g.converter()
				if err != nil {
					return err
				}
				v, err := conv.ToChainUnits(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v.String())
				return nil
			},
		},
		&cobra.Command{
			Use:   "from <chain-units>",
			Short: "Chain units to a human amount",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				conv, err := g.converter()
				if err != nil {
					return err
				}
				v, ok := new(big.Int).SetString(args[0], 10)
				if !ok || v.Sign() < 0 {
					return fmt.Errorf("invalid chain amount %q", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), conv.FromChainUnits(v))
				return nil
			},
		},
	)
	return cmd
}

func (g *globalFlags) converter() (units.Converter, error) {
	cfg, err := config.Read()
	if err != nil {
		return units.Converter{}, err
	}
	name := cfg.Network
	if g.network != "" {
		name = g.network
	}
	net, ok := cfg.Networks[name]
	if !ok {
		return units.Converter{}, fmt.Errorf("unknown network %q", name)
	}
	return units.New(net.Decimals)
}
