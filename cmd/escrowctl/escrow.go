package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"escrowhub/internal/app"
	"escrowhub/internal/coordinator"
	"escrowhub/internal/escrow"
)

func newCreateCmd(g *globalFlags) *cobra.Command {
	var (
		req        coordinator.CreateRequest
		milestones []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Fund a new escrow",
		Long: `Fund a new escrow for a counterparty.

Milestones are given as "amount:description" and may not exceed the
escrow amount in total.

Examples:
  escrowctl --from 0x...a1 create --counterparty 0x...b2 --amount 10.5 --title "Logo"
  escrowctl --from 0x...a1 create --counterparty 0x...b2 --amount 10 -m 4:design -m 6:delivery`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseMilestones(milestones)
			if err != nil {
				return err
			}
			req.Milestones = specs
			return g.withStack(cmd, func(ctx context.Context, a *app.App, caller common.Address) error {
				p, err := a.Coordinator.CreateEscrow(ctx, caller, req)
				if err != nil {
					return err
				}
				return g.await(ctx, cmd, p)
			})
		},
	}
	cmd.Flags().StringVar(&req.Counterparty, "counterparty", "", "Counterparty address (required)")
	cmd.Flags().StringVar(&req.CounterpartyType, "counterparty-type", "worker", "worker or client")
	cmd.Flags().StringVar(&req.Amount, "amount", "", "Amount in human units (required)")
	cmd.Flags().StringVar(&req.Title, "title", "", "Title")
	cmd.Flags().StringVar(&req.Description, "description", "", "Description")
	cmd.Flags().StringArrayVarP(&milestones, "milestone", "m", nil, "Milestone as amount:description (repeatable)")
	_ = cmd.MarkFlagRequired("counterparty")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newStatusCmd(g *globalFlags, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <escrow-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := coordinator.ParseAction(action)
			if err != nil {
				return err
			}
			return g.withStack(cmd, func(ctx context.Context, a *app.App, caller common.Address) error {
				p, err := a.Coordinator.UpdateEscrowStatus(ctx, caller, args[0], act)
				if err != nil {
					return err
				}
				return g.await(ctx, cmd, p)
			})
		},
	}
}

func newGetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <escrow-id>",
		Short: "Show one escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStack(cmd, func(ctx context.Context, a *app.App, caller common.Address) error {
				e, err := a.Coordinator.GetEscrow(ctx, caller, args[0])
				if err != nil {
					return err
				}
				if e == nil {
					return fmt.Errorf("escrow %s not found", args[0])
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}
}

func newListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the caller's escrows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStack(cmd, func(ctx context.Context, a *app.App, caller common.Address) error {
				list, err := a.Coordinator.ListEscrows(ctx, caller)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}
}

// await prints the settled result, or the pending hash when --wait elapses.
func (g *globalFlags) await(ctx context.Context, cmd *cobra.Command, p *coordinator.Pending) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.wait)
	defer cancel()
	res, err := p.Wait(waitCtx)
	switch {
	case err == nil:
		return printJSON(cmd.OutOrStdout(), res)
	case errors.Is(err, context.DeadlineExceeded):
		fmt.Fprintf(cmd.ErrOrStderr(), "still pending after %s\n", g.wait)
		return printJSON(cmd.OutOrStdout(), res)
	default:
		if kind := escrow.KindOf(err); kind != escrow.KindUnknown {
			return fmt.Errorf("%s (%s): %w", kind, res.TxHash, err)
		}
		return err
	}
}

func parseMilestones(raw []string) ([]escrow.MilestoneSpec, error) {
	out := make([]escrow.MilestoneSpec, 0, len(raw))
	for _, m := range raw {
		amount, desc, _ := strings.Cut(m, ":")
		amount = strings.TrimSpace(amount)
		if amount == "" {
			return nil, fmt.Errorf("milestone %q: want amount:description", m)
		}
		out = append(out, escrow.MilestoneSpec{Amount: amount, Description: desc})
	}
	return out, nil
}
