package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/engine"
)

func DepositCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Inspect detected deposits",
	}

	var filter db.DepositFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List deposits",
		RunE: func(c *cobra.Command, _ []string) error {
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				deposits, err := e.ListDeposits(filter)
				if err != nil {
					return err
				}
				return printJSON(c, deposits)
			})
		},
	}
	list.Flags().StringVar(&filter.Chain, "chain", "", "only this chain")
	list.Flags().StringVar(&filter.Address, "address", "", "only this receiving address")
	list.Flags().StringVar(&filter.State, "state", "", "seen, confirming, confirmed or orphaned")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "maximum rows")
	list.Flags().IntVar(&filter.Offset, "offset", 0, "rows to skip")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one deposit",
		Args:  oneArg,
		RunE: func(c *cobra.Command, args []string) error {
			id, err := parseId(args[0])
			if err != nil {
				return err
			}
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				deposit, err := e.GetDeposit(id)
				if err != nil {
					return err
				}
				return printJSON(c, deposit)
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
