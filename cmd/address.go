package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tgshop/onchain-engine/engine"
)

func AddressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Manage watched receiving addresses",
	}

	var chainName, address, label string
	add := &cobra.Command{
		Use:   "add",
		Short: "Watch a receiving address",
		RunE: func(c *cobra.Command, _ []string) error {
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				id, err := e.AddAddress(ctx, principalFlag(c), chainName, address, label)
				if err != nil {
					return err
				}
				return printJSON(c, map[string]uint64{"id": id})
			})
		},
	}
	add.Flags().StringVar(&chainName, "chain", "", "chain name")
	add.Flags().StringVar(&address, "address", "", "receiving address")
	add.Flags().StringVar(&label, "label", "", "label shown in notifications")

	deactivate := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Stop watching an address",
		Args:  oneArg,
		RunE: func(c *cobra.Command, args []string) error {
			id, err := parseId(args[0])
			if err != nil {
				return err
			}
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				return e.DeactivateAddress(ctx, principalFlag(c), id)
			})
		},
	}

	var listChain string
	list := &cobra.Command{
		Use:   "list",
		Short: "List watched addresses",
		RunE: func(c *cobra.Command, _ []string) error {
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				addresses, err := e.ListAddresses(listChain)
				if err != nil {
					return err
				}
				return printJSON(c, addresses)
			})
		},
	}
	list.Flags().StringVar(&listChain, "chain", "", "only this chain")

	cmd.AddCommand(add, deactivate, list)
	return cmd
}
