package main

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tgshop/onchain-engine/engine"
	"github.com/tgshop/onchain-engine/oaeerr"
	"github.com/tgshop/onchain-engine/settlement"
)

func parseAmount(flag, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, oaeerr.Wrap(oaeerr.InvalidInput, "cli."+flag, err)
	}
	return d, nil
}

func RuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage auto-settlement rules",
	}

	var (
		in                   settlement.RuleInput
		minAmount, maxAmount string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an enabled auto-settlement rule",
		RunE: func(c *cobra.Command, _ []string) error {
			var err error
			if in.MinThreshold, err = parseAmount("min", minAmount); err != nil {
				return err
			}
			if maxAmount != "" {
				amount, err := parseAmount("max", maxAmount)
				if err != nil {
					return err
				}
				in.MaxAmount = decimal.NewNullDecimal(amount)
			}
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				rule, err := e.AddRule(ctx, principalFlag(c), in)
				if err != nil {
					return err
				}
				return printJSON(c, rule)
			})
		},
	}
	add.Flags().StringVar(&in.Chain, "chain", "", "chain name")
	add.Flags().StringVar(&in.DestinationAddress, "dst", "", "destination address")
	add.Flags().IntVar(&in.PercentageBps, "bps", 0, "share in basis points (10000 = 100%)")
	add.Flags().StringVar(&in.Label, "label", "", "rule label")
	add.Flags().StringVar(&minAmount, "min", "0", "minimum deposit amount the rule applies to")
	add.Flags().StringVar(&maxAmount, "max", "", "cap on a single share")

	var listChain string
	list := &cobra.Command{
		Use:   "list",
		Short: "List auto-settlement rules",
		RunE: func(c *cobra.Command, _ []string) error {
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				rules, err := e.ListRules(listChain)
				if err != nil {
					return err
				}
				return printJSON(c, rules)
			})
		},
	}
	list.Flags().StringVar(&listChain, "chain", "", "only this chain")

	cmd.AddCommand(add, list, setEnabledCmd("enable", true), setEnabledCmd("disable", false))
	return cmd
}

func setEnabledCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: use + " a rule",
		Args:  oneArg,
		RunE: func(c *cobra.Command, args []string) error {
			id, err := parseId(args[0])
			if err != nil {
				return err
			}
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				return e.SetRuleEnabled(ctx, principalFlag(c), id, enabled)
			})
		},
	}
}
