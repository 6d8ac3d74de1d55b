package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/engine"
	"github.com/tgshop/onchain-engine/oaeerr"
	"github.com/tgshop/onchain-engine/payout"
)

func PayoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payout",
		Short: "Create, authorize and follow outbound payouts",
	}

	var (
		req           payout.CreateRequest
		amount, runAt string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a pending payout",
		RunE: func(c *cobra.Command, _ []string) error {
			var err error
			if req.Amount, err = parseAmount("amount", amount); err != nil {
				return err
			}
			if runAt != "" {
				at, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return oaeerr.Wrap(oaeerr.InvalidInput, "cli.at", err)
				}
				req.ScheduledAt = &at
			}
			req.CreatedBy = principalFlag(c)
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				p, err := e.CreatePayout(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(c, p)
			})
		},
	}
	create.Flags().StringVar(&req.Chain, "chain", "", "chain name")
	create.Flags().StringVar(&req.ToAddress, "to", "", "destination address")
	create.Flags().StringVar(&amount, "amount", "", "amount in the chain's unit")
	create.Flags().StringVar(&req.Notes, "notes", "", "free-form notes")
	create.Flags().StringVar(&req.Priority, "priority", db.PriorityNormal, "low, normal or high")
	create.Flags().StringVar(&runAt, "at", "", "schedule for this RFC3339 instant")

	var pin string
	authorize := &cobra.Command{
		Use:   "authorize <id>",
		Short: "Authorize a pending payout with the operator's PIN",
		Args:  oneArg,
		RunE: func(c *cobra.Command, args []string) error {
			id, err := parseId(args[0])
			if err != nil {
				return err
			}
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				p, err := e.AuthorizePayout(ctx, id, principalFlag(c), pin)
				if err != nil {
					return err
				}
				return printJSON(c, p)
			})
		},
	}
	authorize.Flags().StringVar(&pin, "pin", "", "transaction PIN")

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a payout that has not been broadcast",
		Args:  oneArg,
		RunE: func(c *cobra.Command, args []string) error {
			id, err := parseId(args[0])
			if err != nil {
				return err
			}
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				return e.CancelPayout(ctx, id, principalFlag(c))
			})
		},
	}

	var filter db.PayoutFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List payouts",
		RunE: func(c *cobra.Command, _ []string) error {
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				payouts, err := e.ListPayouts(filter)
				if err != nil {
					return err
				}
				return printJSON(c, payouts)
			})
		},
	}
	list.Flags().StringVar(&filter.Chain, "chain", "", "only this chain")
	list.Flags().StringVar(&filter.Status, "status", "", "only this status")
	list.Flags().StringVar(&filter.CreatedBy, "created-by", "", "only payouts created by this principal")
	list.Flags().StringVar(&filter.BatchId, "batch", "", "only this settlement batch")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "maximum rows")
	list.Flags().IntVar(&filter.Offset, "offset", 0, "rows to skip")

	cmd.AddCommand(create, authorize, cancel, list,
		payoutActionCmd("show <id>", "Show one payout", func(ctx context.Context, e *engine.Engine, id uint64, _ string) (*db.Payout, error) {
			return e.GetPayout(id)
		}),
		payoutActionCmd("retry <id>", "Send a scheduled or authorized payout back to pending", func(ctx context.Context, e *engine.Engine, id uint64, by string) (*db.Payout, error) {
			return e.RetryPayout(ctx, id, by)
		}),
		payoutActionCmd("clone <id>", "Copy a failed payout into a new pending one", func(ctx context.Context, e *engine.Engine, id uint64, by string) (*db.Payout, error) {
			return e.ClonePayout(ctx, id, by)
		}),
	)
	return cmd
}

func payoutActionCmd(use, short string, action func(ctx context.Context, e *engine.Engine, id uint64, by string) (*db.Payout, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  oneArg,
		RunE: func(c *cobra.Command, args []string) error {
			id, err := parseId(args[0])
			if err != nil {
				return err
			}
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				p, err := action(ctx, e, id, principalFlag(c))
				if err != nil {
					return err
				}
				return printJSON(c, p)
			})
		},
	}
}
