package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/engine"
)

func PinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pin",
		Short: "Manage the operator's transaction PIN and read the security log",
	}

	var pin string
	set := &cobra.Command{
		Use:   "set",
		Short: "Set the PIN of --principal",
		RunE: func(c *cobra.Command, _ []string) error {
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				return e.SetPin(ctx, principalFlag(c), pin)
			})
		},
	}
	set.Flags().StringVar(&pin, "pin", "", "new PIN")

	var oldPin, newPin string
	change := &cobra.Command{
		Use:   "change",
		Short: "Change the PIN of --principal",
		RunE: func(c *cobra.Command, _ []string) error {
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				return e.ChangePin(ctx, principalFlag(c), oldPin, newPin)
			})
		},
	}
	change.Flags().StringVar(&oldPin, "old", "", "current PIN")
	change.Flags().StringVar(&newPin, "new", "", "new PIN")

	var filter db.SecurityEventFilter
	events := &cobra.Command{
		Use:   "events",
		Short: "List security log entries",
		RunE: func(c *cobra.Command, _ []string) error {
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				evts, err := e.SecurityEvents(filter)
				if err != nil {
					return err
				}
				return printJSON(c, evts)
			})
		},
	}
	events.Flags().StringVar(&filter.UserId, "user", "", "only this user")
	events.Flags().StringVar(&filter.Action, "action", "", "only this action")
	events.Flags().IntVar(&filter.Limit, "limit", 100, "maximum rows")

	cmd.AddCommand(set, change, events)
	return cmd
}

func DeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and requeue notifications that exhausted their retries",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List parked notifications",
		RunE: func(c *cobra.Command, _ []string) error {
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				letters, err := e.DeadLetters()
				if err != nil {
					return err
				}
				return printJSON(c, letters)
			})
		},
	}

	requeue := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Release a parked notification for another delivery round",
		Args:  oneArg,
		RunE: func(c *cobra.Command, args []string) error {
			id, err := parseId(args[0])
			if err != nil {
				return err
			}
			return withEngine(c, func(ctx context.Context, e *engine.Engine) error {
				letter, err := e.RequeueDeadLetter(ctx, principalFlag(c), id)
				if err != nil {
					return err
				}
				return printJSON(c, letter)
			})
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}
