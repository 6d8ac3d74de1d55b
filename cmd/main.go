package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tgshop/onchain-engine/oaeerr"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "oae",
		Short:         "Onchain activity engine: deposit detection, settlement and payouts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "./config.yml", "config file")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("principal", os.Getenv("OAE_PRINCIPAL"), "operator identity recorded in the security log")
	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return oaeerr.Wrap(oaeerr.InvalidInput, c.CommandPath(), err)
	})

	rootCmd.AddCommand(
		StartCmd(),
		MigrateCmd(),
		TickCmd(),
		AddressCmd(),
		RuleCmd(),
		PayoutCmd(),
		DepositCmd(),
		PinCmd(),
		DeadLetterCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s (%s)\n", oaeerr.Code(err), err)
		os.Exit(oaeerr.ExitCode(err))
	}
}
