package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scriptlyhq/scriptly-billing/internal/billing"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "billingd",
	Short:   "Scriptly credit ledger and subscription reconciliation service",
	Long:    `billingd owns Scriptly's credit balances, ledger, and the cached mirror of Stripe subscription state. The rest of the product talks to it over HTTP.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return billing.Run(context.Background(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("billingd %s\n", Version)
		fmt.Printf("Build time: %s\n", BuildTime)
		fmt.Printf("Git commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
