package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbusops/amicycle/internal/aws"
	"github.com/nimbusops/amicycle/internal/sweep"
)

var (
	sweepAccounts        string
	sweepProtectedMarker string
	sweepTempMarker      string
	sweepPageSize        int32
	sweepPageWait        time.Duration
)

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().StringVar(&sweepAccounts, "accounts", "dev", "comma-separated AWS profiles to sweep")
	sweepCmd.Flags().StringVar(&sweepProtectedMarker, "protected-marker", sweep.DefaultProtectedMarker, "snapshots whose name contains this marker are never deleted")
	sweepCmd.Flags().StringVar(&sweepTempMarker, "temp-marker", sweep.DefaultTempMarker, "images whose name contains this marker are deregistered")
	sweepCmd.Flags().Int32Var(&sweepPageSize, "page-size", sweep.DefaultPageSize, "snapshots fetched per page")
	sweepCmd.Flags().DurationVar(&sweepPageWait, "page-wait", sweep.DefaultPageWait, "pause between snapshot pages")
}

// sweepCmd represents the sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete leftover snapshots and temporary images",
	Long: `Sweep walks every configured account and deletes the EBS snapshots left
behind by image rotation, then deregisters the images still carrying the
temporary marker.

Snapshots are kept when their name carries the protected marker, when
they belong to another account, or when they still back a registered
image. Pages of snapshots are processed with a pause in between so the
sweep stays friendly to the API rate limits.

Accounts come from --accounts, or from the configuration file's accounts
key when the flag is not given (see amicycle accounts).

Examples:
  amicycle sweep
  amicycle sweep --accounts dev,staging,prod
  amicycle sweep --protected-marker _KEEP --page-wait 30s`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	config := sweep.Config{
		ProtectedMarker: sweepProtectedMarker,
		TempMarker:      sweepTempMarker,
		PageSize:        sweepPageSize,
		PageWait:        sweepPageWait,
	}

	accounts := splitAccounts(sweepAccounts)
	if !cmd.Flags().Changed("accounts") {
		if configured := configuredAccounts(); len(configured) > 0 {
			accounts = configured
		}
	}

	for _, account := range accounts {
		client, err := aws.NewClientWithProfile(ctx, account, accountRegion(account))
		if err != nil {
			return err
		}
		sweeper := sweep.New(client, config)

		snapshots, err := sweeper.SweepSnapshots(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Account %v: deleted %v snapshots, retained %v.\n",
			account, len(snapshots.Deleted), len(snapshots.Retained))

		images, err := sweeper.SweepImages(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Account %v: deregistered %v temporary images.\n",
			account, len(images.Deregistered))
	}
	return nil
}

func splitAccounts(raw string) []string {
	var accounts []string
	for _, account := range strings.Split(raw, ",") {
		if account = strings.TrimSpace(account); account != "" {
			accounts = append(accounts, account)
		}
	}
	return accounts
}
