package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nimbusops/amicycle/internal/aws"
)

var accountsCheck bool

func init() {
	rootCmd.AddCommand(accountsCmd)

	accountsCmd.Flags().BoolVar(&accountsCheck, "check", false, "resolve each account's caller identity to verify its credentials")
}

// accountsCmd represents the accounts command
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List the AWS accounts the sweep covers",
	Long: `List the accounts configured under the accounts key of the
configuration file. The sweep walks these when --accounts is not given
on the command line.

Example configuration ($HOME/.amicycle.yaml):

  accounts:
    dev:
      region: eu-west-1
      description: development account
    prod:
      region: eu-west-2

Examples:
  amicycle accounts
  amicycle accounts --check`,
	RunE: runAccounts,
}

func runAccounts(cmd *cobra.Command, args []string) error {
	names := configuredAccounts()
	if len(names) == 0 {
		fmt.Printf("No accounts configured, the sweep default is %q.\n", sweepAccounts)
		return nil
	}

	ctx := context.Background()
	failed := false

	fmt.Printf("Configured AWS accounts:\n\n")
	for _, name := range names {
		fmt.Printf("  %s\n", name)
		fmt.Printf("    Region: %s\n", accountRegion(name))
		if description := viper.GetString("accounts." + name + ".description"); description != "" {
			fmt.Printf("    Description: %s\n", description)
		}
		if accountsCheck {
			if id, err := resolveAccountID(ctx, name); err != nil {
				failed = true
				fmt.Printf("    Credentials: FAILED (%v)\n", err)
			} else {
				fmt.Printf("    Credentials: OK (account %s)\n", id)
			}
		}
		fmt.Println()
	}

	fmt.Printf("Usage: amicycle sweep --accounts %s\n", strings.Join(names, ","))
	if failed {
		return fmt.Errorf("some accounts failed the credentials check")
	}
	return nil
}

func resolveAccountID(ctx context.Context, profile string) (string, error) {
	client, err := aws.NewClientWithProfile(ctx, profile, accountRegion(profile))
	if err != nil {
		return "", err
	}
	return client.CallerAccount(ctx)
}

// configuredAccounts returns the account names from the configuration
// file, sorted for a stable sweep order.
func configuredAccounts() []string {
	configured := viper.GetStringMap("accounts")
	names := make([]string, 0, len(configured))
	for name := range configured {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// accountRegion returns the account's configured region, falling back to
// the global one.
func accountRegion(account string) string {
	if region := viper.GetString("accounts." + account + ".region"); region != "" {
		return region
	}
	return viper.GetString("region")
}
