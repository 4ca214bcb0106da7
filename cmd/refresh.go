package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nimbusops/amicycle/internal/poll"
	"github.com/nimbusops/amicycle/internal/refresh"
	"github.com/nimbusops/amicycle/internal/remote"
)

var (
	refreshService     string
	refreshFilesystems []string
	refreshSSHUser     string
	refreshSSHKey      string
	refreshOperator    string
	refreshTimeout     time.Duration
	refreshInterval    time.Duration
)

func init() {
	rootCmd.AddCommand(refreshCmd)

	refreshCmd.Flags().StringVar(&refreshService, "service", refresh.DefaultService, "service stopped for the freeze window")
	refreshCmd.Flags().StringSliceVar(&refreshFilesystems, "filesystems", refresh.DefaultFilesystems, "filesystems frozen while the image is captured")
	refreshCmd.Flags().StringVar(&refreshSSHUser, "ssh-user", "root", "user for the SSH connection (or set USERNAME)")
	refreshCmd.Flags().StringVar(&refreshSSHKey, "ssh-key", "/root/.ssh/private_key", "private key for the SSH connection (or set KEYFILE)")
	refreshCmd.Flags().StringVar(&refreshOperator, "operator", "", "local account the refresh must run as (default: the SSH user)")
	refreshCmd.Flags().DurationVar(&refreshTimeout, "timeout", poll.DefaultTimeout, "how long to wait for the image name release (or set TIMEOUT in seconds)")
	refreshCmd.Flags().DurationVar(&refreshInterval, "interval", refresh.DefaultInterval, "how often to re-check the image name")

	// TODO: add error return here
	viper.BindPFlag("ssh_user", refreshCmd.Flags().Lookup("ssh-user"))
	viper.BindPFlag("ssh_key", refreshCmd.Flags().Lookup("ssh-key"))
	viper.BindEnv("ssh_user", "USERNAME")
	viper.BindEnv("ssh_key", "KEYFILE")
}

// refreshCmd represents the refresh command
var refreshCmd = &cobra.Command{
	Use:   "refresh <fqdn>",
	Short: "Rebuild a database host's machine image in place",
	Long: `Refresh captures a fresh machine image from a live database host without
rebooting it. The current image is first copied aside under the
temporary name and its name released. The host's database service is
then stopped and its data filesystems frozen for the few seconds it
takes to start the image capture, after which everything is thawed and
restarted.

The host's short name (the FQDN up to the first dot) names the images;
the FQDN itself is the SSH target.

Examples:
  amicycle refresh pg-primary.prod.example.com
  amicycle refresh pg-primary.prod.example.com --filesystems /var/opt,/var/lib/pgsql
  amicycle refresh pg-primary.prod.example.com --service mysql --ssh-user admin`,
	Args: cobra.ExactArgs(1),
	RunE: runRefresh,
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	fqdn := args[0]

	client, err := newAWSClient(ctx)
	if err != nil {
		return err
	}

	sshUser := viper.GetString("ssh_user")
	operator := refreshOperator
	if operator == "" {
		operator = sshUser
	}

	runner, err := remote.NewRunner(remote.Config{
		Host:    fqdn,
		User:    sshUser,
		KeyFile: viper.GetString("ssh_key"),
	})
	if err != nil {
		return err
	}
	if err := runner.Connect(ctx); err != nil {
		return err
	}
	defer runner.Close()

	refresher, err := refresh.New(client, runner, refresh.Config{
		Service:     refreshService,
		Filesystems: refreshFilesystems,
		Operator:    operator,
		Interval:    refreshInterval,
		Timeout:     resolveTimeout(cmd, refreshTimeout),
	})
	if err != nil {
		return err
	}
	return refresher.Refresh(ctx, fqdn)
}
