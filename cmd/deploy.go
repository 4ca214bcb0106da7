package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nimbusops/amicycle/internal/continuity"
	"github.com/nimbusops/amicycle/internal/deploy"
	"github.com/nimbusops/amicycle/internal/poll"
)

var (
	deployCookie   string
	deployTimeout  time.Duration
	deployInterval time.Duration
)

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.AddCommand(predeployCmd)
	deployCmd.AddCommand(postdeployCmd)

	deployCmd.PersistentFlags().StringVar(&deployCookie, "cookie", "", "build cookie tying the two halves together (or set BUILD_VERSION_NAME)")
	deployCmd.PersistentFlags().DurationVar(&deployTimeout, "timeout", poll.DefaultTimeout, "how long to wait for image state changes (or set TIMEOUT in seconds)")
	deployCmd.PersistentFlags().DurationVar(&deployInterval, "interval", poll.DefaultInterval, "how often to re-check image state")

	// TODO: add error return here
	viper.BindPFlag("cookie", deployCmd.PersistentFlags().Lookup("cookie"))
	viper.BindEnv("cookie", "BUILD_VERSION_NAME")
}

// deployCmd represents the deploy command
var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Rotate an instance through a blue/green deployment",
	Long: `Deploy coordinates the image side of a blue/green deployment in two
halves that run in separate pipeline stages.

predeploy takes the live instance out of its load balancers and target
groups, remembers where it was registered, backs the current machine
image up under the temporary name, and releases the current name.
postdeploy puts the freshly provisioned instance back into rotation
using the saved registrations and captures the new current image.

The build cookie names the hand-off files, so both halves must run with
the same one.

Examples:
  amicycle deploy predeploy frontend --cookie build-113
  amicycle deploy postdeploy frontend --cookie build-113`,
}

// predeployCmd takes the instance out of rotation before a deployment
var predeployCmd = &cobra.Command{
	Use:   "predeploy <name>",
	Short: "Take an instance out of rotation and retire its image",
	Args:  cobra.ExactArgs(1),
	RunE:  runPredeploy,
}

// postdeployCmd puts the instance back into rotation after a deployment
var postdeployCmd = &cobra.Command{
	Use:   "postdeploy <name>",
	Short: "Put an instance back into rotation and capture its image",
	Args:  cobra.ExactArgs(1),
	RunE:  runPostdeploy,
}

func runPredeploy(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	deployment, err := newDeployment(ctx, cmd)
	if err != nil {
		return err
	}
	return deployment.Predeploy(ctx, args[0])
}

func runPostdeploy(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	deployment, err := newDeployment(ctx, cmd)
	if err != nil {
		return err
	}
	return deployment.Postdeploy(ctx, args[0])
}

func newDeployment(ctx context.Context, cmd *cobra.Command) (*deploy.Deployment, error) {
	client, err := newAWSClient(ctx)
	if err != nil {
		return nil, err
	}
	return deploy.New(client, continuity.NewStore(""), deploy.Config{
		Cookie:   viper.GetString("cookie"),
		Interval: deployInterval,
		Timeout:  resolveTimeout(cmd, deployTimeout),
	})
}
