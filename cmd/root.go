package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nimbusops/amicycle/internal/aws"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "amicycle",
	Short: "Machine image lifecycle tooling for EC2 fleets",
	Long: `Amicycle keeps EC2 machine images in rotation. It swaps instances out of
and back into load balancing around blue/green deployments, rebuilds
crash-consistent images from live database hosts, and sweeps up the
snapshots and temporary images the rotation leaves behind.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig, initLogger)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.amicycle.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "AWS profile to use (or set PROFILE)")
	rootCmd.PersistentFlags().String("region", "eu-west-1", "AWS region (or set REGION)")
	rootCmd.PersistentFlags().String("log-level", "warning", "log level: debug, info, warning, error")
	rootCmd.PersistentFlags().String("log-file", "", "log file (default is /var/log/amicycle.log, falling back to the temp directory)")

	// TODO: add error return here
	viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))
	viper.BindPFlag("region", rootCmd.PersistentFlags().Lookup("region"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))

	viper.BindEnv("profile", "PROFILE")
	viper.BindEnv("region", "REGION")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".amicycle")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("log_level") == "debug" {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// initLogger points the process-wide logger at the configured level and
// file. The tools run from cron and pipeline jobs, so logs default to a
// file rather than the console.
func initLogger() {
	level, err := log.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		level = log.WarnLevel
	}
	log.SetLevel(level)

	candidates := []string{viper.GetString("log_file")}
	if candidates[0] == "" {
		candidates = []string{
			"/var/log/amicycle.log",
			filepath.Join(os.TempDir(), "amicycle.log"),
		}
	}
	for _, path := range candidates {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			continue
		}
		log.SetOutput(file)
		return
	}
	// No writable log file, stay on stderr.
}

// newAWSClient builds a cloud client for the configured profile and region.
func newAWSClient(ctx context.Context) (*aws.Client, error) {
	profile := viper.GetString("profile")
	region := viper.GetString("region")
	if profile == "" {
		return aws.NewClient(ctx, region)
	}
	return aws.NewClientWithProfile(ctx, profile, region)
}

// resolveTimeout returns the wait budget for image state changes. The
// deployment pipeline exports TIMEOUT in whole seconds; an explicitly set
// flag wins over the environment.
func resolveTimeout(cmd *cobra.Command, flagValue time.Duration) time.Duration {
	if cmd.Flags().Changed("timeout") {
		return flagValue
	}
	raw := os.Getenv("TIMEOUT")
	if raw == "" {
		return flagValue
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		log.Warnf("Ignoring unparseable TIMEOUT value %q.", raw)
		return flagValue
	}
	return time.Duration(seconds) * time.Second
}
