package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the amicycle configuration",
	Long:  `Create, inspect, and cross-check the amicycle configuration file.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the configuration file",
	Long:  `Create a default configuration file in your home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("error finding home directory: %w", err)
		}

		configPath := filepath.Join(home, ".amicycle.yaml")

		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Configuration file already exists at %s\n", configPath)
			return nil
		}

		defaultConfig := `# Amicycle configuration

# Default AWS profile and region (or set PROFILE / REGION).
profile: ""
region: eu-west-1

# Logging. The default log file is /var/log/amicycle.log, falling back
# to the system temp directory when /var/log is not writable.
log_level: warning
log_file: ""

# Accounts swept when 'amicycle sweep' runs without --accounts.
# Keys are AWS profile names.
accounts:
  dev:
    region: eu-west-1
    description: development account

# SSH settings for 'amicycle refresh' (or set USERNAME / KEYFILE).
ssh_user: root
ssh_key: /root/.ssh/private_key
`

		if err := os.WriteFile(configPath, []byte(defaultConfig), 0o600); err != nil {
			return fmt.Errorf("error writing config file: %w", err)
		}

		fmt.Printf("Configuration file created at %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("error finding home directory: %w", err)
		}

		configPath := filepath.Join(home, ".amicycle.yaml")

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'amicycle config init' to create one.")
			return nil
		}

		content, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}

		fmt.Printf("Configuration file: %s\n\n", configPath)
		fmt.Print(string(content))
		return nil
	},
}

var configScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the system for usable AWS profiles",
	Long: `Detect the AWS profiles configured on this machine and report which of
them are covered by the sweep accounts.

Examples:
  amicycle config scan`,
	RunE: runConfigScan,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configScanCmd)
}

// awsProfile describes one profile found in the AWS CLI configuration.
type awsProfile struct {
	Name   string
	Region string
	Source string
}

func runConfigScan(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("error finding home directory: %w", err)
	}

	profiles := scanAWSProfiles(home)
	if len(profiles) == 0 {
		fmt.Println("No AWS profiles detected.")
		return nil
	}

	swept := make(map[string]bool)
	for _, account := range configuredAccounts() {
		swept[account] = true
	}

	fmt.Println("AWS profiles on this machine:")
	for _, profile := range profiles {
		region := profile.Region
		if region == "" {
			region = "(no region)"
		}
		marker := ""
		if swept[profile.Name] {
			marker = " swept"
		}
		fmt.Printf("  - %s [%s] (%s)%s\n", profile.Name, region, profile.Source, marker)
	}
	return nil
}

// scanAWSProfiles merges the profiles from the AWS CLI credentials and
// config files. Regions from the config file fill gaps left by the
// credentials file.
func scanAWSProfiles(home string) []awsProfile {
	credProfiles := parseAWSINIFile(filepath.Join(home, ".aws", "credentials"), "credentials")
	configProfiles := parseAWSINIFile(filepath.Join(home, ".aws", "config"), "config")

	merged := make(map[string]*awsProfile)
	for _, p := range credProfiles {
		profile := p
		merged[p.Name] = &profile
	}
	for _, p := range configProfiles {
		if existing, ok := merged[p.Name]; ok {
			if existing.Region == "" {
				existing.Region = p.Region
			}
			continue
		}
		profile := p
		merged[p.Name] = &profile
	}

	profiles := make([]awsProfile, 0, len(merged))
	for _, p := range merged {
		profiles = append(profiles, *p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles
}

var (
	iniSectionPattern = regexp.MustCompile(`^\s*\[([^\]]+)\]\s*$`)
	iniKVPattern      = regexp.MustCompile(`^\s*([^=\s]+)\s*=\s*(.+?)\s*$`)
)

// parseAWSINIFile extracts profile names and regions from one AWS CLI
// INI file. Sections in the config file carry a "profile " prefix that
// the credentials file does not.
func parseAWSINIFile(path string, source string) []awsProfile {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var profiles []awsProfile
	var current *awsProfile

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()

		if matches := iniSectionPattern.FindStringSubmatch(line); len(matches) == 2 {
			if current != nil {
				profiles = append(profiles, *current)
			}
			name := strings.TrimSpace(matches[1])
			if source == "config" {
				name = strings.TrimPrefix(name, "profile ")
			}
			current = &awsProfile{Name: name, Source: source}
			continue
		}

		if current == nil {
			continue
		}
		if matches := iniKVPattern.FindStringSubmatch(line); len(matches) == 3 {
			if strings.EqualFold(strings.TrimSpace(matches[1]), "region") {
				current.Region = strings.TrimSpace(matches[2])
			}
		}
	}
	if current != nil {
		profiles = append(profiles, *current)
	}
	return profiles
}
