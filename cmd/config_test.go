package cmd

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeAWSFiles(t *testing.T, credentials, config string) string {
	t.Helper()
	home := t.TempDir()
	dir := filepath.Join(home, ".aws")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if credentials != "" {
		if err := os.WriteFile(filepath.Join(dir, "credentials"), []byte(credentials), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	if config != "" {
		if err := os.WriteFile(filepath.Join(dir, "config"), []byte(config), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return home
}

func TestScanAWSProfiles(t *testing.T) {
	home := writeAWSFiles(t, `[default]
aws_access_key_id = AKIAEXAMPLE
aws_secret_access_key = secret

[dev]
aws_access_key_id = AKIBEXAMPLE
aws_secret_access_key = secret
region = us-east-1
`, `[profile dev]
region = eu-west-1

[profile prod]
region = eu-west-2
output = json
`)

	got := scanAWSProfiles(home)
	want := []awsProfile{
		{Name: "default", Source: "credentials"},
		{Name: "dev", Region: "us-east-1", Source: "credentials"},
		{Name: "prod", Region: "eu-west-2", Source: "config"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("profiles = %+v, want %+v", got, want)
	}
}

func TestScanAWSProfilesConfigFillsRegion(t *testing.T) {
	home := writeAWSFiles(t, `[dev]
aws_access_key_id = AKIAEXAMPLE
`, `[profile dev]
region = eu-west-1
`)

	got := scanAWSProfiles(home)
	if len(got) != 1 || got[0].Region != "eu-west-1" || got[0].Source != "credentials" {
		t.Errorf("profiles = %+v, want dev from credentials with region eu-west-1", got)
	}
}

func TestScanAWSProfilesMissingFiles(t *testing.T) {
	if got := scanAWSProfiles(t.TempDir()); len(got) != 0 {
		t.Errorf("profiles = %+v, want none", got)
	}
}
