package main

import (
	"os"
	"testing"

	"github.com/nimbusops/amicycle/cmd"
)

// TestExecuteHelp drives the whole command tree through its help path.
func TestExecuteHelp(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"amicycle", "--help"}
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}
