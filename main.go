package main

import (
	"os"

	"github.com/nimbusops/amicycle/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
