package main

import (
	"os"

	"github.com/direct-connect/dcpp-engine/cmd/dcclient/cmd"
)

func main() {
	if err := cmd.Root.Execute(); err != nil {
		os.Exit(1)
	}
}
