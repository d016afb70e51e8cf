package main

import (
	"os"

	"github.com/bmcallister/signalhook/cmd/hookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
