package main

import (
	"os"

	"github.com/opd-ai/xdcc/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
