package main

import (
	"os"

	"github.com/cvanalytics/pipeline/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
