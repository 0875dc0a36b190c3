package main

import (
	"fmt"
	"os"

	"autoppm/internal/cli"
	"autoppm/internal/logging"
)

func main() {
	logger := logging.NewLogger()
	if err := cli.NewRootCmd(logger).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
