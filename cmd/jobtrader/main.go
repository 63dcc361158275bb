package main

import (
	"os"

	"github.com/rustyeddy/jobtrader/cmd/jobtrader/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
