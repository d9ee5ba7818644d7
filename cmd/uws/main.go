package main

import (
	"os"

	"github.com/psantana5/uws-client/cmd/uws/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
