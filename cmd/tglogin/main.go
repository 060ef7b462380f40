package main

import (
	"os"

	"github.com/majorcontext/tglogin/cmd/tglogin/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
