package main

import (
	"os"

	"github.com/TheusHen/poqr/cmd/poqr/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
