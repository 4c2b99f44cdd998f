package main

import (
	"os"

	"github.com/querydesk/querydesk/cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
