package main

import (
	"fmt"
	"os"

	"forecast-mcp/cmd/forecast-mcp/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
