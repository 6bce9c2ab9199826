package main

import (
	"os"

	"github.com/oruen/llmcheck/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
