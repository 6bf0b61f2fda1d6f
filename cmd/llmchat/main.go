// Package main is the entry point for the llmchat server CLI.
package main

import (
	"os"

	"github.com/deepakbhatia/LLMChat-experiments/cmd/llmchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
