package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deepakbhatia/LLMChat-experiments/internal/config"
	"github.com/deepakbhatia/LLMChat-experiments/internal/engine"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List available models",
	Long: `List every model the server knows: the built-in set plus any
models added in configuration.`,
	RunE: runModels,
}

func runModels(cmd *cobra.Command, args []string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	registry := engine.NewRegistry()
	if err := registry.RegisterConfigs(appConfig.Models); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND")
	for _, kind := range []engine.Kind{engine.KindCompletion, engine.KindEmbedding} {
		for _, name := range registry.Names(kind) {
			fmt.Fprintf(w, "%s\t%s\n", name, kind)
		}
	}
	return w.Flush()
}
