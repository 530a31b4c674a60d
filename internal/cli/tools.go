package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/quelabs/quecore/pkg/runtime"
)

var toolsJSON bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List registered tools",
	Long: `Build the runtime from configuration, load plugins, and print every
registered tool with its permission level and source.`,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "emit descriptors as JSON")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := runtime.New(cfg, zerolog.Nop(), runtime.Options{})
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}
	defer rt.Stop(ctx)

	tools := rt.ListTools()
	if toolsJSON {
		return json.NewEncoder(os.Stdout).Encode(tools)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPERMISSION\tSOURCE\tDESCRIPTION")
	for _, tool := range tools {
		source := tool.SourcePlugin
		if source == "" {
			source = "builtin"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", tool.Name, tool.Permission, source, tool.Description)
	}
	return w.Flush()
}
