package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/quelabs/quecore/pkg/plugin"
)

var validateCmd = &cobra.Command{
	Use:   "validate [manifest.json ...]",
	Short: "Validate configuration and plugin manifests",
	Long: `Without arguments, load and validate the configuration file. With
arguments, additionally validate each given plugin manifest.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Printf("configuration ok (data dir: %s)\n", cfg.DataDir)

	loader := plugin.NewManifestLoader(zerolog.Nop())
	failures := 0
	for _, path := range args {
		manifest, err := loader.Load(path)
		if err != nil {
			fmt.Printf("%s: INVALID: %v\n", path, err)
			failures++
			continue
		}
		fmt.Printf("%s: ok (%s %s, %d capabilities)\n",
			path, manifest.PluginID, manifest.Version, len(manifest.Capabilities))
	}
	if failures > 0 {
		return fmt.Errorf("%d manifest(s) failed validation", failures)
	}
	return nil
}
