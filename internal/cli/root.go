// Package cli is the command line surface of the release generator.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"releasegen/internal/config"
	"releasegen/internal/output"
)

// Global flags.
type globals struct {
	configFile string
	verbose    bool
	cfg        *config.Config
}

// NewRootCmd builds the releasegen command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "releasegen",
		Short: "Generate RF2 terminology release files",
		Long: `releasegen turns authored RF2 Delta files into a release: it mints
durable identifiers, merges the previously published Full release, and
writes the new Delta, Full and Snapshot files.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.init()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "path to config file (env: RELEASEGEN_CONFIG)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "increase output verbosity")

	root.AddCommand(
		newBuildCmd(g),
		newServeCmd(g),
		newRecognizeCmd(),
		newVersionCmd(),
	)
	return root
}

// init loads configuration and sets up logging.
func (g *globals) init() error {
	file := g.configFile
	if file == "" {
		file = os.Getenv("RELEASEGEN_CONFIG")
	}
	cfg, err := config.NewLoader().LoadWithDefaults(file)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if g.verbose {
		cfg.Log.Verbose = true
	}
	g.cfg = cfg

	output.SetupLogging(output.LogConfig{Verbose: cfg.Log.Verbose, Timestamps: cfg.Log.Timestamps})
	output.Debug("releasegen started", "version", Version, "config", file)
	return nil
}
