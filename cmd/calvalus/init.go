package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bcdev/calvalus-portal/internal/setup"
)

func newInitCmd() *cobra.Command {
	var (
		dataDir string
		opts    setup.Options
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the data directory with a default config and an example request",
		Args:  cobra.NoArgs,
		// runs before any config exists
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dataDir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				dataDir = filepath.Join(home, ".calvalus")
			}
			path, err := setup.Run(dataDir, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s\n", path)
			fmt.Fprintf(out, "Example request: %s\n", filepath.Join(filepath.Dir(path), "examples", setup.ExampleFileName))
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.calvalus)")
	cmd.Flags().StringVar(&opts.User, "user", "", "portal user (default $USER)")
	cmd.Flags().StringVar(&opts.BackendURL, "backend-url", "", "portal backend URL")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "replace an existing config")
	return cmd
}
