package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"frameforge/internal/config"
)

// Run executes the command line in args against this root.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := NewRootCmd(r)
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(r.out)
	return cmd.ExecuteContext(ctx)
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(root.out, "# %s\n", config.Path())
			data, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(root.out, string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and stage pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			if _, err := config.LoadPipelines(root.cfg.Paths.PipelinesFile); err != nil {
				return err
			}
			fmt.Fprintln(root.out, "configuration ok")
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path()
			if len(args) == 1 {
				path = args[0]
			}
			path, err := config.ExpandUser(path)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(root.out, "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "pipelines",
		Short: "Print the stage sequence for each observation type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := config.LoadPipelines(root.cfg.Paths.PipelinesFile)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(root.out)
			enc.SetIndent(2)
			if err := enc.Encode(defs); err != nil {
				return err
			}
			return enc.Close()
		},
	})

	return cmd
}
