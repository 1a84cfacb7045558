package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSamplesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "samples",
		Short: "Inspect or clear recorded samples",
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all recorded samples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("refusing to delete samples without --yes")
			}
			return a.clearSamples(cmd)
		},
	}
	clearCmd.Flags().Bool("yes", false, "Confirm deletion")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "count",
			Short: "Print the number of recorded samples",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.countSamples(cmd)
			},
		},
		clearCmd,
	)
	return cmd
}

func (a *app) countSamples(cmd *cobra.Command) error {
	storage, err := a.openStorage(cmd.Context())
	if err != nil {
		return err
	}
	defer storage.Close()

	n, err := storage.CountSamples(cmd.Context())
	if err != nil {
		return fmt.Errorf("count samples: %w", err)
	}

	if a.jsonOutput() {
		return writeJSON(cmd.OutOrStdout(), map[string]int64{"samples": n})
	}
	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func (a *app) clearSamples(cmd *cobra.Command) error {
	storage, err := a.openStorage(cmd.Context())
	if err != nil {
		return err
	}
	defer storage.Close()

	n, err := storage.CountSamples(cmd.Context())
	if err != nil {
		return fmt.Errorf("count samples: %w", err)
	}
	if err := storage.DeleteAllSamples(cmd.Context()); err != nil {
		return fmt.Errorf("delete samples: %w", err)
	}

	a.logger.WithField("samples", n).Info("Samples deleted")
	return nil
}
