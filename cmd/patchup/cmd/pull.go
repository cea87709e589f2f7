package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch pristine snapshots from the configured OCI remote",
	Args:  cobra.NoArgs,
	RunE:  runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) (err error) {
	project, err := openProject()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := project.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := project.Pull(context.Background()); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Snapshots pulled.")
	return nil
}
