package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Publish cached pristine snapshots to the configured OCI remote",
	Args:  cobra.NoArgs,
	RunE:  runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) (err error) {
	project, err := openProject()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := project.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := project.Push(context.Background()); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Snapshots pushed.")
	return nil
}
