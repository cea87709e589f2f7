package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Distill workspace edits into patch sets",
	Long:  "Diff each workspace against its pristine base and rewrite the patch set directory. Running extract twice without edits produces identical files.",
	Args:  cobra.NoArgs,
	RunE:  runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) (err error) {
	project, err := openProject()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := project.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := project.Extract(context.Background()); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Patch sets updated.")
	return nil
}
