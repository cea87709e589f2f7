package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Evict least-recently-used blobs from the content store",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

var gcMaxSize int64

func init() {
	gcCmd.Flags().Int64Var(&gcMaxSize, "max-size", 1<<30, "target store size in bytes")
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) (err error) {
	project, err := openProject()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := project.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	freed, err := project.GC(context.Background(), gcMaxSize)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Freed %d bytes.\n", freed)
	return nil
}
