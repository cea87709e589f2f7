package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build workspaces from pristine snapshots plus patch sets",
	Long:  "Materialize each origin's workspace: the cached pristine tree with the persisted patch set applied on top.",
	Args:  cobra.NoArgs,
	RunE:  runBuild,
}

var buildForce bool

func init() {
	buildCmd.Flags().BoolVar(&buildForce, "force", false, "overwrite target directories that are not recorded workspaces")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) (err error) {
	project, err := openProject()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := project.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := project.Build(context.Background(), buildForce); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Workspace ready.")
	return nil
}
