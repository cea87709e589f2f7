package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Fetch and cache pristine upstream snapshots",
	Long:  "Resolve every origin declared in the manifest into the content store. Already-cached origins are skipped unless --refresh is set.",
	Args:  cobra.NoArgs,
	RunE:  runResolve,
}

var resolveRefresh bool

func init() {
	resolveCmd.Flags().BoolVar(&resolveRefresh, "refresh", false, "re-fetch even when cached (re-pins floating refs)")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) (err error) {
	project, err := openProject()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := project.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	snapshots, err := project.ResolveAll(context.Background(), resolveRefresh)
	if err != nil {
		return err
	}

	for i, mo := range project.Manifest().Origins {
		fmt.Fprintf(os.Stderr, "%s -> %s (%d files)\n",
			mo.Origin(), snapshots[i].Digest.Short(), len(snapshots[i].Tree))
	}
	return nil
}
