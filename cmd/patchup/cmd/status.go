package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/patchup/patchup"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace changes relative to pristine bases",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var statusWatch bool

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "re-run on workspace changes")
	rootCmd.AddCommand(statusCmd)
}

var (
	addColor    = color.New(color.FgGreen)
	removeColor = color.New(color.FgRed)
	modifyColor = color.New(color.FgYellow)
	renameColor = color.New(color.FgCyan)
)

func runStatus(cmd *cobra.Command, args []string) (err error) {
	project, err := openProject()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := project.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := printStatus(project); err != nil {
		return err
	}
	if !statusWatch {
		return nil
	}
	return watchStatus(project)
}

func printStatus(project *patchup.Project) error {
	statuses, err := project.Status(context.Background())
	if err != nil {
		return err
	}

	for _, st := range statuses {
		fmt.Printf("%s (%s)\n", st.Origin.Target, st.Origin.Origin())
		if !st.Built {
			fmt.Println("  not built")
			continue
		}
		if len(st.Changes) == 0 {
			fmt.Println("  clean")
			continue
		}
		for _, e := range st.Changes {
			printChange(e)
		}
	}
	return nil
}

func printChange(e patchup.PatchEntry) {
	switch e.Op {
	case patchup.OpAdd:
		addColor.Printf("  A %s\n", e.Path)
	case patchup.OpRemove:
		removeColor.Printf("  D %s\n", e.Path)
	case patchup.OpModify:
		modifyColor.Printf("  M %s\n", e.Path)
	case patchup.OpRename:
		renameColor.Printf("  R %s -> %s\n", e.OldPath, e.Path)
	}
}

// watchStatus re-renders whenever a watched workspace changes. Events
// are debounced so editor save bursts produce one refresh.
func watchStatus(project *patchup.Project) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, mo := range project.Manifest().Origins {
		if err := watchTree(watcher, filepath.Join(projectRoot(), filepath.FromSlash(mo.Target))); err != nil {
			return err
		}
	}

	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					watchTree(watcher, ev.Name)
				}
			}
			pending = time.After(250 * time.Millisecond)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch: %v\n", werr)
		case <-pending:
			pending = nil
			fmt.Println()
			if err := printStatus(project); err != nil {
				fmt.Fprintf(os.Stderr, "status: %v\n", err)
			}
		}
	}
}

func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		if d.Name() == ".patchup" {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
