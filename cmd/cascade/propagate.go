package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var propagateCmd = &cobra.Command{
	Use:   "propagate <path>...",
	Short: "Propagate changes from the given paths",
	Long: `Runs one propagation batch from the given record or markdown paths,
exactly as the watcher would after a debounce window closes. Useful after
editing files while the watch daemon was not running.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openComponents()
		if err != nil {
			return err
		}
		paths := make([]string, 0, len(args))
		for _, arg := range args {
			abs, err := filepath.Abs(arg)
			if err != nil {
				return fmt.Errorf("resolving %s: %w", arg, err)
			}
			paths = append(paths, abs)
		}
		return c.eng.PropagateBatch(paths)
	},
}

func init() {
	rootCmd.AddCommand(propagateCmd)
}
