package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/cascade/internal/config"
	"github.com/untoldecay/cascade/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show a node's rolled-up status and progress",
	Long: `Shows the aggregate record of the given node, or of the project root
when no id is given. Loading a record reconciles it, so a divergent
aggregate is fixed (and reported) as a side effect of looking at it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openComponents()
		if err != nil {
			return err
		}

		var id types.NodeID
		if len(args) == 1 {
			id, err = types.ParseNodeID(args[0])
			if err != nil {
				return err
			}
		} else {
			id, err = projectRoot(c)
			if err != nil {
				return err
			}
		}

		path, ok, err := c.reg.RecordPathFor(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s is a leaf; leaves carry no aggregate record", id)
		}
		rec, err := c.store.Load(path)
		if err != nil {
			return err
		}

		if config.JSON() {
			outputJSON(rec)
			return nil
		}
		fmt.Printf("%s  %s  %d%%\n", rec.ID, rec.Status, rec.Progress.Percentage)
		fmt.Printf("  children: %d total, %d completed, %d in progress, %d planned, %d blocked\n",
			rec.Progress.TotalItems, rec.Progress.Completed, rec.Progress.InProgress,
			rec.Progress.Planned, rec.Progress.Blocked())
		fmt.Printf("  updated:  %s\n", rec.Updated)
		return nil
	},
}

// projectRoot finds the single live node without a parent.
func projectRoot(c *components) (types.NodeID, error) {
	snap, err := c.reg.Snapshot()
	if err != nil {
		return "", err
	}
	for id, entry := range snap.WorkItems {
		if !entry.Deleted && entry.Parent == "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("no project root in registry")
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
