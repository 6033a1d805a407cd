package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/cascade/internal/config"
	"github.com/untoldecay/cascade/internal/types"
)

var nextIDCmd = &cobra.Command{
	Use:   "next-id <kind>",
	Short: "Allocate the next node identifier for a kind",
	Long: `Increments the registry's counter for the given kind (project, epic,
feature, story, bug, phase, task — or the prefix letter) and prints the
allocated identifier. Allocation is durable: counters never move backwards,
even across crashes or soft-deleted items.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := types.ParseKind(args[0])
		if err != nil {
			return err
		}
		c, err := openComponents()
		if err != nil {
			return err
		}
		id, err := c.reg.NextID(kind)
		if err != nil {
			return err
		}
		if config.JSON() {
			outputJSON(map[string]string{"id": id.String()})
			return nil
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nextIDCmd)
}
