package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/cascade/internal/config"
	"github.com/untoldecay/cascade/internal/types"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the structural integrity of the hierarchy",
	Long: `Runs the full set of integrity checks read-only: dangling parents,
kind-incompatible edges, cycles, stale or missing aggregate records,
divergent aggregates, orphan record files, and duplicate IDs.

Exits non-zero if any error-severity diagnostic is found.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openComponents()
		if err != nil {
			return err
		}
		diags, err := c.validator.ValidateHierarchy()
		if err != nil {
			return err
		}
		printDiagnostics(diags)
		if hasErrors(diags) {
			os.Exit(1)
		}
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Apply safe fixes to the hierarchy",
	Long: `Regenerates missing aggregate records from existing children, strips
stale child entries, and re-reconciles divergent aggregates. Registry
entries are never created or deleted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openComponents()
		if err != nil {
			return err
		}
		repaired, err := c.validator.RepairHierarchy()
		if err != nil {
			return err
		}
		if config.JSON() {
			outputJSON(repaired)
			return nil
		}
		if len(repaired) == 0 {
			fmt.Println("Nothing to repair")
			return nil
		}
		for _, d := range repaired {
			fmt.Println(d.String())
		}
		fmt.Printf("%d repair(s) applied\n", len(repaired))
		return nil
	},
}

func printDiagnostics(diags []types.Diagnostic) {
	if config.JSON() {
		if diags == nil {
			diags = []types.Diagnostic{}
		}
		outputJSON(diags)
		return
	}
	if len(diags) == 0 {
		fmt.Println("Hierarchy is consistent")
		return
	}
	for _, d := range diags {
		fmt.Println(d.String())
	}
}

func hasErrors(diags []types.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == types.SeverityError {
			return true
		}
	}
	return false
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(repairCmd)
}
