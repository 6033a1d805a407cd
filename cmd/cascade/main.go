// Package main implements the cascade CLI: watch, validate, repair,
// propagate, status, and ID allocation over one work-item hierarchy.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/untoldecay/cascade/internal/audit"
	"github.com/untoldecay/cascade/internal/config"
	"github.com/untoldecay/cascade/internal/engine"
	"github.com/untoldecay/cascade/internal/events"
	"github.com/untoldecay/cascade/internal/logging"
	"github.com/untoldecay/cascade/internal/registry"
	"github.com/untoldecay/cascade/internal/state"
	"github.com/untoldecay/cascade/internal/validation"
)

var (
	rootFlag   string
	jsonOutput bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "cascade",
	Short: "Hierarchical work-item state propagation engine",
	Long: `cascade maintains a tree of planning artifacts (Project, Epic, Feature,
Story, Bug, Phase, Task) stored as markdown files with per-directory
state.json aggregate records. When a leaf changes, progress and status roll
up to the root; divergent aggregates are auto-fixed on load.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if logLevel != "" {
			config.Set("log-level", logLevel)
		}
		if jsonOutput {
			config.Set("json", true)
		}
		logging.Setup(config.LogLevel(), "")
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "", "hierarchy root directory (default: discovered from CWD)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
}

// resolveRoot finds the hierarchy root: the --root flag, the configured
// root, or the nearest ancestor of CWD containing work-item-registry.json.
func resolveRoot() (string, error) {
	if rootFlag != "" {
		return filepath.Abs(rootFlag)
	}
	if configured := config.Root(); configured != "" {
		return filepath.Abs(configured)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, registry.FileName)); err == nil {
			return dir, nil
		}
		if dir == filepath.Dir(dir) {
			break
		}
	}
	return "", fmt.Errorf("no %s found in %s or any parent; use --root", registry.FileName, cwd)
}

// components is the wired engine for one hierarchy root.
type components struct {
	root      string
	reg       *registry.Registry
	store     *state.Store
	eng       *engine.Engine
	validator *validation.Validator
	bus       *events.Bus
}

// openComponents wires the registry, record store, engine, and validator
// for the resolved root.
func openComponents() (*components, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, err
	}
	bus := events.NewBus()
	auditLog := audit.NewLog(root)
	reg := registry.Open(root).WithLockTimeout(config.LockTimeout())
	store := state.NewStore(bus, auditLog)
	eng := engine.New(reg, store, bus, auditLog)
	return &components{
		root:      root,
		reg:       reg,
		store:     store,
		eng:       eng,
		validator: validation.New(reg, store, bus),
		bus:       bus,
	}, nil
}

// outputJSON prints v as indented JSON on stdout.
func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
