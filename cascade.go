// Package cascade provides a minimal public API for embedding the state
// propagation engine in other tools.
//
// Most integrations should run the cascade CLI and consume the observer
// channel. This package exports only the essential types and constructors
// needed by Go programs that want to drive propagation programmatically.
package cascade

import (
	"github.com/untoldecay/cascade/internal/audit"
	"github.com/untoldecay/cascade/internal/engine"
	"github.com/untoldecay/cascade/internal/events"
	"github.com/untoldecay/cascade/internal/registry"
	"github.com/untoldecay/cascade/internal/state"
	"github.com/untoldecay/cascade/internal/types"
	"github.com/untoldecay/cascade/internal/validation"
)

// Core types from internal/types
type (
	NodeID          = types.NodeID
	Kind            = types.Kind
	Status          = types.Status
	ProgressMetrics = types.ProgressMetrics
	ChildSummary    = types.ChildSummary
	WorkItem        = types.WorkItem
	RegistryEntry   = types.RegistryEntry
	Diagnostic      = types.Diagnostic
	Severity        = types.Severity
	ErrorKind       = types.ErrorKind
)

// Engine and store types
type (
	Engine    = engine.Engine
	Registry  = registry.Registry
	Store     = state.Store
	Record    = state.Record
	Validator = validation.Validator
	Bus       = events.Bus
	Event     = events.Event
	AuditLog  = audit.Log
)

// Kind constants
const (
	KindProject = types.KindProject
	KindEpic    = types.KindEpic
	KindFeature = types.KindFeature
	KindStory   = types.KindStory
	KindBug     = types.KindBug
	KindPhase   = types.KindPhase
	KindTask    = types.KindTask
)

// Status constants
const (
	StatusPlanned    = types.StatusPlanned
	StatusInProgress = types.StatusInProgress
	StatusCompleted  = types.StatusCompleted
	StatusBlocked    = types.StatusBlocked
)

// Hierarchy is a fully wired engine for one root directory.
type Hierarchy struct {
	Root      string
	Registry  *Registry
	Store     *Store
	Engine    *Engine
	Validator *Validator
	Events    *Bus
	Audit     *AuditLog
}

// Open wires the registry, record store, propagation engine, and validator
// for the hierarchy rooted at root. Nothing is read until the first
// operation.
func Open(root string) *Hierarchy {
	bus := events.NewBus()
	auditLog := audit.NewLog(root)
	reg := registry.Open(root)
	store := state.NewStore(bus, auditLog)
	return &Hierarchy{
		Root:      root,
		Registry:  reg,
		Store:     store,
		Engine:    engine.New(reg, store, bus, auditLog),
		Validator: validation.New(reg, store, bus),
		Events:    bus,
		Audit:     auditLog,
	}
}

// ParseNodeID validates a node identifier like E0003 or PH0001.
func ParseNodeID(s string) (NodeID, error) {
	return types.ParseNodeID(s)
}

// Slugify derives a directory slug from a work-item title.
func Slugify(title string) string {
	return types.Slugify(title)
}
