// Package types defines the core vocabulary of the cascade hierarchy:
// node identifiers, kinds, statuses, progress metrics, and registry entries.
// Everything else in the engine is expressed in terms of these types.
package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the level of a work item in the hierarchy.
type Kind string

const (
	KindProject Kind = "project"
	KindEpic    Kind = "epic"
	KindFeature Kind = "feature"
	KindStory   Kind = "story"
	KindBug     Kind = "bug"
	KindPhase   Kind = "phase"
	KindTask    Kind = "task"
)

// kindPrefixes maps each kind to its ID prefix letter(s).
var kindPrefixes = map[Kind]string{
	KindProject: "P",
	KindEpic:    "E",
	KindFeature: "F",
	KindStory:   "S",
	KindBug:     "B",
	KindPhase:   "PH",
	KindTask:    "T",
}

// parentKinds is the permitted parent-of table. A child kind maps to the set
// of kinds its parent entry may have. Project has no parent.
var parentKinds = map[Kind][]Kind{
	KindEpic:    {KindProject},
	KindFeature: {KindEpic},
	KindStory:   {KindFeature},
	KindBug:     {KindFeature},
	KindPhase:   {KindStory, KindBug},
	KindTask:    {KindStory, KindBug, KindPhase},
}

// AllKinds lists every kind in hierarchy order.
func AllKinds() []Kind {
	return []Kind{KindProject, KindEpic, KindFeature, KindStory, KindBug, KindPhase, KindTask}
}

// Prefix returns the ID prefix for the kind ("P", "E", ..., "PH", "T").
func (k Kind) Prefix() string {
	return kindPrefixes[k]
}

// Valid reports whether k is one of the seven known kinds.
func (k Kind) Valid() bool {
	_, ok := kindPrefixes[k]
	return ok
}

// IsLeaf reports whether nodes of this kind carry no aggregate record.
// Task is always a leaf; every other kind owns a state.json.
func (k Kind) IsLeaf() bool {
	return k == KindTask
}

// CanHaveParent reports whether a node of kind child may have a parent of
// kind parent. Project never has a parent.
func CanHaveParent(parent, child Kind) bool {
	for _, p := range parentKinds[child] {
		if p == parent {
			return true
		}
	}
	return false
}

// ParseKind parses a kind name or prefix letter, case-insensitively.
func ParseKind(s string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for _, k := range AllKinds() {
		if normalized == string(k) || strings.EqualFold(s, k.Prefix()) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown kind %q", s)
}

// NodeID is a typed identifier like P0001, E0003, or PH0012: a kind prefix
// followed by a zero-padded counter, globally unique within one hierarchy.
type NodeID string

// nodeIDPattern matches PH before P so phase IDs parse correctly.
var nodeIDPattern = regexp.MustCompile(`^(PH|P|E|F|S|B|T)(\d{4,})$`)

// ParseNodeID validates and returns the typed identifier.
func ParseNodeID(s string) (NodeID, error) {
	if !nodeIDPattern.MatchString(s) {
		return "", fmt.Errorf("malformed node id %q", s)
	}
	return NodeID(s), nil
}

// MakeNodeID builds an ID from a kind and counter value, zero-padded to at
// least four digits.
func MakeNodeID(kind Kind, n int) NodeID {
	return NodeID(fmt.Sprintf("%s%04d", kind.Prefix(), n))
}

// Kind returns the kind encoded in the ID prefix, or "" for malformed IDs.
func (id NodeID) Kind() Kind {
	m := nodeIDPattern.FindStringSubmatch(string(id))
	if m == nil {
		return ""
	}
	for k, prefix := range kindPrefixes {
		if prefix == m[1] {
			return k
		}
	}
	return ""
}

// Seq returns the numeric suffix, or -1 for malformed IDs.
func (id NodeID) Seq() int {
	m := nodeIDPattern.FindStringSubmatch(string(id))
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return -1
	}
	return n
}

// Valid reports whether the ID parses as kind prefix + counter.
func (id NodeID) Valid() bool {
	return nodeIDPattern.MatchString(string(id))
}

func (id NodeID) String() string { return string(id) }

// Status is the workflow state of a work item. The engine treats it as a
// tag; ordering is a UI concern.
type Status string

const (
	StatusPlanned    Status = "planned"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

// ParseStatus normalizes user- and file-supplied status spellings.
func ParseStatus(s string) (Status, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	switch Status(normalized) {
	case StatusPlanned, StatusInProgress, StatusCompleted, StatusBlocked:
		return Status(normalized), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPlanned, StatusInProgress, StatusCompleted, StatusBlocked:
		return true
	}
	return false
}

// Priority of a work item.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Complexity of a work item.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityMedium      Complexity = "medium"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very-complex"
)

// ProgressMetrics is the children-derived rollup stored in an aggregate
// record. Blocked is implicit: TotalItems - Completed - InProgress - Planned.
type ProgressMetrics struct {
	TotalItems int `json:"total_items"`
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Planned    int `json:"planned"`
	Percentage int `json:"percentage"`
}

// Blocked returns the implicit blocked-child count.
func (p ProgressMetrics) Blocked() int {
	return p.TotalItems - p.Completed - p.InProgress - p.Planned
}

// Equal compares field-wise on the derived metrics.
func (p ProgressMetrics) Equal(other ProgressMetrics) bool {
	return p == other
}

// ChildSummary is one entry in an aggregate record's children map.
type ChildSummary struct {
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
}

// WorkItem is the typed view of a node's markdown frontmatter.
type WorkItem struct {
	ID         NodeID
	Kind       Kind
	Title      string
	Status     Status
	Priority   Priority
	Complexity Complexity
	Parent     NodeID // empty for the Project root
	Created    string // day precision, YYYY-MM-DD
	Updated    string
	Assignee   string
	Tags       []string
	DueDate    string
}

// RegistryEntry is one row of the master registry. Entries are never
// removed; deletion is a soft flag so historical IDs stay reserved.
type RegistryEntry struct {
	ID      NodeID `json:"id"`
	Kind    Kind   `json:"kind"`
	Path    string `json:"path"` // relative to the hierarchy root
	Title   string `json:"title"`
	Status  Status `json:"status"`
	Parent  NodeID `json:"parent,omitempty"`
	Created string `json:"created"`
	Updated string `json:"updated"`
	Deleted bool   `json:"deleted,omitempty"`
}

// ErrorKind names a failure by its effect, for the observer channel.
type ErrorKind string

const (
	ErrNoFrontmatter      ErrorKind = "no_frontmatter"
	ErrInvalidSyntax      ErrorKind = "invalid_syntax"
	ErrMissingRecord      ErrorKind = "missing_record"
	ErrOrphanedChild      ErrorKind = "orphaned_child"
	ErrMalformedHierarchy ErrorKind = "malformed_hierarchy"
	ErrCycleDetected      ErrorKind = "cycle_detected"
	ErrCorruptRecord      ErrorKind = "corrupt_record"
	ErrIO                 ErrorKind = "io_error"
)

// TimestampLayout is the wire format for record timestamps: ISO-8601 UTC
// with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the record wire format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// DateLayout is the day-precision format used in frontmatter.
const DateLayout = "2006-01-02"

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a directory slug from a title: lowercase, non-alphanumeric
// runs collapsed to single hyphens, leading/trailing hyphens trimmed.
// Deterministic and idempotent.
func Slugify(title string) string {
	s := strings.ToLower(title)
	s = slugStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Severity grades a validator diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one structural-integrity finding from the validator.
type Diagnostic struct {
	Check    string   `json:"check"` // V1..V8
	Severity Severity `json:"severity"`
	NodeID   NodeID   `json:"node_id,omitempty"`
	Path     string   `json:"path,omitempty"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	loc := string(d.NodeID)
	if loc == "" {
		loc = d.Path
	}
	return fmt.Sprintf("[%s/%s] %s: %s", d.Check, d.Severity, loc, d.Message)
}
