package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/untoldecay/cascade/internal/types"
)

func TestAppendCreatesFile(t *testing.T) {
	root := t.TempDir()
	l := NewLog(root)

	id, err := l.Append(&Entry{Kind: "autofix", NodeID: "S0001"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id == "" {
		t.Error("empty entry id")
	}
	if _, err := os.Stat(filepath.Join(root, DirName, FileName)); err != nil {
		t.Errorf("audit file not created: %v", err)
	}
}

func TestAppendRequiresKind(t *testing.T) {
	l := NewLog(t.TempDir())
	if _, err := l.Append(&Entry{}); err == nil {
		t.Error("entry without kind accepted")
	}
	if _, err := l.Append(nil); err == nil {
		t.Error("nil entry accepted")
	}
}

func TestAutoFixEntryShape(t *testing.T) {
	root := t.TempDir()
	l := NewLog(root)

	before := types.ProgressMetrics{TotalItems: 2, Percentage: 0}
	after := types.ProgressMetrics{TotalItems: 2, Completed: 2, Percentage: 100}
	l.AutoFix("S0001", "S0001-x/state.json", before, after)
	l.ChainAborted("S0001-x/state.json", types.ErrCycleDetected, "cycle through F0001")

	f, err := os.Open(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	fix := entries[0]
	if fix.Kind != "autofix" || fix.NodeID != "S0001" {
		t.Errorf("autofix entry = %+v", fix)
	}
	if fix.Before == nil || fix.Before.Percentage != 0 || fix.After == nil || fix.After.Percentage != 100 {
		t.Errorf("autofix metrics = %+v / %+v", fix.Before, fix.After)
	}
	if fix.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}

	abort := entries[1]
	if abort.Kind != "chain_aborted" || abort.ErrorKind != types.ErrCycleDetected {
		t.Errorf("abort entry = %+v", abort)
	}
}

// Appends are strictly additive: a second append leaves the first line
// untouched.
func TestAppendOnly(t *testing.T) {
	l := NewLog(t.TempDir())
	if _, err := l.Append(&Entry{Kind: "autofix", NodeID: "S0001"}); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(&Entry{Kind: "autofix", NodeID: "S0002"}); err != nil {
		t.Fatal(err)
	}
	both, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(both) <= len(first) || string(both[:len(first)]) != string(first) {
		t.Error("existing audit lines were modified")
	}
}
