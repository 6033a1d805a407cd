package frontmatter

import (
	"bytes"
	"errors"
	"testing"

	"github.com/untoldecay/cascade/internal/types"
)

const sample = `---
id: S0001
kind: story
title: User login
status: in-progress
priority: high
parent: F0001
created: 2024-05-01
updated: 2024-05-03
---
# User login

Body text stays untouched.
`

func TestParseFields(t *testing.T) {
	doc, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	item, err := doc.WorkItem()
	if err != nil {
		t.Fatalf("WorkItem: %v", err)
	}
	if item.ID != "S0001" || item.Kind != types.KindStory {
		t.Errorf("id/kind = %s/%s", item.ID, item.Kind)
	}
	if item.Status != types.StatusInProgress {
		t.Errorf("status = %s", item.Status)
	}
	if item.Parent != "F0001" {
		t.Errorf("parent = %s", item.Parent)
	}
	if item.Title != "User login" {
		t.Errorf("title = %q", item.Title)
	}
}

func TestRoundTripCanonical(t *testing.T) {
	doc, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, err := doc.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !bytes.Equal(out, []byte(sample)) {
		t.Errorf("round trip changed content:\n--- in ---\n%s\n--- out ---\n%s", sample, out)
	}
}

func TestRoundTripCRLF(t *testing.T) {
	crlf := bytes.ReplaceAll([]byte(sample), []byte("\n"), []byte("\r\n"))
	doc, err := Parse(crlf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, err := doc.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !bytes.Equal(out, crlf) {
		t.Errorf("CRLF round trip changed content:\n%q\nvs\n%q", crlf, out)
	}
}

func TestUnknownKeysPreserved(t *testing.T) {
	in := "---\nid: T0001\nstatus: planned\nx_custom: keep me\n---\nbody\n"
	doc, err := Parse([]byte(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	doc.Set("status", "completed")
	out, err := doc.Emit()
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	want := "---\nid: T0001\nstatus: completed\nx_custom: keep me\n---\nbody\n"
	if string(out) != want {
		t.Errorf("got:\n%s\nwant:\n%s", out, want)
	}
}

func TestSetAppendsNewKey(t *testing.T) {
	doc, err := Parse([]byte("---\nid: T0001\n---\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	doc.Set("status", "planned")
	keys := doc.Keys()
	if len(keys) != 2 || keys[0] != "id" || keys[1] != "status" {
		t.Errorf("keys = %v", keys)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(error) bool
	}{
		{"no frontmatter", "# just markdown\n", func(err error) bool {
			return errors.Is(err, ErrNoFrontmatter)
		}},
		{"unclosed", "---\nid: T0001\n", func(err error) bool {
			return err != nil && !errors.Is(err, ErrNoFrontmatter)
		}},
		{"not a mapping", "---\n- a\n- b\n---\n", func(err error) bool {
			return errors.Is(err, ErrNotAMapping)
		}},
		{"bad yaml", "---\nid: [unclosed\n---\n", func(err error) bool {
			return err != nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			if !tt.check(err) {
				t.Errorf("Parse error = %v", err)
			}
		})
	}
}

func TestTagsList(t *testing.T) {
	in := "---\nid: T0001\ntags:\n  - auth\n  - backend\n---\n"
	doc, err := Parse([]byte(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	item, err := doc.WorkItem()
	if err != nil {
		t.Fatalf("WorkItem: %v", err)
	}
	if len(item.Tags) != 2 || item.Tags[0] != "auth" || item.Tags[1] != "backend" {
		t.Errorf("tags = %v", item.Tags)
	}
}

func TestMissingID(t *testing.T) {
	doc, err := Parse([]byte("---\ntitle: nameless\n---\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := doc.WorkItem(); err == nil {
		t.Error("WorkItem accepted frontmatter without id")
	}
}
