// Package frontmatter parses and emits the YAML block at the head of a
// work-item markdown file. The body is carried byte-for-byte; the mapping is
// kept as a yaml document node so key order, unknown keys, and comments
// survive a round-trip.
package frontmatter

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/untoldecay/cascade/internal/types"
)

const delimiter = "---"

// ErrNoFrontmatter is returned when the file does not begin with the opening
// delimiter line.
var ErrNoFrontmatter = errors.New("no frontmatter block")

// ErrNotAMapping is returned when the block parses but is not a key→value
// mapping.
var ErrNotAMapping = errors.New("frontmatter is not a mapping")

// Document is a parsed markdown file: the frontmatter mapping plus the raw
// body. Line endings observed on parse are reused on emit.
type Document struct {
	mapping *yaml.Node // kind == yaml.MappingNode
	Body    string
	crlf    bool
}

// Parse splits content into frontmatter and body.
func Parse(content []byte) (*Document, error) {
	str := string(content)
	crlf := strings.Contains(str, "\r\n")
	normalized := str
	if crlf {
		normalized = strings.ReplaceAll(str, "\r\n", "\n")
	}

	if normalized != delimiter && !strings.HasPrefix(normalized, delimiter+"\n") {
		return nil, ErrNoFrontmatter
	}

	rest := strings.TrimPrefix(normalized, delimiter)
	rest = strings.TrimPrefix(rest, "\n")
	idx := strings.Index(rest, "\n"+delimiter)
	var block, body string
	if idx == -1 {
		// Closing delimiter may be the first line of rest (empty block) or
		// missing entirely.
		if strings.HasPrefix(rest, delimiter) {
			block, body = "", rest[len(delimiter):]
			body = strings.TrimPrefix(body, "\n")
		} else {
			return nil, fmt.Errorf("parsing frontmatter: unclosed block")
		}
	} else {
		block = rest[:idx]
		body = rest[idx+len("\n"+delimiter):]
		body = strings.TrimPrefix(body, "\n")
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(block), &doc); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}

	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if len(doc.Content) > 0 {
		if doc.Content[0].Kind != yaml.MappingNode {
			return nil, ErrNotAMapping
		}
		mapping = doc.Content[0]
	}

	if crlf {
		body = strings.ReplaceAll(body, "\n", "\r\n")
	}
	return &Document{mapping: mapping, Body: body, crlf: crlf}, nil
}

// Emit renders the document back to bytes. Key order observed on parse is
// preserved; keys added through Set are appended at the end of the mapping.
func (d *Document) Emit() ([]byte, error) {
	var yamlOut []byte
	if len(d.mapping.Content) > 0 {
		var err error
		yamlOut, err = yaml.Marshal(d.mapping)
		if err != nil {
			return nil, fmt.Errorf("emitting frontmatter: %w", err)
		}
	}

	var buf bytes.Buffer
	buf.WriteString(delimiter)
	buf.WriteString("\n")
	buf.Write(yamlOut)
	buf.WriteString(delimiter)
	buf.WriteString("\n")
	if d.crlf {
		out := strings.ReplaceAll(buf.String(), "\n", "\r\n")
		return []byte(out + d.Body), nil
	}
	buf.WriteString(d.Body)
	return buf.Bytes(), nil
}

// Get returns the scalar value for key, if present.
func (d *Document) Get(key string) (string, bool) {
	for i := 0; i+1 < len(d.mapping.Content); i += 2 {
		if d.mapping.Content[i].Value == key {
			return d.mapping.Content[i+1].Value, true
		}
	}
	return "", false
}

// GetList returns the sequence value for key as strings, if present.
func (d *Document) GetList(key string) ([]string, bool) {
	for i := 0; i+1 < len(d.mapping.Content); i += 2 {
		if d.mapping.Content[i].Value == key {
			val := d.mapping.Content[i+1]
			if val.Kind != yaml.SequenceNode {
				return nil, false
			}
			out := make([]string, 0, len(val.Content))
			for _, item := range val.Content {
				out = append(out, item.Value)
			}
			return out, true
		}
	}
	return nil, false
}

// Set updates the scalar value for key in place, or appends the key at the
// end of the mapping if absent.
func (d *Document) Set(key, value string) {
	for i := 0; i+1 < len(d.mapping.Content); i += 2 {
		if d.mapping.Content[i].Value == key {
			d.mapping.Content[i+1] = scalarNode(value)
			return
		}
	}
	d.mapping.Content = append(d.mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		scalarNode(value))
}

func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value, Style: 0}
}

// Keys returns the mapping keys in observed order.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.mapping.Content)/2)
	for i := 0; i+1 < len(d.mapping.Content); i += 2 {
		keys = append(keys, d.mapping.Content[i].Value)
	}
	return keys
}

// WorkItem extracts the typed fields of a work-item document. Missing or
// malformed required fields produce an error; optional fields default empty.
func (d *Document) WorkItem() (*types.WorkItem, error) {
	rawID, ok := d.Get("id")
	if !ok {
		return nil, fmt.Errorf("frontmatter missing required key %q", "id")
	}
	id, err := types.ParseNodeID(rawID)
	if err != nil {
		return nil, err
	}

	item := &types.WorkItem{ID: id, Kind: id.Kind()}
	if raw, ok := d.Get("kind"); ok {
		kind, err := types.ParseKind(raw)
		if err != nil {
			return nil, err
		}
		item.Kind = kind
	}
	if raw, ok := d.Get("status"); ok {
		status, err := types.ParseStatus(raw)
		if err != nil {
			return nil, err
		}
		item.Status = status
	} else {
		item.Status = types.StatusPlanned
	}
	if raw, ok := d.Get("parent"); ok && raw != "" && raw != "null" && raw != "~" {
		parent, err := types.ParseNodeID(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid parent: %w", err)
		}
		item.Parent = parent
	}
	item.Title, _ = d.Get("title")
	if raw, ok := d.Get("priority"); ok {
		item.Priority = types.Priority(raw)
	}
	if raw, ok := d.Get("complexity"); ok {
		item.Complexity = types.Complexity(raw)
	}
	item.Created, _ = d.Get("created")
	item.Updated, _ = d.Get("updated")
	item.Assignee, _ = d.Get("assignee")
	item.DueDate, _ = d.Get("due_date")
	if tags, ok := d.GetList("tags"); ok {
		item.Tags = tags
	}
	return item, nil
}
