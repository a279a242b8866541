// Package fragment reads and writes rustdoc trait implementor scripts
// (implementors/**/trait.*.js and trait.impl/**/trait.*.js).
package fragment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/jcdickinson/implindex/internal/registry"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

// ErrNoImplementors is returned when a script has no implementors declaration.
var ErrNoImplementors = errors.New("fragment: no implementors declaration")

// Meta is the trailing provenance comment rustdoc appends to a fragment:
// the byte offset of the first crate element and the length of each one.
type Meta struct {
	Start           int   `json:"start"`
	FragmentLengths []int `json:"fragment_lengths"`
}

// Parsed is the result of parsing one fragment script.
type Parsed struct {
	Implementors registry.Implementors
	Meta         *Meta
	// Form names the literal shape that carried the mapping:
	// "object", "fromEntries", "json" or "assign".
	Form string
}

// Parse extracts the implementors mapping and trailing metadata from a
// fragment script. A crate repeated inside one script keeps its last value.
func Parse(ctx context.Context, src []byte) (*Parsed, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parsing fragment script: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()

	value := findImplementorsValue(root, src)
	if value == nil {
		return nil, ErrNoImplementors
	}

	impls, form, err := decodeValue(value, src)
	if err != nil {
		return nil, err
	}

	// Older rustdoc declared an empty object and assigned each crate.
	assigned, err := collectAssignments(root, src)
	if err != nil {
		return nil, err
	}
	if len(assigned) > 0 {
		form = "assign"
		for _, a := range assigned {
			impls[a.crate] = a.entries
		}
	}

	return &Parsed{
		Implementors: impls,
		Meta:         trailingMeta(root, src),
		Form:         form,
	}, nil
}

// findImplementorsValue returns the initializer of `var implementors = ...`.
func findImplementorsValue(n *sitter.Node, src []byte) *sitter.Node {
	if n.Type() == "variable_declarator" {
		name := n.ChildByFieldName("name")
		if name != nil && name.Content(src) == "implementors" {
			return n.ChildByFieldName("value")
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if v := findImplementorsValue(n.NamedChild(i), src); v != nil {
			return v
		}
	}
	return nil
}

func decodeValue(value *sitter.Node, src []byte) (registry.Implementors, string, error) {
	switch value.Type() {
	case "object":
		impls, err := decodeObject(value.Content(src))
		return impls, "object", err

	case "call_expression":
		fn := value.ChildByFieldName("function")
		args := value.ChildByFieldName("arguments")
		if fn == nil || args == nil || args.NamedChildCount() == 0 {
			return nil, "", fmt.Errorf("unsupported implementors initializer %q", shorten(value.Content(src)))
		}
		arg := args.NamedChild(0)

		switch fn.Content(src) {
		case "Object.fromEntries":
			if arg.Type() != "array" {
				return nil, "", fmt.Errorf("Object.fromEntries argument is %s, want array", arg.Type())
			}
			impls, err := decodeEntries(arg.Content(src))
			return impls, "fromEntries", err
		case "JSON.parse":
			if arg.Type() != "string" {
				return nil, "", fmt.Errorf("JSON.parse argument is %s, want string", arg.Type())
			}
			impls, err := decodeObject(unquoteJS(arg.Content(src)))
			return impls, "json", err
		}
		return nil, "", fmt.Errorf("unsupported implementors call %q", fn.Content(src))
	}

	return nil, "", fmt.Errorf("unsupported implementors initializer of type %s", value.Type())
}

type assignment struct {
	crate   string
	entries registry.CrateIndex
}

// collectAssignments finds `implementors["crate"] = [...]` statements in
// source order.
func collectAssignments(n *sitter.Node, src []byte) ([]assignment, error) {
	var out []assignment
	var walk func(*sitter.Node) error
	walk = func(n *sitter.Node) error {
		if n.Type() == "assignment_expression" {
			left := n.ChildByFieldName("left")
			right := n.ChildByFieldName("right")
			if left != nil && right != nil && left.Type() == "subscript_expression" {
				obj := left.ChildByFieldName("object")
				idx := left.ChildByFieldName("index")
				if obj != nil && idx != nil && obj.Content(src) == "implementors" && idx.Type() == "string" {
					var entries registry.CrateIndex
					if err := json.Unmarshal([]byte(right.Content(src)), &entries); err != nil {
						return fmt.Errorf("decoding assigned entries: %w", err)
					}
					if entries == nil {
						entries = registry.CrateIndex{}
					}
					out = append(out, assignment{crate: unquoteJS(idx.Content(src)), entries: entries})
				}
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if err := walk(n.NamedChild(i)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(n); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeObject decodes {"crate": [...], ...}. encoding/json keeps the last
// value for a repeated key.
func decodeObject(text string) (registry.Implementors, error) {
	impls := make(registry.Implementors)
	if err := json.Unmarshal([]byte(text), &impls); err != nil {
		return nil, fmt.Errorf("decoding implementors object: %w", err)
	}
	return normalize(impls), nil
}

// decodeEntries decodes [["crate", [...]], ...].
func decodeEntries(text string) (registry.Implementors, error) {
	var pairs [][]json.RawMessage
	if err := json.Unmarshal([]byte(text), &pairs); err != nil {
		return nil, fmt.Errorf("decoding implementors entries: %w", err)
	}

	impls := make(registry.Implementors, len(pairs))
	for i, pair := range pairs {
		if len(pair) != 2 {
			return nil, fmt.Errorf("implementors entry %d has %d elements, want 2", i, len(pair))
		}
		var crate string
		if err := json.Unmarshal(pair[0], &crate); err != nil {
			return nil, fmt.Errorf("decoding crate name of entry %d: %w", i, err)
		}
		var entries registry.CrateIndex
		if err := json.Unmarshal(pair[1], &entries); err != nil {
			return nil, fmt.Errorf("decoding entries for %s: %w", crate, err)
		}
		impls[crate] = entries
	}
	return normalize(impls), nil
}

// normalize turns a JSON null or missing list into an empty, present one.
func normalize(impls registry.Implementors) registry.Implementors {
	for crate, entries := range impls {
		if entries == nil {
			impls[crate] = registry.CrateIndex{}
		}
	}
	return impls
}

// trailingMeta decodes the last top-level `//{...}` comment, if any.
func trailingMeta(root *sitter.Node, src []byte) *Meta {
	for i := int(root.ChildCount()) - 1; i >= 0; i-- {
		child := root.Child(i)
		if child.Type() != "comment" {
			continue
		}
		text := strings.TrimSpace(strings.TrimPrefix(child.Content(src), "//"))
		if !strings.HasPrefix(text, "{") {
			continue
		}
		var meta Meta
		if err := json.Unmarshal([]byte(text), &meta); err != nil {
			continue
		}
		return &meta
	}
	return nil
}

// unquoteJS strips the quotes of a single- or double-quoted JS string literal
// and resolves the escapes rustdoc produces inside JSON.parse('...').
func unquoteJS(lit string) string {
	if len(lit) >= 2 {
		lit = lit[1 : len(lit)-1]
	}
	var b strings.Builder
	b.Grow(len(lit))
	for i := 0; i < len(lit); i++ {
		c := lit[i]
		if c != '\\' || i+1 == len(lit) {
			b.WriteByte(c)
			continue
		}
		i++
		switch lit[i] {
		case '\\', '\'', '"':
			b.WriteByte(lit[i])
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte('\\')
			b.WriteByte(lit[i])
		}
	}
	return b.String()
}

var fragmentDirs = []string{"implementors", "trait.impl"}

// TraitFromPath derives a trait path from a fragment file path or URL path:
// ".../trait.impl/axio/trait.Read.js" becomes "axio::Read".
func TraitFromPath(p string) (string, error) {
	p = filepath.ToSlash(p)
	segments := strings.Split(strings.Trim(p, "/"), "/")

	start := -1
	for i := len(segments) - 1; i >= 0; i-- {
		if isFragmentDir(segments[i]) {
			start = i + 1
			break
		}
	}
	if start < 0 || start >= len(segments)-1 {
		return "", fmt.Errorf("%s is not under an implementors directory", p)
	}

	file := path.Base(p)
	if !strings.HasPrefix(file, "trait.") || !strings.HasSuffix(file, ".js") {
		return "", fmt.Errorf("%s is not a trait fragment", file)
	}
	name := strings.TrimSuffix(strings.TrimPrefix(file, "trait."), ".js")
	if name == "" {
		return "", fmt.Errorf("%s has an empty trait name", file)
	}

	modules := segments[start : len(segments)-1]
	return strings.Join(append(modules, name), "::"), nil
}

// IsFragmentPath reports whether p looks like a trait implementor script.
func IsFragmentPath(p string) bool {
	_, err := TraitFromPath(p)
	return err == nil
}

// RelPath is the inverse of TraitFromPath under the current trait.impl layout.
func RelPath(trait string) string {
	parts := strings.Split(trait, "::")
	name := parts[len(parts)-1]
	dirs := append([]string{"trait.impl"}, parts[:len(parts)-1]...)
	return path.Join(append(dirs, "trait."+name+".js")...)
}

func isFragmentDir(s string) bool {
	for _, d := range fragmentDirs {
		if s == d {
			return true
		}
	}
	return false
}

func shorten(s string) string {
	if len(s) <= 40 {
		return s
	}
	return s[:40] + "..."
}
