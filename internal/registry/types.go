package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Entry is a single implementor descriptor: a pre-rendered HTML snippet naming
// the trait, the implementing type and a documentation link. The HTML is opaque
// here and is never parsed by the registry.
type Entry struct {
	HTML      string   `json:"html"`
	Synthetic bool     `json:"synthetic,omitempty"`
	Types     []string `json:"types,omitempty"`
}

// UnmarshalJSON accepts every shape rustdoc has emitted for an implementor:
// a bare string, ["html"], ["html", synthetic, ["types"]] and
// {"text": ..., "synthetic": ..., "types": [...]}.
func (e *Entry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty implementor entry")
	}

	switch data[0] {
	case '"':
		return json.Unmarshal(data, &e.HTML)
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("decoding implementor entry: %w", err)
		}
		if len(parts) == 0 {
			return fmt.Errorf("implementor entry has no html")
		}
		if err := json.Unmarshal(parts[0], &e.HTML); err != nil {
			return fmt.Errorf("decoding implementor html: %w", err)
		}
		if len(parts) > 1 {
			e.Synthetic = decodeFlag(parts[1])
		}
		if len(parts) > 2 {
			if err := json.Unmarshal(parts[2], &e.Types); err != nil {
				return fmt.Errorf("decoding implementor types: %w", err)
			}
		}
		return nil
	case '{':
		var obj struct {
			Text      string          `json:"text"`
			HTML      string          `json:"html"`
			Synthetic json.RawMessage `json:"synthetic"`
			Types     []string        `json:"types"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("decoding implementor entry: %w", err)
		}
		e.HTML = obj.Text
		if e.HTML == "" {
			e.HTML = obj.HTML
		}
		e.Synthetic = decodeFlag(obj.Synthetic)
		e.Types = obj.Types
		return nil
	default:
		return fmt.Errorf("unexpected implementor entry %q", truncate(string(data), 32))
	}
}

// MarshalJSON writes the compact array form used by current rustdoc.
func (e Entry) MarshalJSON() ([]byte, error) {
	if !e.Synthetic && len(e.Types) == 0 {
		return EncodeJSON([]any{e.HTML})
	}
	synthetic := 0
	if e.Synthetic {
		synthetic = 1
	}
	types := e.Types
	if types == nil {
		types = []string{}
	}
	return EncodeJSON([]any{e.HTML, synthetic, types})
}

// EncodeJSON encodes v without escaping <, > and &, so rendered HTML stays
// byte-identical to what rustdoc writes.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// synthetic is written as 0/1 by current rustdoc and as a bool by older ones.
func decodeFlag(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var n int
	if json.Unmarshal(raw, &n) == nil {
		return n != 0
	}
	return false
}

// CrateIndex is the ordered list of implementors one crate contributes.
type CrateIndex []Entry

// Implementors maps a crate name to the implementors it contributes for a
// single trait.
type Implementors map[string]CrateIndex

// Crates returns the crate names in sorted order.
func (m Implementors) Crates() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the total number of entries across all crates.
func (m Implementors) Len() int {
	n := 0
	for _, entries := range m {
		n += len(entries)
	}
	return n
}

// Fragment is one trait's implementor mapping as delivered to the registry.
type Fragment struct {
	Trait        string       `json:"trait"`
	Implementors Implementors `json:"implementors"`
	Source       string       `json:"source,omitempty"`
	ContentHash  string       `json:"content_hash,omitempty"`
	// Batch identifies the load that produced the fragment. The registry
	// carries it through untouched.
	Batch string `json:"batch,omitempty"`
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
