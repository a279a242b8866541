package fragment

import (
	"bytes"
	"fmt"

	"github.com/jcdickinson/implindex/internal/registry"
)

const (
	scriptHead = "(function() {\n    var implementors = Object.fromEntries(["
	scriptTail = "]);\n" +
		"    if (window.register_implementors) {\n" +
		"        window.register_implementors(implementors);\n" +
		"    } else {\n" +
		"        window.pending_implementors = window.pending_implementors || [];\n" +
		"        window.pending_implementors.push(implementors);\n" +
		"    }\n" +
		"})()\n"
)

// Encode renders impls as a self-registering fragment script in the current
// rustdoc layout: crates sorted by name, one [crate, entries] element each,
// followed by the //{"start":..,"fragment_lengths":[..]} trailer. Before the
// hook exists the script appends to window.pending_implementors, so several
// scripts loaded early all survive.
func Encode(impls registry.Implementors) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(scriptHead)

	meta := Meta{Start: len(scriptHead), FragmentLengths: make([]int, 0, len(impls))}
	for i, crate := range impls.Crates() {
		entries := impls[crate]
		if entries == nil {
			entries = registry.CrateIndex{}
		}
		elem, err := registry.EncodeJSON([]any{crate, entries})
		if err != nil {
			return nil, fmt.Errorf("encoding implementors for %s: %w", crate, err)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(elem)
		meta.FragmentLengths = append(meta.FragmentLengths, len(elem))
	}

	buf.WriteString(scriptTail)

	trailer, err := registry.EncodeJSON(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding trailer: %w", err)
	}
	buf.WriteString("//")
	buf.Write(trailer)
	return buf.Bytes(), nil
}

// Segments splits src into one element per crate using meta. It is the
// inverse of the offsets Encode records and fails if they do not fit src.
func Segments(src []byte, meta *Meta) ([][]byte, error) {
	if meta == nil {
		return nil, fmt.Errorf("fragment has no trailer")
	}
	pos := meta.Start
	out := make([][]byte, 0, len(meta.FragmentLengths))
	for i, n := range meta.FragmentLengths {
		if i > 0 {
			pos++ // separating comma
		}
		if pos < 0 || n < 0 || pos+n > len(src) {
			return nil, fmt.Errorf("segment %d [%d:%d] out of range (%d bytes)", i, pos, pos+n, len(src))
		}
		out = append(out, src[pos:pos+n])
		pos += n
	}
	return out, nil
}
