package docs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func esc(s string) string { return htmlEscaper.Replace(s) }

// renderer renders rustdoc Type JSON as the HTML rustdoc puts in implementor
// fragments, recording the full path of every named type it links.
type renderer struct {
	crate *RustdocCrate
	types []string
	seen  map[string]bool
}

func newRenderer(crate *RustdocCrate) *renderer {
	return &renderer{crate: crate, seen: make(map[string]bool)}
}

// link renders name as an anchor to the item, or as plain text when the item
// has no page.
func (r *renderer) link(id int, name string) string {
	href := ItemHref(id, r.crate)
	if href == "" {
		return esc(name)
	}
	kind := ItemKind(id, r.crate)
	path := ItemPath(id, r.crate)
	return fmt.Sprintf(`<a class="%s" href="%s" title="%s %s">%s</a>`,
		esc(kindPrefix[kind]), esc(href), esc(kind), esc(path), esc(name))
}

func (r *renderer) note(id int) {
	if path := ItemPath(id, r.crate); path != "" && !r.seen[path] {
		r.seen[path] = true
		r.types = append(r.types, path)
	}
}

func (r *renderer) typ(typeJSON json.RawMessage) string {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(typeJSON, &outer); err != nil {
		return ""
	}

	if resolved, ok := outer["resolved_path"]; ok {
		return r.resolvedPath(resolved, true)
	}

	if prim, ok := outer["primitive"]; ok {
		var name string
		if err := json.Unmarshal(prim, &name); err == nil {
			return esc(name)
		}
	}

	if dt, ok := outer["dyn_trait"]; ok {
		return r.dynTrait(dt)
	}

	if br, ok := outer["borrowed_ref"]; ok {
		return r.borrowedRef(br)
	}

	if rp, ok := outer["raw_pointer"]; ok {
		return r.rawPointer(rp)
	}

	if sl, ok := outer["slice"]; ok {
		if inner := r.typ(sl); inner != "" {
			return "[" + inner + "]"
		}
	}

	if arr, ok := outer["array"]; ok {
		return r.array(arr)
	}

	if g, ok := outer["generic"]; ok {
		var name string
		if err := json.Unmarshal(g, &name); err == nil {
			return esc(name)
		}
	}

	if qp, ok := outer["qualified_path"]; ok {
		return r.qualifiedPath(qp)
	}

	if tp, ok := outer["tuple"]; ok {
		return r.tuple(tp)
	}

	if _, ok := outer["infer"]; ok {
		return "_"
	}

	return ""
}

// resolvedPath renders a Path. note controls whether the item is recorded as
// a named type (trait references are not).
func (r *renderer) resolvedPath(resolved json.RawMessage, note bool) string {
	var rp PathRef
	if err := json.Unmarshal(resolved, &rp); err != nil {
		return ""
	}
	return r.pathRef(rp, note)
}

func (r *renderer) pathRef(rp PathRef, note bool) string {
	name := pathName(rp, r.crate)
	if name == "" {
		return ""
	}
	if note {
		r.note(rp.ID)
	}

	base := r.link(rp.ID, name)
	if rp.Args != nil {
		base += r.genericArgs(*rp.Args)
	}
	return base
}

// pathName picks the display name of a Path: "name" in older formats, the
// last segment of "path" in newer ones, else the paths table.
func pathName(rp PathRef, crate *RustdocCrate) string {
	name := rp.Name
	if name == "" && rp.Path != "" {
		segs := strings.Split(rp.Path, "::")
		name = segs[len(segs)-1]
	}
	if name == "" {
		if summary, ok := crate.Paths[strconv.Itoa(rp.ID)]; ok && len(summary.Path) > 0 {
			name = summary.Path[len(summary.Path)-1]
		}
	}
	return name
}

func (r *renderer) genericArgs(argsJSON json.RawMessage) string {
	var args struct {
		AngleBracketed *struct {
			Args []json.RawMessage `json:"args"`
		} `json:"angle_bracketed"`
	}
	if err := json.Unmarshal(argsJSON, &args); err != nil || args.AngleBracketed == nil {
		return ""
	}

	var parts []string
	for _, arg := range args.AngleBracketed.Args {
		var a map[string]json.RawMessage
		if err := json.Unmarshal(arg, &a); err != nil {
			continue
		}
		if typeData, ok := a["type"]; ok {
			if t := r.typ(typeData); t != "" {
				parts = append(parts, t)
			}
		} else if lifetime, ok := a["lifetime"]; ok {
			var lt string
			if json.Unmarshal(lifetime, &lt) == nil {
				parts = append(parts, lt)
			}
		}
	}

	if len(parts) == 0 {
		return ""
	}
	return "&lt;" + strings.Join(parts, ", ") + "&gt;"
}

func (r *renderer) dynTrait(dt json.RawMessage) string {
	var d struct {
		Traits []struct {
			Trait PathRef `json:"trait"`
		} `json:"traits"`
		Lifetime *string `json:"lifetime"`
	}
	if err := json.Unmarshal(dt, &d); err != nil || len(d.Traits) == 0 {
		return ""
	}

	parts := make([]string, 0, len(d.Traits)+1)
	for _, t := range d.Traits {
		if s := r.pathRef(t.Trait, false); s != "" {
			parts = append(parts, s)
		}
	}
	if d.Lifetime != nil && *d.Lifetime != "" {
		parts = append(parts, *d.Lifetime)
	}

	return "dyn " + strings.Join(parts, " + ")
}

func (r *renderer) borrowedRef(br json.RawMessage) string {
	var ref struct {
		Lifetime  *string         `json:"lifetime"`
		IsMutable bool            `json:"is_mutable"`
		Type      json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(br, &ref); err != nil {
		return ""
	}

	inner := r.typ(ref.Type)
	if inner == "" {
		return ""
	}

	prefix := "&amp;"
	if ref.Lifetime != nil && *ref.Lifetime != "" {
		prefix += *ref.Lifetime + " "
	}
	if ref.IsMutable {
		prefix += "mut "
	}
	return prefix + inner
}

func (r *renderer) rawPointer(rp json.RawMessage) string {
	var p struct {
		IsMutable bool            `json:"is_mutable"`
		Type      json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(rp, &p); err != nil {
		return ""
	}
	inner := r.typ(p.Type)
	if inner == "" {
		return ""
	}
	if p.IsMutable {
		return "*mut " + inner
	}
	return "*const " + inner
}

func (r *renderer) array(arr json.RawMessage) string {
	var a struct {
		Type json.RawMessage `json:"type"`
		Len  string          `json:"len"`
	}
	if err := json.Unmarshal(arr, &a); err != nil {
		return ""
	}
	inner := r.typ(a.Type)
	if inner == "" {
		return ""
	}
	return "[" + inner + "; " + esc(a.Len) + "]"
}

func (r *renderer) qualifiedPath(qp json.RawMessage) string {
	var q struct {
		Name     string          `json:"name"`
		SelfType json.RawMessage `json:"self_type"`
		Trait    *PathRef        `json:"trait"`
	}
	if err := json.Unmarshal(qp, &q); err != nil {
		return ""
	}
	selfType := r.typ(q.SelfType)
	if selfType == "" {
		return ""
	}
	if q.Trait != nil {
		if name := pathName(*q.Trait, r.crate); name != "" {
			return fmt.Sprintf("&lt;%s as %s&gt;::%s", selfType, esc(name), esc(q.Name))
		}
	}
	return fmt.Sprintf("%s::%s", selfType, esc(q.Name))
}

func (r *renderer) tuple(tp json.RawMessage) string {
	var types []json.RawMessage
	if err := json.Unmarshal(tp, &types); err != nil {
		return ""
	}
	var parts []string
	for _, t := range types {
		if name := r.typ(t); name != "" {
			parts = append(parts, name)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// generics renders impl generic parameters, skipping the synthetic ones
// rustdoc introduces for `impl Trait` arguments.
func (r *renderer) generics(g Generics) string {
	var parts []string
	for _, p := range g.Params {
		switch {
		case p.Kind["lifetime"] != nil:
			parts = append(parts, esc(p.Name))
		case p.Kind["type"] != nil:
			var t struct {
				IsSynthetic bool `json:"is_synthetic"`
			}
			if json.Unmarshal(p.Kind["type"], &t) == nil && t.IsSynthetic {
				continue
			}
			parts = append(parts, esc(p.Name))
		case p.Kind["const"] != nil:
			parts = append(parts, "const "+esc(p.Name))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "&lt;" + strings.Join(parts, ", ") + "&gt;"
}

// implHeader renders an impl block header such as
// `impl&lt;T&gt; <a class="trait" ...>Read</a> for <a class="struct" ...>File</a>`.
func (r *renderer) implHeader(impl *Impl) string {
	var b strings.Builder
	if impl.IsUnsafe {
		b.WriteString("unsafe ")
	}
	b.WriteString("impl")
	b.WriteString(r.generics(impl.Generics))
	b.WriteString(" ")
	if impl.IsNegative {
		b.WriteString("!")
	}
	b.WriteString(r.pathRef(*impl.Trait, false))
	b.WriteString(" for ")
	b.WriteString(r.typ(impl.For))
	return b.String()
}
