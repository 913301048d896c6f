package flatten

import (
	"sort"
	"strconv"
	"strings"
)

// FieldSlot is one declared or discovered field of a record type, together
// with the attributes of that field that are tracked as their own columns.
type FieldSlot struct {
	Name       QName
	Attributes []QName
}

// RecordTypeDef is an ordered field list for one record type.
type RecordTypeDef struct {
	Type   QName
	Fields []FieldSlot
}

// Keys returns the column keys the definition produces, in order: every field
// followed by its attribute columns.
func (d RecordTypeDef) Keys() []string {
	out := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		out = append(out, f.Name.Display())
		for _, a := range f.Attributes {
			out = append(out, attrKey(f.Name, a))
		}
	}
	return out
}

// Registry maps record types to their output and cascade definitions. The
// two sets are independent. The zero value is empty, meaning every record
// type is discovered at runtime.
type Registry struct {
	output  map[string]RecordTypeDef
	cascade map[string]RecordTypeDef
}

// NewRegistry builds a registry from explicit definition lists. Either may be nil.
func NewRegistry(output, cascade []RecordTypeDef) *Registry {
	r := &Registry{}
	for _, d := range output {
		r.SetOutput(d)
	}
	for _, d := range cascade {
		r.SetCascade(d)
	}
	return r
}

// SetOutput registers (or replaces) the output definition for d.Type.
func (r *Registry) SetOutput(d RecordTypeDef) {
	if r.output == nil {
		r.output = make(map[string]RecordTypeDef)
	}
	r.output[d.Type.Key()] = d
}

// SetCascade registers (or replaces) the cascade definition for d.Type.
func (r *Registry) SetCascade(d RecordTypeDef) {
	if r.cascade == nil {
		r.cascade = make(map[string]RecordTypeDef)
	}
	r.cascade[d.Type.Key()] = d
}

// Output returns the output definition for t.
func (r *Registry) Output(t QName) (RecordTypeDef, bool) {
	if r == nil {
		return RecordTypeDef{}, false
	}
	return lookupDef(r.output, t)
}

// Cascade returns the cascade definition for t.
func (r *Registry) Cascade(t QName) (RecordTypeDef, bool) {
	if r == nil {
		return RecordTypeDef{}, false
	}
	return lookupDef(r.cascade, t)
}

// CascadeDefs returns the registered cascade definitions ordered by type.
func (r *Registry) CascadeDefs() []RecordTypeDef {
	if r == nil {
		return nil
	}
	return sortedDefs(r.cascade)
}

// OutputDefs returns the registered output definitions ordered by type.
func (r *Registry) OutputDefs() []RecordTypeDef {
	if r == nil {
		return nil
	}
	return sortedDefs(r.output)
}

func sortedDefs(m map[string]RecordTypeDef) []RecordTypeDef {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]RecordTypeDef, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// HasOutput reports whether any output definition is registered.
func (r *Registry) HasOutput() bool { return r != nil && len(r.output) > 0 }

// lookupDef tries the fully qualified key first, then a definition declared
// without a namespace.
func lookupDef(m map[string]RecordTypeDef, t QName) (RecordTypeDef, bool) {
	if len(m) == 0 {
		return RecordTypeDef{}, false
	}
	if d, ok := m[t.Key()]; ok {
		return d, true
	}
	if t.Space != "" {
		if d, ok := m[t.Local]; ok {
			return d, true
		}
	}
	return RecordTypeDef{}, false
}

// DefFromKeys rebuilds a definition from column keys as produced by Keys:
// "field" opens a slot and "field[attr]" adds an attribute to it. A repeat
// such as "tel#2" or "tel[type]#2" becomes a slot of its own.
func DefFromKeys(t QName, keys []string) RecordTypeDef {
	d := RecordTypeDef{Type: t}
	at := map[string]int{}
	for _, k := range keys {
		if base, n, ok := splitRepeat(k); ok {
			d.Fields = append(d.Fields, FieldSlot{Name: repeatName(base, n)})
			continue
		}
		field, attr := k, ""
		if i := strings.IndexByte(k, '['); i > 0 && strings.HasSuffix(k, "]") {
			field, attr = k[:i], k[i+1:len(k)-1]
		}
		i, ok := at[field]
		if !ok {
			i = len(d.Fields)
			at[field] = i
			d.Fields = append(d.Fields, FieldSlot{Name: ParseQName(field)})
		}
		if attr != "" {
			d.Fields[i].Attributes = append(d.Fields[i].Attributes, ParseQName(attr))
		}
	}
	return d
}

// splitRepeat splits "key#n" into key and n for n >= 2.
func splitRepeat(k string) (string, int, bool) {
	i := strings.LastIndexByte(k, '#')
	if i <= 0 {
		return k, 0, false
	}
	n, err := strconv.Atoi(k[i+1:])
	if err != nil || n < 2 {
		return k, 0, false
	}
	return k[:i], n, true
}

// repeatName is the slot name of the n-th occurrence of base. Its local part
// is what slotsOf matches against, so an attribute repeat keeps only local
// names.
func repeatName(base string, n int) QName {
	if i := strings.IndexByte(base, '['); i > 0 && strings.HasSuffix(base, "]") {
		f, a := ParseQName(base[:i]), ParseQName(base[i+1:len(base)-1])
		return QName{Local: repeatKey(attrMatch(f, a), n)}
	}
	f := ParseQName(base)
	f.Local = repeatKey(f.Local, n)
	return f
}

// SchemaField is one child declaration of a record type in a schema.
type SchemaField struct {
	Name       QName
	Required   bool
	Container  bool // complex content: a nested record, never a cascade candidate
	Attributes []QName
}

// SchemaSource returns the declared children of a record type.
type SchemaSource interface {
	FieldsOf(t QName) ([]SchemaField, bool)
}

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}
