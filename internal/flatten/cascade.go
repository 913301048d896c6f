package flatten

import "strconv"

// Slot keys match on local names so that a definition written without
// prefixes still lines up with a prefixed document.

func fieldMatch(f QName) string   { return f.Local }
func attrMatch(f, a QName) string { return f.Local + "[" + a.Local + "]" }

// envKey is the column of an attribute on the record element itself.
func envKey(a QName) string { return "@" + a.Local }

// slotsOf lists the columns of d in definition order.
func slotsOf(d RecordTypeDef) []column {
	var out []column
	for _, f := range d.Fields {
		out = append(out, column{match: fieldMatch(f.Name), key: f.Name.Display()})
		for _, a := range f.Attributes {
			out = append(out, column{match: attrMatch(f.Name, a), key: attrKey(f.Name, a)})
		}
	}
	return out
}

// typeState is shared by every frame of one record type. Its slot positions
// are assigned on first sight and never change afterwards.
type typeState struct {
	name    QName
	display string
	dynamic bool

	slots  map[string]int
	keys   []string
	seeded []bool
	filled []bool

	// out is the predetermined output plan, nil when the type's columns are
	// discovered at runtime.
	out *outputPlan

	// envelope is set once an instance has been finalized as a record.
	envelope bool
}

func newTypeState(name QName) *typeState {
	return &typeState{name: name, display: name.Display(), slots: map[string]int{}}
}

func (ts *typeState) addSlot(match, key string, seeded bool) int {
	if i, ok := ts.slots[match]; ok {
		return i
	}
	i := len(ts.keys)
	ts.slots[match] = i
	ts.keys = append(ts.keys, key)
	ts.seeded = append(ts.seeded, seeded)
	ts.filled = append(ts.filled, false)
	return i
}

func (ts *typeState) slot(match, key string) (int, bool) {
	if i, ok := ts.slots[match]; ok {
		return i, true
	}
	if !ts.dynamic {
		return 0, false
	}
	return ts.addSlot(match, key, false), true
}

// outputPlan fixes the column list of a record type before the run.
type outputPlan struct {
	keys  []string
	index map[string]int
}

func newOutputPlan(cols []column) *outputPlan {
	p := &outputPlan{index: make(map[string]int, len(cols))}
	for _, c := range cols {
		if _, dup := p.index[c.match]; dup {
			continue
		}
		p.index[c.match] = len(p.keys)
		p.keys = append(p.keys, c.key)
	}
	return p
}

// project lays cols out in plan order. Cells the instance lacks stay empty.
// The n-th repeat of a field goes to its "key#n" column; without one in the
// plan it is appended to the first value.
func (p *outputPlan) project(cols []column) []Pair {
	out := make([]Pair, len(p.keys))
	set := make([]bool, len(p.keys))
	for i, k := range p.keys {
		out[i].Key = k
	}
	seen := make(map[string]int, len(cols))
	for _, c := range cols {
		seen[c.match]++
		first, ok := p.index[c.match]
		if !ok {
			continue
		}
		i := first
		if n := seen[c.match]; n > 1 {
			if j, ok := p.index[repeatKey(c.match, n)]; ok {
				i = j
			}
		}
		if set[i] {
			out[i].Value += c.value
			continue
		}
		out[i].Value = c.value
		set[i] = true
	}
	return out
}

// repeatKey names the n-th occurrence of a key within one record.
func repeatKey(key string, n int) string {
	if n < 2 {
		return key
	}
	return key + "#" + strconv.Itoa(n)
}

// frame holds the cascade values of one element instance.
type frame struct {
	ts      *typeState
	values  []string
	present []bool
	parent  *frame

	// gen is the clock value of the last change to this frame.
	gen   uint64
	clock *uint64

	memo   []Pair
	memoOf *frame
	memoAt uint64
}

func (f *frame) touch() {
	*f.clock++
	f.gen = *f.clock
}

// reset prepares a cached frame for a new element instance.
func (f *frame) reset(parent *frame) {
	f.parent = parent
	clear(f.values)
	clear(f.present)
	f.memo, f.memoOf = nil, nil
	f.touch()
}

// put captures one value. Values without an eligible slot are dropped;
// a second value for the same slot is appended to the first.
func (f *frame) put(match, key, value string) {
	i, ok := f.ts.slot(match, key)
	if !ok {
		return
	}
	for len(f.values) <= i {
		f.values = append(f.values, "")
		f.present = append(f.present, false)
	}
	if f.present[i] {
		f.values[i] += value
	} else {
		f.values[i] = value
		f.present[i] = true
	}
	f.ts.filled[i] = true
	f.touch()
}

func (f *frame) value(i int) string {
	if i < len(f.values) {
		return f.values[i]
	}
	return ""
}

// changedSince reports whether f or any frame above it changed after t.
func (f *frame) changedSince(t uint64) bool {
	for a := f; a != nil; a = a.parent {
		if a.gen > t {
			return true
		}
	}
	return false
}

// ancestors returns the cascaded columns visible to records in f: the
// parent's slots in slot order, then the parent's own ancestors. The list is
// rebuilt only when the parent chain changed since it was last computed. The
// returned slice is shared and must not be modified.
func (f *frame) ancestors() []Pair {
	p := f.parent
	if p == nil {
		return nil
	}
	if f.memoOf == p && !p.changedSince(f.memoAt) {
		return f.memo
	}
	up := p.ancestors()
	out := make([]Pair, 0, len(p.ts.keys)+len(up))
	prefix := p.ts.display + "."
	for i, k := range p.ts.keys {
		out = append(out, Pair{Key: prefix + k, Value: p.value(i)})
	}
	out = append(out, up...)
	f.memo, f.memoOf, f.memoAt = out, p, *f.clock
	return out
}

// frameKey identifies a cached frame.
type frameKey struct {
	depth int
	typ   string
}
