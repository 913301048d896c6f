package flatten

import "strings"

type entryKind uint8

const (
	entryStart entryKind = iota
	entryText
	entryEnd
)

// entry is one marker on the pending stack. A start marker with emitted set
// stands in for a nested record that has already been written.
type entry struct {
	kind    entryKind
	name    QName
	attrs   []Attr
	text    string
	emitted bool
}

// column is one own column of a record instance before output selection.
type column struct {
	match string
	key   string
	value string
}

// pending is the stack of markers for the record currently being tracked.
type pending []entry

func (p *pending) push(e entry) { *p = append(*p, e) }

func (p *pending) pop() entry {
	s := *p
	e := s[len(s)-1]
	*p = s[:len(s)-1]
	return e
}

func (p pending) top() (entry, bool) {
	if len(p) == 0 {
		return entry{}, false
	}
	return p[len(p)-1], true
}

// openedBy reports whether the top of the stack is the still-open start of name.
func (p pending) openedBy(name QName) bool {
	e, ok := p.top()
	return ok && e.kind == entryStart && !e.emitted && e.name.Equal(name)
}

// leafText reports whether the stack ends with text directly inside the
// still-open start of name, and returns that start.
func (p pending) leafText(name QName) (entry, bool) {
	n := len(p)
	if n < 2 || p[n-1].kind != entryText {
		return entry{}, false
	}
	st := p[n-2]
	if st.kind != entryStart || st.emitted || !st.name.Equal(name) {
		return entry{}, false
	}
	return st, true
}

// appendText merges consecutive character data into one text marker.
func (p *pending) appendText(s string) {
	if e, ok := p.top(); ok && e.kind == entryText {
		(*p)[len(*p)-1].text += s
		return
	}
	p.push(entry{kind: entryText, text: s})
}

// leafColumns renders one leaf field and its attributes.
func leafColumns(name QName, text string, attrs []Attr) []column {
	out := make([]column, 0, 1+len(attrs))
	out = append(out, column{match: fieldMatch(name), key: name.Display(), value: text})
	for _, a := range attrs {
		out = append(out, column{match: attrMatch(name, a.Name), key: attrKey(name, a.Name), value: a.Value})
	}
	return out
}

// finalize pops the markers of the closing envelope down to and including its
// own start, and returns its own columns in document order: the envelope's
// attributes first, then every leaf field followed by its attributes.
// Mixed-content text and markers of already-written nested records are
// skipped.
func (p *pending) finalize() []column {
	var groups [][]column
	var own *entry
	for len(*p) > 0 {
		e := p.pop()
		switch e.kind {
		case entryEnd:
			text := ""
			if t, ok := p.top(); ok && t.kind == entryText {
				text = p.pop().text
			}
			t, ok := p.top()
			if !ok || t.kind != entryStart || t.emitted || !t.name.Equal(e.name) {
				continue
			}
			st := p.pop()
			groups = append(groups, leafColumns(st.name, text, st.attrs))
		case entryText:
		case entryStart:
			if e.emitted {
				continue
			}
			own = &e
		}
		if own != nil {
			break
		}
	}

	var out []column
	if own != nil {
		for _, a := range own.attrs {
			out = append(out, column{match: envKey(a.Name), key: envKey(a.Name), value: a.Value})
		}
	}
	for i := len(groups) - 1; i >= 0; i-- {
		out = append(out, groups[i]...)
	}
	return out
}

// excerpt renders the pending markers as indented pseudo-markup so a failure
// report shows how far the current record got.
func (p pending) excerpt() string {
	var b strings.Builder
	depth := 0
	line := func(s string) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(s)
		b.WriteByte('\n')
	}
	for _, e := range p {
		switch e.kind {
		case entryStart:
			if e.emitted {
				line("<" + e.name.Display() + "/> (written)")
				continue
			}
			var tag strings.Builder
			tag.WriteString("<" + e.name.Display())
			for _, a := range e.attrs {
				tag.WriteString(" " + a.Name.Display() + "=\"" + a.Value + "\"")
			}
			tag.WriteString(">")
			line(tag.String())
			depth++
		case entryText:
			line(e.text)
		case entryEnd:
			if depth > 0 {
				depth--
			}
			line("</" + e.name.Display() + ">")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
