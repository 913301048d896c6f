// Package flatten turns a stream of XML parse events into flat, per-record-type
// rows. It owns the record boundary detection, field assembly, the cascade of
// ancestor values into descendant records and the discovery of column orders.
//
// The package does no I/O of its own: events come from an EventSource, and
// completed records go to a Sink.
package flatten

import "strings"

// QName identifies an element or attribute.
//
// Equality is by (Space, Local). Prefix is kept for display only.
type QName struct {
	Space  string // namespace URI, may be empty
	Local  string
	Prefix string // display prefix, may be empty
}

// Equal reports whether q and o name the same thing, ignoring prefixes.
func (q QName) Equal(o QName) bool {
	return q.Space == o.Space && q.Local == o.Local
}

// IsZero reports whether q has no local name.
func (q QName) IsZero() bool { return q.Local == "" }

// Key is the map key for q: "{space}local", or just "local" without a namespace.
func (q QName) Key() string {
	if q.Space == "" {
		return q.Local
	}
	return "{" + q.Space + "}" + q.Local
}

// Display renders q for headers and file names: "prefix:local" or "local".
func (q QName) Display() string {
	if q.Prefix == "" {
		return q.Local
	}
	return q.Prefix + ":" + q.Local
}

func (q QName) String() string { return q.Display() }

// ParseQName accepts "{space}local", "prefix:local" or "local".
//
// A "prefix:local" form carries no namespace; it only matches names whose
// namespace is empty unless the caller fills Space in.
func ParseQName(s string) QName {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		if end := strings.IndexByte(s, '}'); end > 0 {
			return QName{Space: s[1:end], Local: s[end+1:]}
		}
	}
	if i := strings.IndexByte(s, ':'); i > 0 && i < len(s)-1 {
		return QName{Prefix: s[:i], Local: s[i+1:]}
	}
	return QName{Local: s}
}

// attrKey is the column key of attribute a on field f, e.g. "id[type]".
func attrKey(f, a QName) string {
	return f.Display() + "[" + a.Display() + "]"
}

// Matches reports whether name satisfies q used as a pattern. A pattern with a
// namespace must match exactly; a prefixed pattern matches prefix and local
// name; a bare local name matches any namespace.
func (q QName) Matches(name QName) bool {
	switch {
	case q.Space != "":
		return q.Equal(name)
	case q.Prefix != "":
		return q.Prefix == name.Prefix && q.Local == name.Local
	default:
		return q.Local == name.Local
	}
}
