package flatten

import "context"

// Pair is one column of an emitted record.
type Pair struct {
	Key   string
	Value string
}

// Ancestry describes where a record sits in the document.
type Ancestry struct {
	// Path lists the display names of the enclosing elements, outermost first,
	// excluding the record itself.
	Path []string
	// Depth is the nesting depth of the record's element below the document root.
	Depth int
	// Sequence is the number of record-tag instances completed before this one
	// in the current stream.
	Sequence int64
	// Worker identifies the engine instance that produced the record.
	Worker int
}

// Record is a completed record-type instance. It is only valid for the duration
// of the Sink.Write call that receives it.
type Record struct {
	Type      string
	Fields    []Pair
	Ancestors []Pair
	Ancestry  Ancestry
}

// Keys returns the record's own keys followed by its ancestor keys.
func (r Record) Keys() []string {
	out := make([]string, 0, len(r.Fields)+len(r.Ancestors))
	for _, p := range r.Fields {
		out = append(out, p.Key)
	}
	for _, p := range r.Ancestors {
		out = append(out, p.Key)
	}
	return out
}

// Values returns the values in the same order as Keys.
func (r Record) Values() []string {
	out := make([]string, 0, len(r.Fields)+len(r.Ancestors))
	for _, p := range r.Fields {
		out = append(out, p.Value)
	}
	for _, p := range r.Ancestors {
		out = append(out, p.Value)
	}
	return out
}

// Sink receives completed records. Implementations own the destination
// lifecycle; CloseAll must be safe to call when nothing was written.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	CloseAll() error
}

// DiscardSink drops every record. It is used for discovery passes.
type DiscardSink struct{}

func (DiscardSink) Write(context.Context, Record) error { return nil }
func (DiscardSink) CloseAll() error                     { return nil }
