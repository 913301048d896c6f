package flatten

import (
	"context"
	"fmt"
	"io"
	"strings"

	"xmlflat/internal/colorder"
)

// Options configures an Engine.
type Options struct {
	// RecordTag is the element that delimits top-level records. Nil means the
	// first element below the document root.
	RecordTag *QName
	Policy    CascadePolicy
	Registry  *Registry
	Schema    SchemaSource
	Logger    Logger
	// Worker is copied into the Ancestry of every record.
	Worker int
	// Discover keeps the observed column sequences of every record type for
	// Observed.
	Discover bool
}

// Engine is the flattening state machine. It pulls events from an
// EventSource, assembles records and hands them to a Sink. An Engine is not
// safe for concurrent use; run one per worker.
type Engine struct {
	src  EventSource
	sink Sink
	opts Options
	log  Logger

	recordTag QName
	tagSet    bool

	types     map[string]*typeState
	typeOrder []string
	frames    map[frameKey]*frame
	stack     []*frame // one per open element, document root first
	clock     uint64

	tracking   bool
	trackDepth int
	pend       pending

	completed int64
	written   int64
	done      bool
	err       error

	disc *Discovery
}

// New returns an Engine reading from src and writing to sink.
func New(src EventSource, sink Sink, opts Options) *Engine {
	e := &Engine{
		src:    src,
		sink:   sink,
		opts:   opts,
		log:    opts.Logger,
		types:  map[string]*typeState{},
		frames: map[frameKey]*frame{},
	}
	if e.log == nil {
		e.log = nopLogger{}
	}
	if opts.RecordTag != nil && !opts.RecordTag.IsZero() {
		e.recordTag = *opts.RecordTag
		e.tagSet = true
	}
	if opts.Discover {
		e.disc = &Discovery{seen: map[string]*observation{}}
	}
	return e
}

// Next processes up to max top-level record-tag instances and returns how many
// completed. max <= 0 processes the rest of the document.
//
// When the document ends after at least one instance, Next returns that
// count with a nil error; the following call returns (0, io.EOF). Any other
// error is final and is returned again by later calls. The context is checked
// between records only.
func (e *Engine) Next(ctx context.Context, max int) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	if e.done {
		return 0, io.EOF
	}
	n := 0
	for max <= 0 || n < max {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := e.nextRecord(ctx)
		if err != nil {
			e.err = err
			return n, err
		}
		if !ok {
			e.done = true
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		n++
	}
	return n, nil
}

// Completed returns the number of top-level record-tag instances finished so far.
func (e *Engine) Completed() int64 { return e.completed }

// Written returns the number of records handed to the sink, nested ones included.
func (e *Engine) Written() int64 { return e.written }

// RecordTag returns the record tag in use and whether one has been resolved.
func (e *Engine) RecordTag() (QName, bool) { return e.recordTag, e.tagSet }

// Unresolved lists, as "type.key", the fields named by explicit cascade
// definitions that no instance has populated so far.
func (e *Engine) Unresolved() []string {
	var out []string
	for _, k := range e.typeOrder {
		ts := e.types[k]
		for i, key := range ts.keys {
			if ts.seeded[i] && !ts.filled[i] {
				out = append(out, ts.display+"."+key)
			}
		}
	}
	if e.opts.Policy != PolicyAll && e.opts.Policy != PolicyXSD {
		return out
	}
	for _, d := range e.opts.Registry.CascadeDefs() {
		if e.sawType(d.Type) {
			continue
		}
		for _, key := range d.Keys() {
			out = append(out, d.Type.Display()+"."+key)
		}
	}
	return out
}

func (e *Engine) sawType(t QName) bool {
	for _, k := range e.typeOrder {
		name := e.types[k].name
		if t.Key() == name.Key() || (t.Space == "" && t.Local == name.Local) {
			return true
		}
	}
	return false
}

// nextRecord consumes events until one record-tag instance completes. It
// reports false at a clean end of document.
func (e *Engine) nextRecord(ctx context.Context) (bool, error) {
	for {
		ev, err := e.src.Next()
		if err == io.EOF {
			return false, e.finish()
		}
		if err != nil {
			return false, malformed(err, e.pend.excerpt())
		}
		var done bool
		switch ev := ev.(type) {
		case StartElement:
			e.startElement(ev)
		case Text:
			e.text(ev)
		case EndElement:
			done, err = e.endElement(ctx, ev)
		default:
			err = fmt.Errorf("flatten: unsupported event %T", ev)
		}
		if err != nil || done {
			return done, err
		}
	}
}

func (e *Engine) finish() error {
	if len(e.stack) > 0 {
		return malformed(io.ErrUnexpectedEOF, e.pend.excerpt())
	}
	if !e.tagSet {
		return ErrUnresolvedRecordTag
	}
	return nil
}

func (e *Engine) startElement(ev StartElement) {
	depth := len(e.stack)
	if depth == 0 {
		e.stack = append(e.stack, e.frameFor(0, ev.Name, nil))
		return
	}
	if !e.tagSet {
		e.recordTag = ev.Name
		e.tagSet = true
		e.log.Printf("stage=detect worker=%d record_tag=%s", e.opts.Worker, ev.Name.Display())
	}
	f := e.frameFor(depth, ev.Name, e.stack[depth-1])
	e.stack = append(e.stack, f)

	if !e.tracking && e.recordTag.Matches(ev.Name) {
		e.tracking = true
		e.trackDepth = depth
	}
	if !e.tracking {
		return
	}
	e.pend.push(entry{kind: entryStart, name: ev.Name, attrs: ev.Attrs})
	for _, a := range ev.Attrs {
		f.put(envKey(a.Name), envKey(a.Name), a.Value)
	}
}

// text keeps character data of tracked elements. Whitespace-only runs are
// dropped unless they continue a text node.
func (e *Engine) text(ev Text) {
	if !e.tracking {
		return
	}
	if strings.TrimSpace(ev.Data) == "" {
		if t, ok := e.pend.top(); !ok || t.kind != entryText {
			return
		}
	}
	e.pend.appendText(ev.Data)
}

func (e *Engine) endElement(ctx context.Context, ev EndElement) (bool, error) {
	n := len(e.stack)
	if n == 0 {
		return false, malformed(fmt.Errorf("unexpected end element %s", ev.Name.Display()), "")
	}
	f := e.stack[n-1]
	if e.tracking {
		if err := e.close(ctx, ev.Name, f, n-1 == e.trackDepth); err != nil {
			return false, err
		}
	}
	e.stack[n-1] = nil
	e.stack = e.stack[:n-1]

	if e.tracking && len(e.stack) == e.trackDepth {
		e.tracking = false
		e.completed++
		e.pend = e.pend[:0]
		return true, nil
	}
	return false, nil
}

// close classifies the element being closed by what sits on top of the
// pending stack: text inside its own start makes it a leaf, its own bare
// start makes it empty, anything else makes it an envelope.
func (e *Engine) close(ctx context.Context, name QName, f *frame, isRecord bool) error {
	if st, ok := e.pend.leafText(name); ok {
		text, _ := e.pend.top()
		if isRecord {
			return e.emit(ctx, f, leafColumns(name, text.text, st.attrs))
		}
		e.capture(name, text.text, st.attrs)
		e.pend.push(entry{kind: entryEnd, name: name})
		return nil
	}
	if e.pend.openedBy(name) {
		st, _ := e.pend.top()
		switch {
		case isRecord:
		case len(st.attrs) > 0:
			e.capture(name, "", st.attrs)
			e.pend.push(entry{kind: entryEnd, name: name})
			return nil
		default:
			e.pend.pop()
			return nil
		}
	}
	cols := e.pend.finalize()
	// The record's own markers are dropped with the rest of the stack once
	// it ends; only nested envelopes leave a marker for their parent.
	if !isRecord {
		e.pend.push(entry{kind: entryStart, name: name, emitted: true})
	}
	return e.emit(ctx, f, cols)
}

// capture offers a leaf value to the cascade frame of the enclosing element.
func (e *Engine) capture(name QName, text string, attrs []Attr) {
	n := len(e.stack)
	if e.opts.Policy == PolicyNone || n < 2 {
		return
	}
	p := e.stack[n-2]
	p.put(fieldMatch(name), name.Display(), text)
	for _, a := range attrs {
		p.put(attrMatch(name, a.Name), attrKey(name, a.Name), a.Value)
	}
}

// emit writes one record for the element owning f. Instances without own
// columns produce no record.
func (e *Engine) emit(ctx context.Context, f *frame, cols []column) error {
	ts := f.ts
	ts.envelope = true
	if len(cols) == 0 {
		return nil
	}
	if e.disc != nil {
		e.disc.observe(ts.name, cols)
	}

	var fields []Pair
	if ts.out != nil {
		fields = ts.out.project(cols)
	} else {
		fields = make([]Pair, len(cols))
		for i, c := range cols {
			fields[i] = Pair{Key: c.key, Value: c.value}
		}
	}

	n := len(e.stack)
	path := make([]string, 0, n)
	for _, p := range e.stack[1 : n-1] {
		path = append(path, p.ts.display)
	}
	rec := Record{
		Type:      ts.display,
		Fields:    fields,
		Ancestors: f.ancestors(),
		Ancestry: Ancestry{
			Path:     path,
			Depth:    n - 1,
			Sequence: e.completed,
			Worker:   e.opts.Worker,
		},
	}
	e.written++
	return e.sink.Write(ctx, rec)
}

func (e *Engine) frameFor(depth int, name QName, parent *frame) *frame {
	k := frameKey{depth: depth, typ: name.Key()}
	f, ok := e.frames[k]
	if !ok {
		f = &frame{ts: e.typeFor(name), clock: &e.clock}
		e.frames[k] = f
	}
	f.reset(parent)
	return f
}

// typeFor returns the shared state of a record type, creating it on first
// sight. Output plan and cascade slots are fixed here.
func (e *Engine) typeFor(name QName) *typeState {
	k := name.Key()
	if ts, ok := e.types[k]; ok {
		return ts
	}
	ts := newTypeState(name)
	outCols, hasOut := e.outputColumns(name)
	if hasOut {
		ts.out = newOutputPlan(outCols)
	}
	cdef, hasCascade := e.opts.Registry.Cascade(name)
	seed, dynamic := policyRules(e.opts.Policy, hasCascade, hasOut)
	ts.dynamic = dynamic
	switch seed {
	case seedCascadeDef:
		for _, c := range slotsOf(cdef) {
			ts.addSlot(c.match, c.key, true)
		}
	case seedSchemaRequired:
		fields, _ := e.schemaFields(name)
		for _, sf := range fields {
			if sf.Required && !sf.Container {
				ts.addSlot(fieldMatch(sf.Name), sf.Name.Display(), false)
			}
		}
	case seedOutputDef:
		for _, c := range outCols {
			// Repeats cascade through their first occurrence.
			if strings.ContainsRune(c.match, '#') {
				continue
			}
			ts.addSlot(c.match, c.key, false)
		}
	}
	e.types[k] = ts
	e.typeOrder = append(e.typeOrder, k)
	return ts
}

// outputColumns returns the predetermined output columns of a type: an
// explicit definition, else the schema's simple fields with their attributes.
func (e *Engine) outputColumns(name QName) ([]column, bool) {
	if d, ok := e.opts.Registry.Output(name); ok {
		return slotsOf(d), true
	}
	fields, ok := e.schemaFields(name)
	if !ok {
		return nil, false
	}
	var cols []column
	for _, sf := range fields {
		if sf.Container {
			continue
		}
		cols = append(cols, slotsOf(RecordTypeDef{Fields: []FieldSlot{{Name: sf.Name, Attributes: sf.Attributes}}})...)
	}
	return cols, len(cols) > 0
}

func (e *Engine) schemaFields(name QName) ([]SchemaField, bool) {
	if e.opts.Schema == nil {
		return nil, false
	}
	return e.opts.Schema.FieldsOf(name)
}

// Observed returns what the engine has learned about record types so far, or
// nil if Options.Discover was not set.
func (e *Engine) Observed() *Discovery {
	if e.disc == nil {
		return nil
	}
	e.disc.cascade = e.disc.cascade[:0]
	for _, k := range e.typeOrder {
		ts := e.types[k]
		if ts.envelope && len(ts.keys) > 0 {
			e.disc.cascade = append(e.disc.cascade, DefFromKeys(ts.name, ts.keys))
		}
	}
	return e.disc
}

// Discovery holds the column orders observed during a run.
type Discovery struct {
	order   []string
	seen    map[string]*observation
	cascade []RecordTypeDef
}

type observation struct {
	name QName
	seqs colorder.Collector
}

func (d *Discovery) observe(name QName, cols []column) {
	k := name.Key()
	o, ok := d.seen[k]
	if !ok {
		o = &observation{name: name}
		d.seen[k] = o
		d.order = append(d.order, k)
	}
	keys := make([]string, 0, len(cols))
	count := make(map[string]int, len(cols))
	for _, c := range cols {
		count[c.key]++
		keys = append(keys, repeatKey(c.key, count[c.key]))
	}
	o.seqs.Add(keys)
}

// OutputDefs returns one definition per record type, in first-seen order, with
// the columns in their regularized order.
func (d *Discovery) OutputDefs() []RecordTypeDef {
	out := make([]RecordTypeDef, 0, len(d.order))
	for _, k := range d.order {
		o := d.seen[k]
		out = append(out, DefFromKeys(o.name, o.seqs.Order()))
	}
	return out
}

// CascadeDefs returns the cascade slot order of every record type that
// captured at least one value.
func (d *Discovery) CascadeDefs() []RecordTypeDef { return d.cascade }

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
