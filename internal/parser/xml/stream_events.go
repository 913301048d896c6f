package xml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"xmlflat/internal/flatten"
)

const xmlNamespace = "http://www.w3.org/XML/1998/namespace"

// Options controls how a document is decoded.
type Options struct {
	// Encoding forces the input encoding by label ("latin1", "windows-1252",
	// ...). Empty means UTF-8 unless the XML declaration says otherwise.
	Encoding string
	// Lenient accepts undefined entities and mismatched end tags, as
	// encoding/xml does with Strict off.
	Lenient bool
}

// EventSource adapts encoding/xml's tokenizer to flatten.EventSource.
//
// encoding/xml resolves prefixes to namespace URIs and drops them; the source
// tracks xmlns declarations per element so every name keeps the prefix the
// document used.
type EventSource struct {
	dec    *xml.Decoder
	scopes []map[string]string // namespace URI -> prefix, innermost last
	events int64
}

// NewEventSource returns a source reading one document from r.
func NewEventSource(r io.Reader, opts Options) (*EventSource, error) {
	var charsetReader func(string, io.Reader) (io.Reader, error)
	if label := strings.TrimSpace(opts.Encoding); label != "" {
		enc, err := htmlindex.Get(label)
		if err != nil {
			return nil, fmt.Errorf("xml: unknown encoding %q: %w", label, err)
		}
		r = transform.NewReader(r, enc.NewDecoder())
		// The input is UTF-8 from here on, whatever the declaration claims.
		charsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }
	} else {
		charsetReader = charset.NewReaderLabel
	}

	dec := xml.NewDecoder(r)
	dec.CharsetReader = charsetReader
	if opts.Lenient {
		dec.Strict = false
		dec.AutoClose = xml.HTMLAutoClose
		dec.Entity = xml.HTMLEntity
	}
	return &EventSource{
		dec:    dec,
		scopes: []map[string]string{{xmlNamespace: "xml"}},
	}, nil
}

// OpenFile opens path ("-" for stdin) and returns a source over it together
// with the function that releases the file.
func OpenFile(path string, opts Options) (*EventSource, func() error, error) {
	if path == "-" || path == "" {
		src, err := NewEventSource(os.Stdin, opts)
		return src, func() error { return nil }, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("xml: open %s: %w", path, err)
	}
	src, err := NewEventSource(f, opts)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return src, f.Close, nil
}

// Next implements flatten.EventSource. Comments, processing instructions and
// directives are skipped.
func (s *EventSource) Next() (flatten.Event, error) {
	for {
		tok, err := s.dec.Token()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, s.syntaxError(err)
		}
		switch tok := tok.(type) {
		case xml.StartElement:
			s.events++
			return s.start(tok), nil
		case xml.EndElement:
			s.events++
			name := s.qname(tok.Name)
			if len(s.scopes) > 1 {
				s.scopes = s.scopes[:len(s.scopes)-1]
			}
			return flatten.EndElement{Name: name}, nil
		case xml.CharData:
			s.events++
			return flatten.Text{Data: string(tok)}, nil
		}
	}
}

// Events returns the number of events produced so far.
func (s *EventSource) Events() int64 { return s.events }

// Location returns the decoder position: 1-based line and column, and the
// byte offset into the decoded input.
func (s *EventSource) Location() (line, column int, offset int64) {
	line, column = s.dec.InputPos()
	return line, column, s.dec.InputOffset()
}

func (s *EventSource) start(tok xml.StartElement) flatten.StartElement {
	var scope map[string]string
	for _, a := range tok.Attr {
		switch {
		case a.Name.Space == "xmlns":
		case a.Name.Space == "" && a.Name.Local == "xmlns":
			a.Name.Local = ""
		default:
			continue
		}
		if scope == nil {
			scope = map[string]string{}
		}
		scope[a.Value] = a.Name.Local
	}
	s.scopes = append(s.scopes, scope)

	se := flatten.StartElement{Name: s.qname(tok.Name)}
	for _, a := range tok.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		se.Attrs = append(se.Attrs, flatten.Attr{Name: s.qname(a.Name), Value: a.Value})
	}
	return se
}

// qname restores the prefix bound to n.Space in the innermost scope. A space
// that is not a bound URI is an undeclared prefix and is kept as the prefix.
func (s *EventSource) qname(n xml.Name) flatten.QName {
	q := flatten.QName{Space: n.Space, Local: n.Local}
	if n.Space == "" {
		return q
	}
	for i := len(s.scopes) - 1; i >= 0; i-- {
		if p, ok := s.scopes[i][n.Space]; ok {
			q.Prefix = p
			return q
		}
	}
	q.Prefix, q.Space = n.Space, ""
	return q
}

// SyntaxError is a decoding failure with its position in the input.
type SyntaxError struct {
	Line   int
	Column int
	Offset int64
	Err    error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("xml: line %d, column %d: %v", e.Line, e.Column, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Location implements flatten.Locator.
func (e *SyntaxError) Location() (int, int, int64) { return e.Line, e.Column, e.Offset }

func (s *EventSource) syntaxError(err error) error {
	line, col, off := s.Location()
	var se *xml.SyntaxError
	if errors.As(err, &se) && se.Line > 0 {
		line = se.Line
	}
	return &SyntaxError{Line: line, Column: col, Offset: off, Err: err}
}
