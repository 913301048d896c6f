package flatten

import "io"

// Event is one parse event. The set of implementations is closed:
// StartElement, EndElement and Text.
type Event interface {
	event()
}

// Attr is one attribute on a start tag.
type Attr struct {
	Name  QName
	Value string
}

// StartElement opens an element.
type StartElement struct {
	Name  QName
	Attrs []Attr
}

// EndElement closes the element opened by the matching StartElement.
type EndElement struct {
	Name QName
}

// Text carries character data. A single text node may arrive as several
// consecutive Text events.
type Text struct {
	Data string
}

func (StartElement) event() {}
func (EndElement) event()   {}
func (Text) event()         {}

// EventSource yields events in document order and returns io.EOF once the
// document has ended cleanly. Any other error means the document is malformed.
type EventSource interface {
	Next() (Event, error)
}

// Locator is implemented by source errors that know where parsing stopped.
type Locator interface {
	Location() (line, column int, offset int64)
}

// SliceSource replays a fixed list of events. It is mostly useful in tests and
// for callers that already hold a decoded document.
type SliceSource struct {
	Events []Event
	Err    error // returned after Events are exhausted instead of io.EOF, if set

	pos int
}

// Next implements EventSource.
func (s *SliceSource) Next() (Event, error) {
	if s.pos < len(s.Events) {
		ev := s.Events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return nil, io.EOF
}
