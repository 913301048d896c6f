package flatten

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnresolvedRecordTag is returned when the document ends without any element
// that could serve as the record tag.
var ErrUnresolvedRecordTag = errors.New("flatten: no record tag could be resolved from the document")

// MalformedDocumentError reports an event source failure. It carries the
// source position, if known, and an indented excerpt of the record that was
// being assembled when the failure happened.
type MalformedDocumentError struct {
	Line    int
	Column  int
	Offset  int64
	Excerpt string
	Err     error
}

func (e *MalformedDocumentError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "flatten: malformed document at line %d, column %d (offset %d): %v", e.Line, e.Column, e.Offset, e.Err)
	if e.Excerpt != "" {
		b.WriteString("\npartial record:\n")
		b.WriteString(e.Excerpt)
	}
	return b.String()
}

func (e *MalformedDocumentError) Unwrap() error { return e.Err }

func malformed(err error, excerpt string) error {
	me := &MalformedDocumentError{Excerpt: excerpt, Err: err}
	var loc Locator
	if errors.As(err, &loc) {
		me.Line, me.Column, me.Offset = loc.Location()
	}
	return me
}
