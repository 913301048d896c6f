// Package partition splits one document into several independent,
// well-formed event streams so that a flattening engine can run per stream.
//
// Every child subtree of the document root goes, whole, to one stream,
// round-robin. Each stream is framed by a copy of the root's start and end so
// it parses as a document on its own.
package partition

import (
	"context"
	"io"
	"sync"

	"xmlflat/internal/flatten"
)

// DefaultBuffer is the per-stream channel capacity, in events.
const DefaultBuffer = 1024

type item struct {
	ev  flatten.Event
	err error
}

// Stream is one worker's share of the document. It implements
// flatten.EventSource.
type Stream struct {
	worker int
	ch     chan item
	done   chan struct{}
	once   sync.Once
	// endErr is set before ch is closed when the split was cancelled.
	endErr error
}

// Worker returns the stream's index.
func (s *Stream) Worker() int { return s.worker }

// Next implements flatten.EventSource.
func (s *Stream) Next() (flatten.Event, error) {
	it, ok := <-s.ch
	if !ok {
		if s.endErr != nil {
			return nil, s.endErr
		}
		return nil, io.EOF
	}
	if it.err != nil {
		return nil, it.err
	}
	return it.ev, nil
}

// Close tells the splitter that this stream's consumer is gone. Events routed
// to it afterwards are dropped so the other streams keep flowing.
func (s *Stream) Close() {
	s.once.Do(func() { close(s.done) })
}

// Split starts one reader goroutine over src and returns n streams. The reader
// stops at the end of the root element, on a source error, or when ctx is
// done. A source error is delivered to the stream that owns the subtree being
// read (stream 0 between subtrees); the other streams end normally.
func Split(ctx context.Context, src flatten.EventSource, n, buffer int) []*Stream {
	if n < 1 {
		n = 1
	}
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	streams := make([]*Stream, n)
	for i := range streams {
		streams[i] = &Stream{worker: i, ch: make(chan item, buffer), done: make(chan struct{})}
	}
	sp := &splitter{src: src, streams: streams}
	go sp.run(ctx)
	return streams
}

// Sources returns the streams as flatten.EventSource values.
func Sources(streams []*Stream) []flatten.EventSource {
	out := make([]flatten.EventSource, len(streams))
	for i, s := range streams {
		out[i] = s
	}
	return out
}

type splitter struct {
	src     flatten.EventSource
	streams []*Stream
}

func (sp *splitter) run(ctx context.Context) {
	defer func() {
		for _, s := range sp.streams {
			close(s.ch)
		}
	}()

	var root flatten.StartElement
	for {
		ev, err := sp.src.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			sp.fail(ctx, 0, flatten.QName{}, err)
			return
		}
		if se, ok := ev.(flatten.StartElement); ok {
			root = se
			break
		}
	}
	for _, s := range sp.streams {
		if !sp.send(ctx, s, item{ev: root}) {
			return
		}
	}

	depth, owner, next := 1, -1, 0
	for {
		ev, err := sp.src.Next()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			target := owner
			if target < 0 {
				target = 0
			}
			sp.fail(ctx, target, root.Name, err)
			return
		}
		switch ev := ev.(type) {
		case flatten.StartElement:
			if depth == 1 {
				owner = next
				next = (next + 1) % len(sp.streams)
			}
			depth++
			if !sp.send(ctx, sp.streams[owner], item{ev: ev}) {
				return
			}
		case flatten.EndElement:
			depth--
			if depth == 0 {
				for _, s := range sp.streams {
					if !sp.send(ctx, s, item{ev: ev}) {
						return
					}
				}
				return
			}
			if !sp.send(ctx, sp.streams[owner], item{ev: ev}) {
				return
			}
			if depth == 1 {
				owner = -1
			}
		case flatten.Text:
			// Character data directly inside the root belongs to no record.
			if owner >= 0 && !sp.send(ctx, sp.streams[owner], item{ev: ev}) {
				return
			}
		}
	}
}

// send delivers it unless the stream was closed by its consumer. It reports
// false when ctx is done.
func (sp *splitter) send(ctx context.Context, s *Stream, it item) bool {
	select {
	case s.ch <- it:
		return true
	case <-s.done:
		return true
	case <-ctx.Done():
		for _, st := range sp.streams {
			st.endErr = ctx.Err()
		}
		return false
	}
}

// fail hands err to one stream and closes the root element on the others.
func (sp *splitter) fail(ctx context.Context, target int, root flatten.QName, err error) {
	for i, s := range sp.streams {
		it := item{err: err}
		if i != target {
			if root.IsZero() {
				continue
			}
			it = item{ev: flatten.EndElement{Name: root}}
		}
		if !sp.send(ctx, s, it) {
			return
		}
	}
}
