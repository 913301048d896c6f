package partition

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmlflat/internal/flatten"
)

func start(name string) flatten.Event { return flatten.StartElement{Name: flatten.QName{Local: name}} }
func end(name string) flatten.Event   { return flatten.EndElement{Name: flatten.QName{Local: name}} }
func text(s string) flatten.Event     { return flatten.Text{Data: s} }

func recordsDoc(n int) []flatten.Event {
	evs := []flatten.Event{start("rs"), text("\n")}
	for i := 0; i < n; i++ {
		evs = append(evs, start("r"), start("v"), text(string(rune('a'+i))), end("v"), end("r"), text("\n"))
	}
	return append(evs, end("rs"))
}

// drain reads every stream concurrently, as workers would.
func drain(t *testing.T, streams []*Stream) ([][]flatten.Event, []error) {
	t.Helper()
	evs := make([][]flatten.Event, len(streams))
	errs := make([]error, len(streams))
	var wg sync.WaitGroup
	for i, s := range streams {
		wg.Add(1)
		go func(i int, s *Stream) {
			defer wg.Done()
			for {
				ev, err := s.Next()
				if err == io.EOF {
					return
				}
				if err != nil {
					errs[i] = err
					return
				}
				evs[i] = append(evs[i], ev)
			}
		}(i, s)
	}
	wg.Wait()
	return evs, errs
}

func texts(evs []flatten.Event) string {
	var b strings.Builder
	for _, ev := range evs {
		if tx, ok := ev.(flatten.Text); ok {
			b.WriteString(tx.Data)
		}
	}
	return b.String()
}

func TestSplit_RoundRobinWholeSubtrees(t *testing.T) {
	t.Parallel()

	src := &flatten.SliceSource{Events: recordsDoc(5)}
	evs, errs := drain(t, Split(context.Background(), src, 2, 4))

	require.Equal(t, []error{nil, nil}, errs)
	assert.Equal(t, "ace", texts(evs[0]), spew.Sdump(evs[0]))
	assert.Equal(t, "bd", texts(evs[1]), spew.Sdump(evs[1]))
	for i, w := range evs {
		require.NotEmpty(t, w)
		assert.Equal(t, start("rs"), w[0], "worker %d must open the root", i)
		assert.Equal(t, end("rs"), w[len(w)-1], "worker %d must close the root", i)
	}
}

func TestSplit_StreamsFlattenIndependently(t *testing.T) {
	t.Parallel()

	streams := Split(context.Background(), &flatten.SliceSource{Events: recordsDoc(5)}, 3, 0)
	counts := make([]int64, len(streams))
	var wg sync.WaitGroup
	for i, s := range streams {
		wg.Add(1)
		go func(i int, s *Stream) {
			defer wg.Done()
			defer s.Close()
			e := flatten.New(s, flatten.DiscardSink{}, flatten.Options{Worker: i})
			_, err := e.Next(context.Background(), 0)
			if err != nil && err != io.EOF {
				t.Errorf("worker %d: %v", i, err)
			}
			counts[i] = e.Completed()
		}(i, s)
	}
	wg.Wait()
	assert.Equal(t, []int64{2, 2, 1}, counts)
}

func TestSplit_ErrorGoesToOwningWorker(t *testing.T) {
	t.Parallel()

	boom := errors.New("bad token")
	evs := []flatten.Event{start("rs"), start("r"), end("r"), start("r"), start("v")}
	src := &flatten.SliceSource{Events: evs, Err: boom}

	got, errs := drain(t, Split(context.Background(), src, 2, 0))

	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.Equal(t, end("rs"), got[0][len(got[0])-1], "non-owning worker ends cleanly")
}

func TestSplit_TruncatedDocument(t *testing.T) {
	t.Parallel()

	src := &flatten.SliceSource{Events: []flatten.Event{start("rs"), start("r")}}
	_, errs := drain(t, Split(context.Background(), src, 1, 0))
	assert.ErrorIs(t, errs[0], io.ErrUnexpectedEOF)
}

func TestSplit_ClosedStreamDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	streams := Split(context.Background(), &flatten.SliceSource{Events: recordsDoc(50)}, 2, 1)
	streams[0].Close()

	var n int
	for {
		_, err := streams[1].Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
	}
	assert.Greater(t, n, 0)
}

func TestSplit_ContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	streams := Split(ctx, &flatten.SliceSource{Events: recordsDoc(100)}, 1, 1)
	cancel()

	var err error
	for err == nil {
		_, err = streams[0].Next()
	}
	// Either the buffered events ran out before the reader noticed, or the
	// cancellation was reported.
	if err != io.EOF {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
