package multitable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"xmlflat/internal/flatten"
	"xmlflat/internal/metrics"
	xmlsrc "xmlflat/internal/parser/xml"
	"xmlflat/internal/partition"
	"xmlflat/internal/recorddef"
	"xmlflat/internal/schema"
	"xmlflat/internal/sink"
	"xmlflat/internal/sink/table"
	"xmlflat/internal/storage"
)

// Logger is the minimal logging seam used by the runner and handed down to
// engines and sinks. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Runner executes a Pipeline. The function fields are seams; NewDefaultRunner
// fills them with the real implementations.
type Runner struct {
	Logger Logger

	// storage-agnostic factory seam
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	// OpenSource opens the input document.
	OpenSource func(path string, opts xmlsrc.Options) (flatten.EventSource, func() error, error)
	ExpandEnv  func(string) string
	NewRunID   func() string
}

// NewDefaultRunner returns a Runner wired to the real parser and storage
// registry. A nil logger discards messages.
func NewDefaultRunner(logger Logger) *Runner {
	return &Runner{
		Logger:        logger,
		NewRepository: storage.New,
		OpenSource: func(path string, opts xmlsrc.Options) (flatten.EventSource, func() error, error) {
			src, closeFn, err := xmlsrc.OpenFile(path, opts)
			if err != nil {
				return nil, nil, err
			}
			return src, closeFn, nil
		},
		ExpandEnv: os.ExpandEnv,
		NewRunID:  func() string { return uuid.NewString() },
	}
}

// WorkerResult is the outcome of one engine. Records counts completed
// top-level records even when Err is set; Files lists output files (or
// tables) that received data.
type WorkerResult struct {
	Worker  int
	Records int64
	Written int64
	Files   []string
	Err     error
}

// Summary describes a finished run.
type Summary struct {
	RunID   string
	Records int64
	Written int64
	Workers []WorkerResult
	// Unresolved lists declared cascade fields ("type.key") no worker ever
	// populated.
	Unresolved []string
	// Definitions is the file written for output.write_definitions.
	Definitions string
	Duration    time.Duration
}

// Failed reports whether any worker failed.
func (s Summary) Failed() bool {
	for _, w := range s.Workers {
		if w.Err != nil {
			return true
		}
	}
	return false
}

// plan is the resolved, run-wide engine configuration.
type plan struct {
	parser    xmlsrc.Options
	recordTag *flatten.QName
	policy    flatten.CascadePolicy
	defs      *recorddef.File
	schema    flatten.SchemaSource
	registry  *flatten.Registry
	// collect makes every engine keep what it observes, for write_definitions.
	collect bool
}

// fixed reports whether a record type's columns are known before any record
// of it is seen. recordType is the display name of the type, which drops the
// namespace, so a prefixed or bare name also matches a definition by local
// name.
func (pl *plan) fixed(recordType string) bool {
	t := flatten.ParseQName(recordType)
	if _, ok := pl.registry.Output(t); ok {
		return true
	}
	if t.Space == "" {
		for _, d := range pl.registry.OutputDefs() {
			if d.Type.Local == t.Local {
				return true
			}
		}
	}
	if pl.schema == nil {
		return false
	}
	fields, ok := pl.schema.FieldsOf(t)
	if !ok {
		return false
	}
	for _, f := range fields {
		if !f.Container {
			return true
		}
	}
	return false
}

func (pl *plan) merge(d *flatten.Discovery) {
	if d == nil {
		return
	}
	pl.defs.Merge(recorddef.FromDefs(d.OutputDefs(), d.CascadeDefs()))
	pl.registry = pl.defs.Registry()
}

func (pl *plan) engineOptions(worker int, logger Logger) flatten.Options {
	return flatten.Options{
		RecordTag: pl.recordTag,
		Policy:    pl.policy,
		Registry:  pl.registry,
		Schema:    pl.schema,
		Logger:    logger,
		Worker:    worker,
		Discover:  pl.collect,
	}
}

// output hands out one sink per worker.
type output struct {
	newSink func(worker int) (flatten.Sink, func() []string)
	close   func() error
}

// Run validates cfg, flattens the input with runtime.workers engines and
// closes every sink, also after failures. The returned error joins the
// worker errors; the Summary is filled in either way.
func (r *Runner) Run(ctx context.Context, cfg Pipeline) (Summary, error) {
	cfg = cfg.WithDefaults()
	if err := ValidatePipeline(cfg).Err(); err != nil {
		return Summary{}, err
	}
	logf := r.logger()
	start := time.Now()
	sum := Summary{RunID: r.newRunID()}
	workers := cfg.Runtime.Workers
	logf.Printf("stage=start run_id=%s job=%s input=%s workers=%d policy=%s storage=%s",
		sum.RunID, cfg.Job, cfg.Source.File.Path, workers, cfg.Cascade.Policy, cfg.Storage.Kind)

	pl, err := r.prepare(cfg)
	metrics.RecordStep("prepare", err, time.Since(start))
	if err != nil {
		metrics.IncError("config")
		return sum, err
	}

	if cfg.Runtime.DiscoverDefinitions {
		if err := r.discover(ctx, cfg, pl); err != nil {
			metrics.IncError(errorKind(err, false))
			return sum, err
		}
	}

	out, err := r.openOutput(ctx, cfg, pl)
	if err != nil {
		metrics.IncError("storage")
		return sum, err
	}

	src, closeSrc, err := r.OpenSource(cfg.Source.File.Path, pl.parser)
	if err != nil {
		_ = out.close()
		return sum, fmt.Errorf("open source: %w", err)
	}

	var streams []*partition.Stream
	sources := []flatten.EventSource{src}
	if workers > 1 {
		streams = partition.Split(ctx, src, workers, cfg.Runtime.ChannelBuffer)
		sources = partition.Sources(streams)
	}

	results := make([]WorkerResult, len(sources))
	observed := make([]*flatten.Discovery, len(sources))
	unresolved := make([][]string, len(sources))
	var wg sync.WaitGroup
	for i := range sources {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if streams != nil {
				// Release the splitter from this worker's share once it stops reading.
				defer streams[i].Close()
			}
			results[i], observed[i], unresolved[i] = r.runWorker(ctx, i, sources[i], cfg.Runtime.BatchSize, pl, out)
		}(i)
	}
	wg.Wait()

	var errs []error
	if err := closeSrc(); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}
	if err := out.close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}

	sum.Workers = results
	for _, res := range results {
		sum.Records += res.Records
		sum.Written += res.Written
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	sum.Unresolved = commonEntries(unresolved)
	for _, u := range sum.Unresolved {
		logf.Printf("stage=cascade unresolved=%s", u)
	}

	if cfg.Output.WriteDefinitions != "" {
		for _, d := range observed {
			pl.merge(d)
		}
		if err := recorddef.Save(cfg.Output.WriteDefinitions, pl.defs); err != nil {
			errs = append(errs, err)
		} else {
			sum.Definitions = cfg.Output.WriteDefinitions
			logf.Printf("stage=definitions path=%s output=%d cascade=%d", sum.Definitions, len(pl.defs.Output), len(pl.defs.Cascade))
		}
	}

	sum.Duration = time.Since(start)
	err = errors.Join(errs...)
	metrics.RecordStep("run", err, sum.Duration)
	logf.Printf("stage=done run_id=%s records=%d written=%d duration=%s failed=%t",
		sum.RunID, sum.Records, sum.Written, sum.Duration.Truncate(time.Millisecond), err != nil)
	if ferr := metrics.Flush(); ferr != nil {
		logf.Printf("stage=metrics flush_err=%v", ferr)
	}
	return sum, err
}

// prepare loads definitions and schema.
func (r *Runner) prepare(cfg Pipeline) (*plan, error) {
	pl := &plan{
		parser: xmlsrc.Options{
			Encoding: cfg.Parser.Options.String("encoding", ""),
			Lenient:  cfg.Parser.Options.Bool("lenient", false),
		},
		defs:    &recorddef.File{Version: recorddef.CurrentVersion},
		collect: cfg.Output.WriteDefinitions != "",
	}
	if tag := cfg.Parser.Options.String("record_tag", ""); tag != "" {
		q := flatten.ParseQName(tag)
		pl.recordTag = &q
	}
	policy, err := flatten.ParsePolicy(cfg.Cascade.Policy)
	if err != nil {
		return nil, err
	}
	pl.policy = policy

	if path := cfg.Output.Definitions; path != "" {
		f, err := recorddef.Load(path)
		if err != nil {
			return nil, err
		}
		pl.defs.Output = f.Output
		if cfg.Cascade.Definitions == "" {
			pl.defs.Cascade = f.Cascade
		}
	}
	if path := cfg.Cascade.Definitions; path != "" {
		f, err := recorddef.Load(path)
		if err != nil {
			return nil, err
		}
		pl.defs.Cascade = f.Cascade
	}
	if cfg.Output.XSD != "" {
		s, err := schema.Load(cfg.Output.XSD)
		if err != nil {
			return nil, err
		}
		pl.schema = s
	}
	pl.registry = pl.defs.Registry()
	return pl, nil
}

// discover runs one engine over the whole document with a discarding sink
// and pins what it saw as definitions for the real run.
func (r *Runner) discover(ctx context.Context, cfg Pipeline, pl *plan) error {
	start := time.Now()
	src, closeSrc, err := r.OpenSource(cfg.Source.File.Path, pl.parser)
	if err != nil {
		return fmt.Errorf("discover: open source: %w", err)
	}
	defer func() { _ = closeSrc() }()

	opts := pl.engineOptions(0, r.logger())
	opts.Discover = true
	e := flatten.New(src, flatten.DiscardSink{}, opts)
	_, err = e.Next(ctx, 0)
	if err != nil && err != io.EOF {
		metrics.RecordStep("discover", err, time.Since(start))
		return fmt.Errorf("discover: %w", err)
	}
	pl.merge(e.Observed())
	if pl.recordTag == nil {
		if tag, ok := e.RecordTag(); ok {
			pl.recordTag = &tag
		}
	}
	metrics.RecordStep("discover", nil, time.Since(start))
	r.logger().Printf("stage=discover records=%d output_types=%d cascade_types=%d duration=%s",
		e.Completed(), len(pl.defs.Output), len(pl.defs.Cascade), durMS(start))
	return nil
}

func (r *Runner) openOutput(ctx context.Context, cfg Pipeline, pl *plan) (*output, error) {
	logf := r.logger()
	if cfg.Storage.Kind == FileKind {
		opts := cfg.Storage.Options
		return &output{
			newSink: func(worker int) (flatten.Sink, func() []string) {
				suffix := ""
				if cfg.Runtime.Workers > 1 {
					suffix = "_" + strconv.Itoa(worker)
				}
				d := sink.New(sink.Options{
					Dir:                cfg.Storage.Dir,
					Delimiter:          opts.String("delimiter", ""),
					NewlineReplacement: opts.String("newline", ""),
					Extension:          opts.String("extension", ""),
					Suffix:             suffix,
					Fixed:              pl.fixed,
					Logger:             logf,
				})
				return d, d.Files
			},
			close: func() error { return nil },
		}, nil
	}

	start := time.Now()
	repo, err := r.NewRepository(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: r.expandEnv(cfg.Storage.DB.DSN)})
	metrics.RecordStep("connect", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	loader := table.NewLoader(repo, table.Options{
		Schema:    cfg.Storage.DB.Schema,
		Prefix:    cfg.Storage.DB.Prefix,
		BatchSize: cfg.Runtime.LoadBatchSize,
		RowHash:   cfg.Storage.DB.RowHash,
		Logger:    logf,
	})
	for _, d := range pl.registry.OutputDefs() {
		loader.Reserve(d.Type.Display(), d.Keys())
	}
	return &output{
		newSink: func(int) (flatten.Sink, func() []string) {
			s := loader.Sink()
			return s, s.Tables
		},
		close: func() error {
			repo.Close()
			return nil
		},
	}, nil
}

// runWorker drives one engine batch by batch until its stream ends or fails,
// then closes its sink.
func (r *Runner) runWorker(ctx context.Context, worker int, src flatten.EventSource, batch int, pl *plan, out *output) (WorkerResult, *flatten.Discovery, []string) {
	logf := r.logger()
	start := time.Now()
	label := strconv.Itoa(worker)

	sk, files := out.newSink(worker)
	cs := &countingSink{Sink: sk, counts: map[string]int{}}
	e := flatten.New(src, cs, pl.engineOptions(worker, logf))

	res := WorkerResult{Worker: worker}
	var total int64
	for {
		n, err := e.Next(ctx, batch)
		if n > 0 {
			total += int64(n)
			cs.report()
			metrics.IncBatch(label)
			logf.Printf("stage=batch worker=%d records=%d total=%d", worker, n, total)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			cs.report()
			metrics.IncError(errorKind(err, cs.failed))
			res.Err = fmt.Errorf("worker %d: %w", worker, err)
			break
		}
	}
	if err := sk.CloseAll(); err != nil {
		metrics.IncError("sink")
		res.Err = errors.Join(res.Err, fmt.Errorf("worker %d: close output: %w", worker, err))
	}

	res.Records = e.Completed()
	res.Written = e.Written()
	res.Files = files()
	metrics.RecordStep("worker", res.Err, time.Since(start))
	logf.Printf("stage=worker worker=%d records=%d written=%d files=%d duration=%s",
		worker, res.Records, res.Written, len(res.Files), durMS(start))
	return res, e.Observed(), e.Unresolved()
}

// countingSink counts records per type between progress reports.
type countingSink struct {
	flatten.Sink
	counts map[string]int
	failed bool
}

func (s *countingSink) Write(ctx context.Context, rec flatten.Record) error {
	if err := s.Sink.Write(ctx, rec); err != nil {
		s.failed = true
		return err
	}
	s.counts[rec.Type]++
	return nil
}

func (s *countingSink) report() {
	for kind, n := range s.counts {
		metrics.AddRecords(kind, n)
	}
	clear(s.counts)
}

// errorKind classifies a worker error for the errors metric.
func errorKind(err error, sinkFailed bool) string {
	var mde *flatten.MalformedDocumentError
	switch {
	case sinkFailed:
		return "sink"
	case errors.As(err, &mde):
		return "malformed"
	case errors.Is(err, flatten.ErrUnresolvedRecordTag):
		return "unresolved_tag"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// commonEntries returns, sorted, the entries present in every list.
func commonEntries(lists [][]string) []string {
	if len(lists) == 0 {
		return nil
	}
	seen := map[string]int{}
	for _, l := range lists {
		uniq := map[string]bool{}
		for _, v := range l {
			if !uniq[v] {
				uniq[v] = true
				seen[v]++
			}
		}
	}
	var out []string
	for v, n := range seen {
		if n == len(lists) {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

func (r *Runner) logger() Logger {
	if r.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return r.Logger
}

func (r *Runner) expandEnv(s string) string {
	if r.ExpandEnv == nil {
		return os.ExpandEnv(s)
	}
	return r.ExpandEnv(s)
}

func (r *Runner) newRunID() string {
	if r.NewRunID == nil {
		return uuid.NewString()
	}
	return r.NewRunID()
}
