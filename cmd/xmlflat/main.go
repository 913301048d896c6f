// Command xmlflat flattens a nested XML document into one delimited file (or
// database table) per record type.
//
//	xmlflat -in employees.xml -out out/ -cascade all
//	xmlflat -config pipeline.json -workers 4
//
// Flags override the matching settings of -config. Exit codes: 0 success,
// 1 failure, 2 usage error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"xmlflat/internal/config"
	"xmlflat/internal/metrics"
	"xmlflat/internal/metrics/datadog"
	"xmlflat/internal/multitable"

	// register all backends with the storage factory.
	_ "xmlflat/internal/storage/all"
)

type runner interface {
	Run(ctx context.Context, cfg multitable.Pipeline) (multitable.Summary, error)
}

// appDeps are the side-effecting collaborators of runMain.
type appDeps struct {
	loadPipeline func(path string) (multitable.Pipeline, error)
	loadEnv      func(path string) error
	newRunner    func(logger multitable.Logger) runner
	initMetrics  func(ctx context.Context, jobName, backendName string) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadPipeline: multitable.LoadPipeline,
		loadEnv:      func(path string) error { return godotenv.Load(path) },
		newRunner: func(logger multitable.Logger) runner {
			return multitable.NewDefaultRunner(logger)
		},
		initMetrics: initMetrics,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

type options struct {
	cfgPath     string
	in          string
	out         string
	recordTag   string
	cascade     string
	outputDefs  string
	cascadeDefs string
	xsd         string
	delimiter   string
	newline     string
	batch       int
	workers     int
	encoding    string
	writeDefs   string
	storage     string
	dsn         string
	metrics     string
	envFile     string
	validate    bool
	verbose     bool
}

func parseFlags(args []string, stderr io.Writer) (options, map[string]bool, error) {
	var o options
	fs := flag.NewFlagSet("xmlflat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.cfgPath, "config", "", "pipeline config JSON path")
	fs.StringVar(&o.in, "in", "", `input XML document ("-" for stdin)`)
	fs.StringVar(&o.out, "out", "", "output directory for delimited files")
	fs.StringVar(&o.recordTag, "record-tag", "", "element delimiting top-level records (default: first element below the root)")
	fs.StringVar(&o.cascade, "cascade", "", "cascade policy: none|all|xsd|out")
	fs.StringVar(&o.outputDefs, "output-defs", "", "record definition file pinning output columns (.json or .yaml)")
	fs.StringVar(&o.cascadeDefs, "cascade-defs", "", "record definition file pinning cascade fields (.json or .yaml)")
	fs.StringVar(&o.xsd, "xsd", "", "XML schema deriving output columns")
	fs.StringVar(&o.delimiter, "delimiter", "", `field delimiter (default "|")`)
	fs.StringVar(&o.newline, "newline", "", "replacement for line breaks inside values (default a space)")
	fs.IntVar(&o.batch, "batch", 0, "records per batch between progress reports")
	fs.IntVar(&o.workers, "workers", 0, "number of parallel engines")
	fs.StringVar(&o.encoding, "encoding", "", "force the input encoding (e.g. latin1)")
	fs.StringVar(&o.writeDefs, "write-defs", "", "save the record definitions in effect after the run")
	fs.StringVar(&o.storage, "storage", "", "storage kind: file|postgres|mssql|sqlite")
	fs.StringVar(&o.dsn, "dsn", "", "database DSN; $VARS are expanded")
	fs.StringVar(&o.metrics, "metrics-backend", "", "metrics backend: none|datadog (default $METRICS_BACKEND)")
	fs.StringVar(&o.envFile, "env-file", "", "dotenv file loaded before the run")
	fs.BoolVar(&o.validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&o.verbose, "v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		return o, nil, err
	}
	if fs.NArg() > 0 {
		return o, nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if strings.TrimSpace(o.cfgPath) == "" && strings.TrimSpace(o.in) == "" {
		return o, nil, errors.New("one of -config or -in is required")
	}
	return o, set, nil
}

// pipelineFromFlags overlays the flags the user set on p.
func pipelineFromFlags(p multitable.Pipeline, o options, set map[string]bool) multitable.Pipeline {
	if set["in"] {
		p.Source = multitable.Source{Kind: "file", File: &multitable.FileSource{Path: o.in}}
	}
	if set["out"] {
		p.Storage.Dir = o.out
	}
	if set["storage"] {
		p.Storage.Kind = o.storage
	}
	if set["dsn"] {
		p.Storage.DB.DSN = o.dsn
	}
	if set["record-tag"] || set["encoding"] {
		if p.Parser.Options == nil {
			p.Parser.Options = config.Options{}
		}
		if set["record-tag"] {
			p.Parser.Options["record_tag"] = o.recordTag
		}
		if set["encoding"] {
			p.Parser.Options["encoding"] = o.encoding
		}
	}
	if set["delimiter"] || set["newline"] {
		if p.Storage.Options == nil {
			p.Storage.Options = config.Options{}
		}
		if set["delimiter"] {
			p.Storage.Options["delimiter"] = unescape(o.delimiter)
		}
		if set["newline"] {
			p.Storage.Options["newline"] = o.newline
		}
	}
	if set["cascade"] {
		p.Cascade.Policy = o.cascade
	}
	if set["cascade-defs"] {
		p.Cascade.Definitions = o.cascadeDefs
	}
	if set["output-defs"] {
		p.Output.Definitions = o.outputDefs
	}
	if set["xsd"] {
		p.Output.XSD = o.xsd
	}
	if set["write-defs"] {
		p.Output.WriteDefinitions = o.writeDefs
	}
	if set["batch"] {
		p.Runtime.BatchSize = o.batch
	}
	if set["workers"] {
		p.Runtime.Workers = o.workers
	}
	return p.WithDefaults()
}

// unescape lets shells pass a tab delimiter as \t.
func unescape(s string) string {
	if s == `\t` {
		return "\t"
	}
	return s
}

// runMain is the testable body of main.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	o, set, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "%v\nusage: xmlflat -in doc.xml -out dir [flags] | xmlflat -config pipeline.json [flags]\n", err)
		}
		return 2
	}

	logger := newLogger(stderr, o.verbose)
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	if o.envFile != "" {
		if err := deps.loadEnv(o.envFile); err != nil {
			fmt.Fprintf(stderr, "load env: %v\n", err)
			return 1
		}
	}

	var p multitable.Pipeline
	if o.cfgPath != "" {
		if p, err = deps.loadPipeline(o.cfgPath); err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
	}
	p = pipelineFromFlags(p, o, set)

	issues := multitable.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if issues.HasErrors() {
		sugar.Errorw("configuration is invalid", "config", o.cfgPath)
		return 1
	}
	if o.validate {
		sugar.Infow("configuration is valid", "config", o.cfgPath)
		fmt.Fprintln(stdout, "ok")
		return 0
	}

	// Decide metrics backend: flag → env → default.
	backendName := o.metrics
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	jobName := p.Job
	if jobName == "" {
		jobName = "xmlflat"
	}
	cleanup, err := deps.initMetrics(ctx, jobName, backendName)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	sugar.Debugw("pipeline",
		"input", p.Source.File.Path,
		"storage", p.Storage.Kind,
		"policy", p.Cascade.Policy,
		"workers", p.Runtime.Workers,
		"batch", p.Runtime.BatchSize,
	)

	r := deps.newRunner(zap.NewStdLog(logger))
	sum, err := r.Run(ctx, p)
	if err != nil {
		for _, w := range sum.Workers {
			fmt.Fprintf(stderr, "worker %d: completed %d records\n", w.Worker, w.Records)
		}
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	for _, w := range sum.Workers {
		fmt.Fprintf(stdout, "worker %d: %d records, %d rows", w.Worker, w.Records, w.Written)
		if len(w.Files) > 0 {
			fmt.Fprintf(stdout, " -> %s", strings.Join(w.Files, ", "))
		}
		fmt.Fprintln(stdout)
	}
	for _, u := range sum.Unresolved {
		sugar.Warnw("cascade field never populated", "field", u)
	}
	if sum.Definitions != "" {
		fmt.Fprintf(stdout, "definitions: %s\n", sum.Definitions)
	}
	sugar.Infow("completed", "run_id", sum.RunID, "records", sum.Records, "duration", sum.Duration.Truncate(time.Millisecond))
	return 0
}

// newLogger writes JSON logs to w, or human-readable debug logs with verbose.
func newLogger(w io.Writer, verbose bool) *zap.Logger {
	if verbose {
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.DebugLevel))
	}
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.InfoLevel))
}

// metricsBackend is what the CLI needs from a buffering backend.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = metrics.SetBackend
	logPrintf         = log.Printf
)

// initMetrics installs the named backend. The returned cleanup is never nil
// and flushes and detaches the backend.
func initMetrics(ctx context.Context, jobName, backendName string) (func(), error) {
	switch strings.ToLower(strings.TrimSpace(backendName)) {
	case "", "none", "noop":
		return func() {}, nil
	case "datadog", "dd":
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := newDatadogBackend(ctx, datadog.Options{JobName: jobName, Tags: tags, FlushEvery: 60 * time.Second})
		if err != nil {
			return func() {}, err
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
			setMetricsBackend(nil)
		}, nil
	default:
		return func() {}, fmt.Errorf("unknown metrics backend %q (want none|datadog)", backendName)
	}
}
