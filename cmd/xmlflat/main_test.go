package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"xmlflat/internal/metrics"
	"xmlflat/internal/metrics/datadog"
	"xmlflat/internal/multitable"
)

// fakeRunner records the config it received and returns a canned result.
type fakeRunner struct {
	sum   multitable.Summary
	err   error
	calls atomic.Int64

	mu      sync.Mutex
	lastCfg multitable.Pipeline
}

func (r *fakeRunner) Run(ctx context.Context, cfg multitable.Pipeline) (multitable.Summary, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.lastCfg = cfg
	r.mu.Unlock()
	return r.sum, r.err
}

type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) IncCounter(string, float64, metrics.Labels)       {}
func (b *fakeMetricsBackend) ObserveHistogram(string, float64, metrics.Labels) {}

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

// failingDeps fails the test if any side-effecting collaborator is used.
func failingDeps(t *testing.T) appDeps {
	return appDeps{
		loadPipeline: func(string) (multitable.Pipeline, error) {
			t.Fatalf("loadPipeline must not be called")
			return multitable.Pipeline{}, nil
		},
		loadEnv: func(string) error {
			t.Fatalf("loadEnv must not be called")
			return nil
		},
		newRunner: func(multitable.Logger) runner {
			t.Fatalf("newRunner must not be called")
			return &fakeRunner{}
		},
		initMetrics: func(context.Context, string, string) (func(), error) {
			t.Fatalf("initMetrics must not be called")
			return func() {}, nil
		},
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{name: "no_input", args: []string{}, wantStderrSub: "one of -config or -in is required"},
		{name: "blank_config", args: []string{"-config", "  "}, wantStderrSub: "usage: xmlflat"},
		{name: "unknown_flag", args: []string{"-nope"}, wantStderrSub: "flag provided but not defined"},
		{name: "extra_args", args: []string{"-in", "a.xml", "b.xml"}, wantStderrSub: "unexpected arguments: b.xml"},
		{name: "bad_int", args: []string{"-in", "a.xml", "-workers", "many"}, wantStderrSub: "invalid value"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, failingDeps(t))
			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_Flow(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	okArgs := []string{"-in", "doc.xml", "-out", outDir}

	tests := []struct {
		name             string
		args             []string
		loadErr          error
		envErr           error
		initMetricsErr   error
		runErr           error
		sum              multitable.Summary
		wantCode         int
		wantStderrSub    string
		wantStdoutSub    string
		wantRunnerCalls  int64
		wantCleanupCalls int64
	}{
		{
			name:          "config_load_error",
			args:          []string{"-config", "p.json"},
			loadErr:       errors.New("read config: no such file"),
			wantCode:      1,
			wantStderrSub: "read config:",
		},
		{
			name:          "env_file_error",
			args:          append([]string{"-env-file", "x.env"}, okArgs...),
			envErr:        errors.New("open x.env"),
			wantCode:      1,
			wantStderrSub: "load env: open x.env",
		},
		{
			name:          "invalid_config",
			args:          []string{"-in", "doc.xml"},
			wantCode:      1,
			wantStderrSub: "error: storage.dir: is required",
		},
		{
			name:          "validate_only",
			args:          append([]string{"-validate"}, okArgs...),
			wantCode:      0,
			wantStdoutSub: "ok\n",
		},
		{
			name:           "init_metrics_error",
			args:           okArgs,
			initMetricsErr: errors.New("metrics unavailable"),
			wantCode:       1,
			wantStderrSub:  "init metrics: metrics unavailable",
		},
		{
			name:   "runner_error_reports_worker_counts",
			args:   okArgs,
			runErr: errors.New("worker 1: malformed"),
			sum: multitable.Summary{Workers: []multitable.WorkerResult{
				{Worker: 0, Records: 5},
				{Worker: 1, Records: 2, Err: errors.New("malformed")},
			}},
			wantCode:         1,
			wantStderrSub:    "worker 1: completed 2 records\nrun: worker 1: malformed",
			wantRunnerCalls:  1,
			wantCleanupCalls: 1,
		},
		{
			name: "success",
			args: okArgs,
			sum: multitable.Summary{
				Records:     3,
				Workers:     []multitable.WorkerResult{{Worker: 0, Records: 3, Written: 5, Files: []string{"a.txt", "b.txt"}}},
				Definitions: "defs.yaml",
			},
			wantCode:         0,
			wantStdoutSub:    "worker 0: 3 records, 5 rows -> a.txt, b.txt\ndefinitions: defs.yaml\n",
			wantRunnerCalls:  1,
			wantCleanupCalls: 1,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			fr := &fakeRunner{sum: tc.sum, err: tc.runErr}
			var cleanupCalls atomic.Int64

			deps := appDeps{
				loadPipeline: func(string) (multitable.Pipeline, error) { return multitable.Pipeline{}, tc.loadErr },
				loadEnv:      func(string) error { return tc.envErr },
				newRunner:    func(multitable.Logger) runner { return fr },
				initMetrics: func(context.Context, string, string) (func(), error) {
					if tc.initMetricsErr != nil {
						return func() {}, tc.initMetricsErr
					}
					return func() { cleanupCalls.Add(1) }, nil
				},
			}

			code := runMain(context.Background(), tc.args, &stdout, &stderr, deps)
			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantStderrSub != "" && !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if tc.wantStdoutSub != "" && !strings.Contains(stdout.String(), tc.wantStdoutSub) {
				t.Fatalf("stdout=%q, want contains %q", stdout.String(), tc.wantStdoutSub)
			}
			if got := fr.calls.Load(); got != tc.wantRunnerCalls {
				t.Fatalf("runner calls=%d, want %d", got, tc.wantRunnerCalls)
			}
			if got := cleanupCalls.Load(); got != tc.wantCleanupCalls {
				t.Fatalf("cleanup calls=%d, want %d", got, tc.wantCleanupCalls)
			}
		})
	}
}

func TestRunMain_FlagsOverrideConfig(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	base := multitable.Pipeline{
		Job:     "hr",
		Source:  multitable.Source{Kind: "file", File: &multitable.FileSource{Path: "from-config.xml"}},
		Cascade: multitable.Cascade{Policy: "none"},
		Storage: multitable.Storage{Kind: multitable.FileKind, Dir: outDir},
		Runtime: multitable.RuntimeConfig{Workers: 1, BatchSize: 50},
	}
	fr := &fakeRunner{}
	deps := appDeps{
		loadPipeline: func(string) (multitable.Pipeline, error) { return base, nil },
		newRunner:    func(multitable.Logger) runner { return fr },
		initMetrics: func(_ context.Context, job, _ string) (func(), error) {
			if job != "hr" {
				t.Errorf("job=%q, want hr", job)
			}
			return func() {}, nil
		},
	}

	args := []string{
		"-config", "p.json",
		"-cascade", "all",
		"-record-tag", "hr:employee",
		"-delimiter", `\t`,
		"-batch", "7",
		"-encoding", "latin1",
	}
	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), args, &stdout, &stderr, deps); code != 0 {
		t.Fatalf("exit code=%d; stderr=%q", code, stderr.String())
	}

	got := fr.lastCfg
	if got.Source.File.Path != "from-config.xml" || got.Storage.Dir != outDir {
		t.Fatalf("unset flags must keep config values: %+v", got)
	}
	if got.Cascade.Policy != "all" || got.Runtime.BatchSize != 7 || got.Runtime.Workers != 1 {
		t.Fatalf("overrides not applied: policy=%q runtime=%+v", got.Cascade.Policy, got.Runtime)
	}
	if got.Parser.Options.String("record_tag", "") != "hr:employee" || got.Parser.Options.String("encoding", "") != "latin1" {
		t.Fatalf("parser options=%v", got.Parser.Options)
	}
	if got.Storage.Options.String("delimiter", "") != "\t" {
		t.Fatalf("delimiter=%q, want tab", got.Storage.Options.String("delimiter", ""))
	}
}

func TestRunMain_EndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "employees.xml")
	doc := `<employees><employee><id>1</id><name>Ann</name><address><city>NY</city></address></employee></employees>`
	if err := os.WriteFile(in, []byte(doc), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	out := filepath.Join(dir, "out")
	defs := filepath.Join(dir, "defs.json")

	args := []string{"-in", in, "-out", out, "-cascade", "all", "-write-defs", defs, "-metrics-backend", "none"}
	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), args, &stdout, &stderr, defaultDeps()); code != 0 {
		t.Fatalf("exit code=%d; stderr=%q", code, stderr.String())
	}

	b, err := os.ReadFile(filepath.Join(out, "address.txt"))
	if err != nil {
		t.Fatalf("read address.txt: %v", err)
	}
	if got, want := string(b), "city|employee.id|employee.name\nNY|1|Ann\n"; got != want {
		t.Fatalf("address.txt=%q, want %q", got, want)
	}
	if _, err := os.Stat(defs); err != nil {
		t.Fatalf("definitions not written: %v", err)
	}
	if !strings.Contains(stdout.String(), "worker 0: 1 records, 2 rows") {
		t.Fatalf("stdout=%q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "stage=batch worker=0 records=1 total=1") {
		t.Fatalf("progress log missing from stderr=%q", stderr.String())
	}
}

// The initMetrics tests swap package-level seams and must not run in parallel.

func TestInitMetrics_None_DoesNotMutateGlobalState(t *testing.T) {
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()
	setMetricsBackend = func(metrics.Backend) {
		t.Fatalf("setMetricsBackend must not be called for none")
	}

	for _, name := range []string{"", "none", "NOOP"} {
		cleanup, err := initMetrics(context.Background(), "job", name)
		if err != nil {
			t.Fatalf("initMetrics(%q) err=%v, want nil", name, err)
		}
		if cleanup == nil {
			t.Fatalf("cleanup=nil, want non-nil")
		}
		cleanup()
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	b := &fakeMetricsBackend{}
	var (
		newCalls int
		sets     []metrics.Backend
		gotOpts  datadog.Options
		logged   bytes.Buffer
	)

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() { newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog }()

	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		newCalls++
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(mb metrics.Backend) { sets = append(sets, mb) }
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	t.Setenv("METRICS_TAGS", "team:data, service:ingest")
	cleanup, err := initMetrics(context.Background(), "jobA", "datadog")
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	if newCalls != 1 || gotOpts.JobName != "jobA" {
		t.Fatalf("newCalls=%d opts=%+v", newCalls, gotOpts)
	}
	if len(gotOpts.Tags) != 2 || gotOpts.Tags[1] != "service:ingest" {
		t.Fatalf("tags=%v", gotOpts.Tags)
	}
	if len(sets) != 1 || sets[0] != b {
		t.Fatalf("setMetricsBackend calls=%v, want the backend once", sets)
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("backend closed=%d, want 1", b.closed.Load())
	}
	if len(sets) != 2 || sets[1] != nil {
		t.Fatalf("cleanup must detach the backend; sets=%v", sets)
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() { newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog }()

	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	setMetricsBackend = func(metrics.Backend) {}
	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(), "job", "dd")
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	cleanup()

	if !strings.Contains(logged.String(), "metrics: datadog close error: flush failed") {
		t.Fatalf("log=%q, want close error", logged.String())
	}
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	cleanup, err := initMetrics(context.Background(), "job", "nope")
	if err == nil {
		t.Fatalf("initMetrics err=nil, want error")
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil")
	}
	cleanup()
	if !strings.Contains(err.Error(), "unknown metrics backend") || !strings.Contains(err.Error(), "none|datadog") {
		t.Fatalf("err=%q", err.Error())
	}
}
