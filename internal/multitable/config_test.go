package multitable

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"xmlflat/internal/config"
)

func validFilePipeline(t *testing.T) Pipeline {
	t.Helper()
	return Pipeline{
		Job:     "test",
		Source:  Source{Kind: "file", File: &FileSource{Path: "in.xml"}},
		Storage: Storage{Kind: FileKind, Dir: t.TempDir()},
	}.WithDefaults()
}

func issuePaths(is config.Issues, sev config.Severity) []string {
	var out []string
	for _, i := range is {
		if i.Severity == sev {
			out = append(out, i.Path)
		}
	}
	return out
}

func TestDecodePipeline(t *testing.T) {
	t.Parallel()

	doc := `{
		"job": "hr",
		"source": {"kind": "file", "file": {"path": "employees.xml"}},
		"parser": {"kind": "xml", "options": {"record_tag": "employee", "lenient": true}},
		"cascade": {"policy": "all"},
		"storage": {"kind": "file", "dir": "out", "options": {"delimiter": ","}},
		"runtime": {"workers": 2, "batch_size": 10, "discover_definitions": true}
	}`
	p, err := DecodePipeline([]byte(doc))
	if err != nil {
		t.Fatalf("DecodePipeline() err=%v", err)
	}
	if p.Source.File.Path != "employees.xml" || p.Runtime.Workers != 2 || !p.Runtime.DiscoverDefinitions {
		t.Fatalf("decoded=%+v", p)
	}
	if got := p.Parser.Options.String("record_tag", ""); got != "employee" {
		t.Fatalf("record_tag=%q", got)
	}
	if !p.Parser.Options.Bool("lenient", false) {
		t.Fatalf("lenient=false, want true")
	}
	if got := p.Storage.Options.String("delimiter", "|"); got != "," {
		t.Fatalf("delimiter=%q", got)
	}
}

func TestDecodePipeline_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := DecodePipeline([]byte(`{"sorce": {}}`))
	if err == nil || !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("err=%v, want unknown field", err)
	}
}

func TestLoadPipeline_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := LoadPipeline(filepath.Join(t.TempDir(), "none.json")); err == nil {
		t.Fatalf("LoadPipeline() err=nil, want error")
	}
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()

	p := Pipeline{Source: Source{File: &FileSource{Path: "x.xml"}}}.WithDefaults()
	if p.Source.Kind != "file" || p.Parser.Kind != "xml" || p.Cascade.Policy != "none" || p.Storage.Kind != FileKind {
		t.Fatalf("defaults=%+v", p)
	}
	if p.Runtime.Workers != 1 || p.Runtime.BatchSize != DefaultBatchSize {
		t.Fatalf("runtime defaults=%+v", p.Runtime)
	}
}

func TestValidatePipeline(t *testing.T) {
	t.Parallel()

	xsd := filepath.Join(t.TempDir(), "s.xsd")
	if err := os.WriteFile(xsd, []byte(`<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema"/>`), 0o644); err != nil {
		t.Fatalf("write xsd: %v", err)
	}

	tests := []struct {
		name       string
		mutate     func(p *Pipeline)
		wantErrors []string
		wantWarns  []string
	}{
		{name: "valid", mutate: func(p *Pipeline) {}},
		{
			name:       "missing_path",
			mutate:     func(p *Pipeline) { p.Source.File = nil },
			wantErrors: []string{"source.file.path"},
		},
		{
			name:       "bad_parser_and_policy",
			mutate:     func(p *Pipeline) { p.Parser.Kind = "csv"; p.Cascade.Policy = "some" },
			wantErrors: []string{"parser.kind", "cascade.policy"},
		},
		{
			name:       "xsd_policy_without_xsd",
			mutate:     func(p *Pipeline) { p.Cascade.Policy = "xsd" },
			wantErrors: []string{"cascade.policy"},
		},
		{
			name:   "xsd_policy_with_xsd",
			mutate: func(p *Pipeline) { p.Cascade.Policy = "XSD"; p.Output.XSD = xsd },
		},
		{
			name:       "missing_definition_file",
			mutate:     func(p *Pipeline) { p.Output.Definitions = filepath.Join(xsd, "..", "nope.yaml") },
			wantErrors: []string{"output.definitions"},
		},
		{
			name:       "file_storage_needs_dir_and_delimiter",
			mutate:     func(p *Pipeline) { p.Storage.Dir = ""; p.Storage.Options = config.Options{"delimiter": "\n"} },
			wantErrors: []string{"storage.dir", "storage.options.delimiter"},
		},
		{
			name:       "unknown_storage_kind",
			mutate:     func(p *Pipeline) { p.Storage.Kind = "oracle" },
			wantErrors: []string{"storage.kind", "storage.db.dsn"},
		},
		{
			name:   "registered_storage_kind",
			mutate: func(p *Pipeline) { p.Storage.Kind = fakeKind; p.Storage.DB.DSN = "x" },
		},
		{
			name:       "runtime_bounds",
			mutate:     func(p *Pipeline) { p.Runtime.Workers = 0; p.Runtime.BatchSize = -1; p.Runtime.ChannelBuffer = -1 },
			wantErrors: []string{"runtime.workers", "runtime.batch_size", "runtime.channel_buffer"},
		},
		{
			name:       "discovery_needs_rereadable_input",
			mutate:     func(p *Pipeline) { p.Source.File.Path = "-"; p.Runtime.DiscoverDefinitions = true },
			wantErrors: []string{"runtime.discover_definitions"},
		},
		{
			name:      "workers_without_shared_definitions",
			mutate:    func(p *Pipeline) { p.Runtime.Workers = 3 },
			wantWarns: []string{"runtime.workers"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := validFilePipeline(t)
			tc.mutate(&p)
			is := ValidatePipeline(p)

			gotErrs := issuePaths(is, config.SeverityError)
			if strings.Join(gotErrs, ",") != strings.Join(tc.wantErrors, ",") {
				t.Fatalf("error paths=%v, want %v (issues=%v)", gotErrs, tc.wantErrors, is)
			}
			gotWarns := issuePaths(is, config.SeverityWarning)
			if strings.Join(gotWarns, ",") != strings.Join(tc.wantWarns, ",") {
				t.Fatalf("warning paths=%v, want %v", gotWarns, tc.wantWarns)
			}
		})
	}
}
