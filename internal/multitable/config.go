package multitable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"xmlflat/internal/config"
	"xmlflat/internal/flatten"
	"xmlflat/internal/sink"
	"xmlflat/internal/storage"
)

// FileKind is the storage kind that writes delimited files instead of a
// database.
const FileKind = "file"

// Pipeline is one flattening job:
//
//	{
//	  "job": "hr",
//	  "source":  {"kind": "file", "file": {"path": "employees.xml"}},
//	  "parser":  {"kind": "xml", "options": {"record_tag": "employee", "encoding": "latin1"}},
//	  "cascade": {"policy": "all", "definitions": "cascade.yaml"},
//	  "output":  {"definitions": "output.yaml", "xsd": "hr.xsd", "write_definitions": "seen.yaml"},
//	  "storage": {"kind": "file", "dir": "out", "options": {"delimiter": "|"}},
//	  "runtime": {"workers": 4, "batch_size": 1000, "discover_definitions": true}
//	}
type Pipeline struct {
	Job     string        `json:"job"`
	Source  Source        `json:"source"`
	Parser  Parser        `json:"parser"`
	Cascade Cascade       `json:"cascade"`
	Output  Output        `json:"output"`
	Storage Storage       `json:"storage"`
	Runtime RuntimeConfig `json:"runtime"`
}

type Source struct {
	Kind string      `json:"kind"`
	File *FileSource `json:"file,omitempty"`
}

type FileSource struct {
	// Path is the input document; "-" reads stdin.
	Path string `json:"path"`
}

// Parser options: record_tag (string), encoding (string), lenient (bool).
type Parser struct {
	Kind    string         `json:"kind"`
	Options config.Options `json:"options"`
}

type Cascade struct {
	// Policy is none, all, xsd or out. Empty means none.
	Policy string `json:"policy"`
	// Definitions is a record definition file whose cascade section pins the
	// cascade fields per record type.
	Definitions string `json:"definitions,omitempty"`
}

type Output struct {
	// Definitions is a record definition file whose output section pins the
	// columns per record type.
	Definitions string `json:"definitions,omitempty"`
	// XSD derives output columns, and the xsd cascade policy, from a schema.
	XSD string `json:"xsd,omitempty"`
	// WriteDefinitions saves the definitions in effect after the run.
	WriteDefinitions string `json:"write_definitions,omitempty"`
}

// Storage selects where records go. Kind "file" writes delimited files to
// Dir; any registered storage kind loads tables through DB.
//
// File options: delimiter, newline, extension.
type Storage struct {
	Kind    string         `json:"kind"`
	Dir     string         `json:"dir,omitempty"`
	Options config.Options `json:"options,omitempty"`
	DB      DB             `json:"db"`
}

type DB struct {
	DSN     string `json:"dsn"`
	Schema  string `json:"schema,omitempty"`
	Prefix  string `json:"prefix,omitempty"`
	RowHash bool   `json:"row_hash"`
}

// RuntimeConfig controls pipeline execution behavior.
type RuntimeConfig struct {
	// Workers is the number of engines run over disjoint record subsets.
	Workers int `json:"workers"`
	// BatchSize is the number of top-level records per engine call; progress
	// is logged after each batch.
	BatchSize int `json:"batch_size"`
	// ChannelBuffer is the per-worker event buffer of a partitioned run.
	ChannelBuffer int `json:"channel_buffer"`
	// DiscoverDefinitions runs a single-worker pass over the whole document
	// first, so that all workers share one column order.
	DiscoverDefinitions bool `json:"discover_definitions"`
	// LoadBatchSize is the table sink's rows per insert.
	LoadBatchSize int `json:"load_batch_size"`
}

// DefaultBatchSize is used when runtime.batch_size is zero.
const DefaultBatchSize = 1000

// LoadPipeline reads and decodes a pipeline file.
func LoadPipeline(path string) (Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read config: %w", err)
	}
	return DecodePipeline(data)
}

// DecodePipeline decodes a pipeline document. Unknown keys are rejected.
func DecodePipeline(data []byte) (Pipeline, error) {
	var p Pipeline
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, fmt.Errorf("parse config: %w", err)
	}
	return p, nil
}

// WithDefaults fills in the defaults an empty field stands for.
func (p Pipeline) WithDefaults() Pipeline {
	if p.Source.Kind == "" && p.Source.File != nil {
		p.Source.Kind = "file"
	}
	if p.Parser.Kind == "" {
		p.Parser.Kind = "xml"
	}
	if p.Cascade.Policy == "" {
		p.Cascade.Policy = flatten.PolicyNone.String()
	}
	if p.Storage.Kind == "" {
		p.Storage.Kind = FileKind
	}
	if p.Runtime.Workers <= 0 {
		p.Runtime.Workers = 1
	}
	if p.Runtime.BatchSize == 0 {
		p.Runtime.BatchSize = DefaultBatchSize
	}
	return p
}

// ValidatePipeline reports every problem with p at once. Run applies
// WithDefaults before validating; callers that print issues should too.
func ValidatePipeline(p Pipeline) config.Issues {
	var is config.Issues

	if p.Source.Kind != "file" {
		is.Errorf("source.kind", "must be file, got %q", p.Source.Kind)
	}
	if p.Source.File == nil || strings.TrimSpace(p.Source.File.Path) == "" {
		is.Errorf("source.file.path", "is required")
	}
	if p.Parser.Kind != "xml" {
		is.Errorf("parser.kind", "must be xml, got %q", p.Parser.Kind)
	}
	if tag := p.Parser.Options.String("record_tag", ""); tag != "" && flatten.ParseQName(tag).IsZero() {
		is.Errorf("parser.options.record_tag", "invalid name %q", tag)
	}

	policy, err := flatten.ParsePolicy(p.Cascade.Policy)
	if err != nil {
		is.Errorf("cascade.policy", "%v", err)
	}
	if err == nil && policy == flatten.PolicyXSD && p.Output.XSD == "" {
		is.Errorf("cascade.policy", "xsd requires output.xsd")
	}
	if err == nil && policy == flatten.PolicyOut && p.Output.Definitions == "" && p.Output.XSD == "" && !p.Runtime.DiscoverDefinitions {
		is.Warnf("cascade.policy", "out without output definitions cascades only what records discover on their own")
	}
	for _, f := range []struct{ path, file string }{
		{"cascade.definitions", p.Cascade.Definitions},
		{"output.definitions", p.Output.Definitions},
		{"output.xsd", p.Output.XSD},
	} {
		if f.file == "" {
			continue
		}
		if _, err := os.Stat(f.file); err != nil {
			is.Errorf(f.path, "%v", err)
		}
	}

	switch p.Storage.Kind {
	case FileKind:
		if strings.TrimSpace(p.Storage.Dir) == "" {
			is.Errorf("storage.dir", "is required for kind=file")
		}
		if d := p.Storage.Options.String("delimiter", sink.DefaultDelimiter); d == "" || strings.ContainsAny(d, "\r\n") {
			is.Errorf("storage.options.delimiter", "must be non-empty and single-line")
		}
		if nl := p.Storage.Options.String("newline", sink.DefaultNewlineReplacement); strings.ContainsAny(nl, "\r\n") {
			is.Errorf("storage.options.newline", "must not contain line breaks")
		}
	default:
		if !knownKind(p.Storage.Kind) {
			is.Errorf("storage.kind", "unsupported kind %q (known: %s)", p.Storage.Kind, strings.Join(append([]string{FileKind}, storage.Kinds()...), ", "))
		}
		if strings.TrimSpace(p.Storage.DB.DSN) == "" {
			is.Errorf("storage.db.dsn", "is required for kind=%s", p.Storage.Kind)
		}
	}

	if p.Runtime.Workers < 1 {
		is.Errorf("runtime.workers", "must be >= 1, got %d", p.Runtime.Workers)
	}
	if p.Runtime.BatchSize < 0 {
		is.Errorf("runtime.batch_size", "must be >= 0, got %d", p.Runtime.BatchSize)
	}
	if p.Runtime.ChannelBuffer < 0 {
		is.Errorf("runtime.channel_buffer", "must be >= 0, got %d", p.Runtime.ChannelBuffer)
	}
	if p.Runtime.DiscoverDefinitions && p.Source.File != nil && p.Source.File.Path == "-" {
		is.Errorf("runtime.discover_definitions", "needs a re-readable input, not stdin")
	}
	if p.Runtime.Workers > 1 && !p.Runtime.DiscoverDefinitions && p.Output.Definitions == "" && p.Output.XSD == "" {
		is.Warnf("runtime.workers", "workers discover columns independently; column order may differ between worker outputs")
	}
	return is
}

func knownKind(kind string) bool {
	for _, k := range storage.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}
