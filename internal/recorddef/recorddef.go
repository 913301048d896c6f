// Package recorddef reads and writes record type definition files.
//
// A definition file pins the column list of record types (output) and the
// fields they hand down to nested records (cascade), so that repeated runs
// and parallel workers agree on column order. Files ending in .yaml or .yml
// are YAML, anything else is JSON.
//
//	version: 1
//	output:
//	  - type: employee
//	    fields:
//	      - name: id
//	        attributes: [type]
//	      - name: name
//	cascade:
//	  - type: employee
//	    fields:
//	      - name: id
package recorddef

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"xmlflat/internal/flatten"
)

// CurrentVersion is written by Save.
const CurrentVersion = 1

// File is the on-disk form.
type File struct {
	Version int   `json:"version" yaml:"version"`
	Output  []Def `json:"output,omitempty" yaml:"output,omitempty"`
	Cascade []Def `json:"cascade,omitempty" yaml:"cascade,omitempty"`
}

// Def is one record type. Type and field names use "{namespace}local",
// "prefix:local" or plain "local".
type Def struct {
	Type   string  `json:"type" yaml:"type"`
	Fields []Field `json:"fields" yaml:"fields"`
}

// Field is one column, optionally followed by attribute columns.
type Field struct {
	Name       string   `json:"name" yaml:"name"`
	Attributes []string `json:"attributes,omitempty" yaml:"attributes,omitempty,flow"`
}

// Format selects the encoding.
type Format int

const (
	JSON Format = iota
	YAML
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	default:
		return JSON
	}
}

// Load reads and validates a definition file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "recorddef: read %s", path)
	}
	f, err := Decode(data, FormatOf(path))
	if err != nil {
		return nil, errors.Wrapf(err, "recorddef: %s", path)
	}
	return f, nil
}

// Decode parses and validates a definition document.
func Decode(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case YAML:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrap(err, "decode yaml")
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, errors.Wrap(err, "decode json")
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the file for missing names and duplicate types.
func (f *File) Validate() error {
	if f.Version > CurrentVersion {
		return errors.Errorf("unsupported version %d (max %d)", f.Version, CurrentVersion)
	}
	for _, set := range []struct {
		name string
		defs []Def
	}{{"output", f.Output}, {"cascade", f.Cascade}} {
		seen := map[string]bool{}
		for i, d := range set.defs {
			t := strings.TrimSpace(d.Type)
			if t == "" {
				return errors.Errorf("%s[%d]: type is required", set.name, i)
			}
			if seen[t] {
				return errors.Errorf("%s[%d]: duplicate type %q", set.name, i, t)
			}
			seen[t] = true
			for j, fl := range d.Fields {
				if strings.TrimSpace(fl.Name) == "" {
					return errors.Errorf("%s[%d].fields[%d]: name is required", set.name, i, j)
				}
			}
		}
	}
	return nil
}

// Save writes f to path in the format its extension selects.
func Save(path string, f *File) error {
	if f.Version == 0 {
		f.Version = CurrentVersion
	}
	var (
		data []byte
		err  error
	)
	switch FormatOf(path) {
	case YAML:
		data, err = yaml.Marshal(f)
	default:
		data, err = json.MarshalIndent(f, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return errors.Wrapf(err, "recorddef: encode %s", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "recorddef: mkdir %s", dir)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "recorddef: write %s", path)
	}
	return nil
}

// Registry converts the file into an engine registry.
func (f *File) Registry() *flatten.Registry {
	return flatten.NewRegistry(toDefs(f.Output), toDefs(f.Cascade))
}

// Merge adds the definitions of o for types f does not define yet.
func (f *File) Merge(o *File) {
	if o == nil {
		return
	}
	f.Output = mergeDefs(f.Output, o.Output)
	f.Cascade = mergeDefs(f.Cascade, o.Cascade)
}

func mergeDefs(dst, src []Def) []Def {
	seen := make(map[string]bool, len(dst))
	for _, d := range dst {
		seen[d.Type] = true
	}
	for _, d := range src {
		if !seen[d.Type] {
			dst = append(dst, d)
			seen[d.Type] = true
		}
	}
	return dst
}

// FromDefs builds a file from engine definitions, e.g. the result of a
// discovery pass.
func FromDefs(output, cascade []flatten.RecordTypeDef) *File {
	return &File{Version: CurrentVersion, Output: fromDefs(output), Cascade: fromDefs(cascade)}
}

func toDefs(in []Def) []flatten.RecordTypeDef {
	out := make([]flatten.RecordTypeDef, 0, len(in))
	for _, d := range in {
		rd := flatten.RecordTypeDef{Type: flatten.ParseQName(d.Type)}
		for _, f := range d.Fields {
			slot := flatten.FieldSlot{Name: flatten.ParseQName(f.Name)}
			for _, a := range f.Attributes {
				slot.Attributes = append(slot.Attributes, flatten.ParseQName(a))
			}
			rd.Fields = append(rd.Fields, slot)
		}
		out = append(out, rd)
	}
	return out
}

func fromDefs(in []flatten.RecordTypeDef) []Def {
	out := make([]Def, 0, len(in))
	for _, rd := range in {
		d := Def{Type: rd.Type.Display(), Fields: make([]Field, 0, len(rd.Fields))}
		for _, s := range rd.Fields {
			f := Field{Name: s.Name.Display()}
			for _, a := range s.Attributes {
				f.Attributes = append(f.Attributes, a.Display())
			}
			d.Fields = append(d.Fields, f)
		}
		out = append(out, d)
	}
	return out
}
