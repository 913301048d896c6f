package recorddef

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmlflat/internal/flatten"
)

func sampleDefs() ([]flatten.RecordTypeDef, []flatten.RecordTypeDef) {
	output := []flatten.RecordTypeDef{
		{
			Type: flatten.QName{Local: "employee"},
			Fields: []flatten.FieldSlot{
				{Name: flatten.QName{Local: "id"}, Attributes: []flatten.QName{{Local: "type"}}},
				{Name: flatten.QName{Prefix: "hr", Local: "name"}},
			},
		},
		{Type: flatten.QName{Local: "address"}, Fields: []flatten.FieldSlot{{Name: flatten.QName{Local: "city"}}}},
	}
	cascade := []flatten.RecordTypeDef{
		{Type: flatten.QName{Local: "employee"}, Fields: []flatten.FieldSlot{{Name: flatten.QName{Local: "id"}}}},
	}
	return output, cascade
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"defs.json", "defs.yaml"} {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "nested", name)
			out, cas := sampleDefs()
			require.NoError(t, Save(path, FromDefs(out, cas)))

			f, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, CurrentVersion, f.Version)

			reg := f.Registry()
			emp, ok := reg.Output(flatten.QName{Local: "employee"})
			require.True(t, ok)
			assert.Equal(t, []string{"id", "id[type]", "hr:name"}, emp.Keys())

			c, ok := reg.Cascade(flatten.QName{Local: "employee"})
			require.True(t, ok)
			assert.Equal(t, []string{"id"}, c.Keys())
		})
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	doc := `
version: 1
output:
  - type: "{urn:hr}employee"
    fields:
      - name: id
        attributes: [type, scheme]
      - name: name
`
	f, err := Decode([]byte(doc), YAML)
	require.NoError(t, err)
	require.Len(t, f.Output, 1)

	reg := f.Registry()
	d, ok := reg.Output(flatten.QName{Space: "urn:hr", Local: "employee"})
	require.True(t, ok)
	assert.Equal(t, []string{"id", "id[type]", "id[scheme]", "name"}, d.Keys())
}

func TestDecodeRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		doc    string
		format Format
		want   string
	}{
		"missing type":   {`{"output":[{"fields":[]}]}`, JSON, "type is required"},
		"duplicate type": {`{"cascade":[{"type":"a","fields":[]},{"type":"a","fields":[]}]}`, JSON, "duplicate type"},
		"empty field":    {"output:\n  - type: a\n    fields:\n      - name: ''\n", YAML, "name is required"},
		"unknown key":    {`{"outputs":[]}`, JSON, "unknown field"},
		"future version": {`{"version":9}`, JSON, "unsupported version"},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tt.doc), tt.format)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "none.json"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Cause(err)))
}

func TestMergeKeepsExisting(t *testing.T) {
	t.Parallel()

	a := &File{Output: []Def{{Type: "e", Fields: []Field{{Name: "id"}}}}}
	b := &File{
		Output:  []Def{{Type: "e", Fields: []Field{{Name: "other"}}}, {Type: "x", Fields: []Field{{Name: "v"}}}},
		Cascade: []Def{{Type: "e", Fields: []Field{{Name: "id"}}}},
	}
	a.Merge(b)

	require.Len(t, a.Output, 2)
	assert.Equal(t, "id", a.Output[0].Fields[0].Name)
	assert.Equal(t, "x", a.Output[1].Type)
	assert.Len(t, a.Cascade, 1)
}
