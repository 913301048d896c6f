// Package schema derives record field lists from an XML Schema (XSD).
//
// Only the structural parts of XSD matter here: which child elements a type
// declares, in which order, whether they are required, whether they carry
// element content of their own and which attributes they declare. Facets,
// simple-type derivations and identity constraints are ignored.
package schema

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/pkg/errors"

	"xmlflat/internal/flatten"
)

// Schema is a flatten.SchemaSource backed by one XSD file and the files it
// includes or imports.
type Schema struct {
	targetNS  string
	qualified bool

	elements   map[string]*etree.Element // global xs:element by name
	types      map[string]*etree.Element // named xs:complexType
	groups     map[string]*etree.Element // xs:group
	attrGroups map[string]*etree.Element // xs:attributeGroup

	fields map[string][]flatten.SchemaField
	order  []string
}

var _ flatten.SchemaSource = (*Schema)(nil)

// Load reads path and every schema it includes or imports, relative to it.
func Load(path string) (*Schema, error) {
	s := &Schema{
		elements:   map[string]*etree.Element{},
		types:      map[string]*etree.Element{},
		groups:     map[string]*etree.Element{},
		attrGroups: map[string]*etree.Element{},
		fields:     map[string][]flatten.SchemaField{},
	}
	if err := s.read(path, map[string]bool{}, true); err != nil {
		return nil, err
	}
	s.build()
	return s, nil
}

func (s *Schema) read(path string, seen map[string]bool, top bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "schema: resolve %s", path)
	}
	if seen[abs] {
		return nil
	}
	seen[abs] = true

	doc := etree.NewDocument()
	if err := doc.ReadFromFile(abs); err != nil {
		return errors.Wrapf(err, "schema: parse %s", path)
	}
	root := doc.Root()
	if root == nil || root.Tag != "schema" {
		return errors.Errorf("schema: %s: root element is not xs:schema", path)
	}
	if top {
		s.targetNS = root.SelectAttrValue("targetNamespace", "")
		s.qualified = root.SelectAttrValue("elementFormDefault", "") == "qualified"
	}

	for _, child := range root.ChildElements() {
		name := child.SelectAttrValue("name", "")
		switch child.Tag {
		case "element":
			s.elements[name] = child
		case "complexType":
			s.types[name] = child
		case "group":
			s.groups[name] = child
		case "attributeGroup":
			s.attrGroups[name] = child
		case "include", "import", "redefine":
			loc := child.SelectAttrValue("schemaLocation", "")
			if loc == "" || strings.Contains(loc, "://") {
				continue
			}
			if err := s.read(filepath.Join(filepath.Dir(abs), loc), seen, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// build registers the field list of every element with element content,
// starting from the global elements in name order.
func (s *Schema) build() {
	names := make([]string, 0, len(s.elements))
	for n := range s.elements {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		s.register(n, s.complexTypeOf(s.elements[n]))
	}
}

func (s *Schema) register(name string, ct *etree.Element) {
	if ct == nil {
		return
	}
	if _, done := s.fields[name]; done {
		return
	}
	// Reserve the name first so recursive content models terminate.
	s.fields[name] = nil
	var fields []flatten.SchemaField
	var nested []*etree.Element
	s.content(ct, false, &fields, &nested, map[*etree.Element]bool{})
	if len(fields) == 0 {
		delete(s.fields, name)
		return
	}
	s.fields[name] = fields
	s.order = append(s.order, name)
	for _, el := range nested {
		s.register(s.declName(el), s.complexTypeOf(s.resolveRef(el)))
	}
}

// FieldsOf implements flatten.SchemaSource. Record types are matched by local name.
func (s *Schema) FieldsOf(t flatten.QName) ([]flatten.SchemaField, bool) {
	f, ok := s.fields[t.Local]
	return f, ok && len(f) > 0
}

// Types lists the element names with element content, in discovery order.
func (s *Schema) Types() []string { return append([]string(nil), s.order...) }

// content appends the element children of a complex type (or group or
// compositor) to out, in declaration order. Element declarations with element
// content of their own are also appended to nested.
func (s *Schema) content(el *etree.Element, optional bool, out *[]flatten.SchemaField, nested *[]*etree.Element, visiting map[*etree.Element]bool) {
	if visiting[el] {
		return
	}
	visiting[el] = true
	defer delete(visiting, el)

	for _, child := range el.ChildElements() {
		switch child.Tag {
		case "sequence", "all":
			s.content(child, optional || minZero(child), out, nested, visiting)
		case "choice":
			s.content(child, true, out, nested, visiting)
		case "group":
			if g := s.groups[local(child.SelectAttrValue("ref", ""))]; g != nil {
				s.content(g, optional || minZero(child), out, nested, visiting)
			}
		case "complexContent":
			for _, d := range child.ChildElements() {
				if d.Tag == "extension" {
					if base := s.types[local(d.SelectAttrValue("base", ""))]; base != nil {
						s.content(base, optional, out, nested, visiting)
					}
				}
				s.content(d, optional, out, nested, visiting)
			}
		case "element":
			f, hasContent := s.field(child, optional || minZero(child))
			*out = append(*out, f)
			if hasContent {
				*nested = append(*nested, child)
			}
		}
	}
}

// field describes one child element declaration.
func (s *Schema) field(el *etree.Element, optional bool) (flatten.SchemaField, bool) {
	decl := s.resolveRef(el)
	f := flatten.SchemaField{
		Name:     flatten.QName{Local: s.declName(el)},
		Required: !optional,
	}
	if s.qualified || decl != el {
		f.Name.Space = s.targetNS
	}
	ct := s.complexTypeOf(decl)
	if ct == nil {
		return f, false
	}
	f.Attributes = s.attributes(ct, map[*etree.Element]bool{})
	var children []flatten.SchemaField
	var ignored []*etree.Element
	s.content(ct, false, &children, &ignored, map[*etree.Element]bool{})
	f.Container = len(children) > 0
	return f, f.Container
}

// attributes lists the attributes declared on a complex type, including
// those of its base type, simple content extension and attribute groups.
func (s *Schema) attributes(el *etree.Element, visiting map[*etree.Element]bool) []flatten.QName {
	if visiting[el] {
		return nil
	}
	visiting[el] = true
	var out []flatten.QName
	for _, child := range el.ChildElements() {
		switch child.Tag {
		case "attribute":
			if child.SelectAttrValue("use", "") == "prohibited" {
				continue
			}
			if name := child.SelectAttrValue("name", ""); name != "" {
				out = append(out, flatten.QName{Local: name})
			} else if ref := child.SelectAttrValue("ref", ""); ref != "" {
				out = append(out, flatten.ParseQName(ref))
			}
		case "attributeGroup":
			if g := s.attrGroups[local(child.SelectAttrValue("ref", ""))]; g != nil {
				out = append(out, s.attributes(g, visiting)...)
			}
		case "simpleContent", "complexContent":
			for _, d := range child.ChildElements() {
				if d.Tag == "extension" {
					if base := s.types[local(d.SelectAttrValue("base", ""))]; base != nil {
						out = append(out, s.attributes(base, visiting)...)
					}
				}
				out = append(out, s.attributes(d, visiting)...)
			}
		}
	}
	return out
}

// resolveRef follows ref="..." to the global declaration.
func (s *Schema) resolveRef(el *etree.Element) *etree.Element {
	if ref := el.SelectAttrValue("ref", ""); ref != "" {
		if g := s.elements[local(ref)]; g != nil {
			return g
		}
	}
	return el
}

func (s *Schema) declName(el *etree.Element) string {
	if name := el.SelectAttrValue("name", ""); name != "" {
		return name
	}
	return local(el.SelectAttrValue("ref", ""))
}

// complexTypeOf returns the inline or named complex type of an element
// declaration, or nil for simple types.
func (s *Schema) complexTypeOf(decl *etree.Element) *etree.Element {
	if decl == nil {
		return nil
	}
	if ct := decl.SelectElement("complexType"); ct != nil {
		return ct
	}
	if t := decl.SelectAttrValue("type", ""); t != "" {
		return s.types[local(t)]
	}
	return nil
}

func minZero(el *etree.Element) bool {
	return el.SelectAttrValue("minOccurs", "1") == "0"
}

func local(qname string) string {
	if i := strings.IndexByte(qname, ':'); i >= 0 {
		return qname[i+1:]
	}
	return qname
}
