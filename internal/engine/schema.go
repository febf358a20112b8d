package engine

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/ledgerrecon/recon/internal/errors"
)

// JoinSuffix is appended to a right-side column name that collides with a
// left-side column in a join.
const JoinSuffix = "_right"

// Column is a named, typed column of a table.
type Column struct {
	Name string
	Type string
}

// Schema is the ordered column set of a table.
type Schema struct {
	columns []Column
	index   map[string]int
}

// NewSchema builds a schema from columns. Duplicate names are rejected.
func NewSchema(columns ...Column) (*Schema, error) {
	s := &Schema{
		columns: make([]Column, 0, len(columns)),
		index:   make(map[string]int, len(columns)),
	}
	for _, c := range columns {
		if c.Name == "" {
			return nil, errors.NewInvalidPlan("schema: empty column name")
		}
		if _, dup := s.index[c.Name]; dup {
			return nil, errors.NewInvalidPlan(fmt.Sprintf("schema: duplicate column %q", c.Name)).
				WithDetail(errors.DetailColumn, c.Name)
		}
		s.index[c.Name] = len(s.columns)
		s.columns = append(s.columns, c)
	}
	return s, nil
}

// SchemaOf derives the schema of a row struct from its exported fields. The
// column name comes from the parquet tag when present, otherwise the field
// name; fields tagged "-" are skipped.
func SchemaOf[T any]() (*Schema, error) {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() != reflect.Struct {
		return nil, errors.NewInvalidPlan(fmt.Sprintf("schema: row type %s is not a struct", rt))
	}
	var cols []Column
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("parquet"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		cols = append(cols, Column{Name: name, Type: f.Type.String()})
	}
	return NewSchema(cols...)
}

// Columns returns a copy of the schema's columns in order.
func (s *Schema) Columns() []Column {
	return append([]Column(nil), s.columns...)
}

// Names returns the column names in order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.Name
	}
	return names
}

// Len returns the number of columns.
func (s *Schema) Len() int {
	return len(s.columns)
}

// Lookup returns the named column.
func (s *Schema) Lookup(name string) (Column, bool) {
	i, ok := s.index[name]
	if !ok {
		return Column{}, false
	}
	return s.columns[i], true
}

// Require checks that every name is a column of the schema.
func (s *Schema) Require(names ...string) error {
	for _, n := range names {
		if _, ok := s.index[n]; !ok {
			return errors.NewInvalidPlan(fmt.Sprintf("unknown column %q (have %s)", n, strings.Join(s.Names(), ", "))).
				WithDetail(errors.DetailColumn, n)
		}
	}
	return nil
}

// String renders the schema as "name type, ...".
func (s *Schema) String() string {
	parts := make([]string, len(s.columns))
	for i, c := range s.columns {
		parts[i] = c.Name + " " + c.Type
	}
	return strings.Join(parts, ", ")
}

// ResolveJoinColumns computes the output schema of a join. Left columns keep
// their names. A right column whose name is already taken gets JoinSuffix
// appended, repeatedly if the suffixed name is taken as well.
func ResolveJoinColumns(left, right *Schema) (*Schema, map[string]string) {
	taken := make(map[string]bool, left.Len()+right.Len())
	out := make([]Column, 0, left.Len()+right.Len())
	for _, c := range left.columns {
		taken[c.Name] = true
		out = append(out, c)
	}
	renamed := make(map[string]string)
	for _, c := range right.columns {
		name := c.Name
		for taken[name] {
			name += JoinSuffix
		}
		if name != c.Name {
			renamed[c.Name] = name
		}
		taken[name] = true
		out = append(out, Column{Name: name, Type: c.Type})
	}
	s, _ := NewSchema(out...)
	return s, renamed
}
