package driver

import "context"

// TypeKind is the semantic class of a column type.
type TypeKind int

const (
	KindUnknown TypeKind = iota
	KindBoolean
	KindNumeric
	KindString
	KindDateTime
	KindBinary
	KindStruct   // composite value with named fields
	KindArray    // collection value
	KindDocument // document-oriented value
	KindContent  // large text/binary object
	KindGeometry
)

// TypeInfo is the declared type of a column.
type TypeInfo struct {
	Kind      TypeKind
	Name      string
	Precision int
	Scale     int
	MaxLength int64
}

// Column describes one result column as reported by the backend,
// including nested children for composite/document columns.
type Column struct {
	Name    string
	Label   string
	Ordinal int
	Type    TypeInfo

	// Entity is the owning table/collection name; empty for computed
	// columns with no backing attribute.
	Entity string

	ReadOnly      bool
	Required      bool
	InKey         bool // member of the owning entity's unique key
	AutoGenerated bool

	Children []Column
}

// DisplayName returns the label when set, the name otherwise.
func (c Column) DisplayName() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Name
}

// Composite is a driver-native structured value with ordered named fields.
type Composite struct {
	TypeName string
	Names    []string
	Values   []any
}

// Field returns the value of the named field.
func (c Composite) Field(name string) (any, bool) {
	for i, n := range c.Names {
		if n == name {
			return c.Values[i], true
		}
	}
	return nil, false
}

// Collection is a driver-native ordered collection value.
type Collection struct {
	Elem   TypeInfo
	Values []any
}

// Content is a driver-native large text or binary value. Text is set for
// character content, Data for binary content.
type Content struct {
	ContentType string
	Text        string
	Data        []byte
	Length      int64
}

// Geometry is a driver-native spatial value in WKT form.
type Geometry struct {
	SRID int
	WKT  string
}

// CellError marks a cell whose fetch failed; the row survives with the
// marker in place.
type CellError struct {
	Err error
}

func (e CellError) Error() string { return e.Err.Error() }

// StaticDocument is an in-memory Document, used by backends that
// materialize documents eagerly and by tests.
type StaticDocument struct {
	DocID   any
	CType   string
	Content any
}

// ID implements Document.
func (d StaticDocument) ID() any { return d.DocID }

// ContentType implements Document.
func (d StaticDocument) ContentType() string { return d.CType }

// Data implements Document.
func (d StaticDocument) Data(context.Context) (any, error) { return d.Content, nil }
