package model

import "github.com/uber/jetstream-go/codec"

// Field describes one property in a class's schema: its wire tag and,
// for derived ("composite") properties, how to compute it and which
// source properties invalidate it. Declared once per class, at class
// definition time.
type Field struct {
	Name string
	Tag  codec.Tag

	// Sources is non-empty for a derived property: the source property
	// names whose changes also fire a change observation for Name.
	Sources []string
	// Compute evaluates a derived property's current value on read. Nil
	// for ordinary (stored) properties.
	Compute func(obj *ModelObject) any
}

// Derived reports whether the field is computed rather than stored.
func (f *Field) Derived() bool { return f.Compute != nil }

// Schema is a class's property table, built once via NewSchema and
// registered so add/root fragments can instantiate objects by class name.
type Schema struct {
	ClassName string

	fields          map[string]*Field
	order           []string
	sourceToDerived map[string][]string
}

// NewSchema starts a class descriptor for className.
func NewSchema(className string) *Schema {
	return &Schema{
		ClassName:       className,
		fields:          make(map[string]*Field),
		sourceToDerived: make(map[string][]string),
	}
}

// Property declares a stored property. Returns the schema for chaining.
func (s *Schema) Property(name string, tag codec.Tag) *Schema {
	s.fields[name] = &Field{Name: name, Tag: tag}
	s.order = append(s.order, name)
	return s
}

// DerivedProperty declares a composite/derived property: compute is
// invoked lazily on Get, and a change to any of sources also fires a
// change observation for name.
func (s *Schema) DerivedProperty(name string, tag codec.Tag, compute func(obj *ModelObject) any, sources ...string) *Schema {
	s.fields[name] = &Field{Name: name, Tag: tag, Sources: sources, Compute: compute}
	s.order = append(s.order, name)
	for _, src := range sources {
		s.sourceToDerived[src] = append(s.sourceToDerived[src], name)
	}
	return s
}

// Field looks up a property descriptor by name.
func (s *Schema) Field(name string) (*Field, bool) {
	f, ok := s.fields[name]
	return f, ok
}

// StoredProperties returns the names of non-derived properties, in
// declaration order — the set that appears in a full "add" snapshot.
func (s *Schema) StoredProperties() []string {
	out := make([]string, 0, len(s.order))
	for _, name := range s.order {
		if !s.fields[name].Derived() {
			out = append(out, name)
		}
	}
	return out
}

func (s *Schema) derivedNamesFor(source string) []string {
	return s.sourceToDerived[source]
}
