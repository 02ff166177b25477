// Package schema implements C3: the Schema/Field data model, the JSON
// schema-definition shape, canonical content hashing, and the validator
// that gates a schema before it may move from Available to Approved (C4).
//
// Grounded on original_source/src/schema/core_types.rs (Schema/Field shape,
// the update_field_ref_atom_uuid centralized-setter pattern) and
// fold_node/src/schema/hasher.rs (canonical hashing), translated into the
// teacher's plain-struct-plus-methods style (pkg/storage/postgres/models.go).
package schema

import "sort"

// FieldKind is the variant tag of a Field (spec §3.3).
type FieldKind string

const (
	KindSingle     FieldKind = "Single"
	KindRange      FieldKind = "Range"
	KindCollection FieldKind = "Collection"
)

// PaymentConfig carries the per-schema/per-field payment multiplier. It is
// excluded from the content hash (spec §4.4) so renaming a price plan
// never changes a schema's identity.
type PaymentConfig struct {
	BaseMultiplier float64 `json:"base_multiplier"`
	MinPayment     *uint64 `json:"min_payment,omitempty"`
}

// PermissionPolicy gates read/write access by trust distance. Like
// PaymentConfig, it is excluded from the content hash.
type PermissionPolicy struct {
	ReadTrustDistance  int `json:"read_trust_distance"`
	WriteTrustDistance int `json:"write_trust_distance"`
}

// Transform is attached to a field and declares how its value is derived
// from other fields (spec §3.5).
type Transform struct {
	Inputs            []string `json:"inputs"`
	Logic             string   `json:"logic"`
	Output            string   `json:"output"`
	ParsedExpression  string   `json:"-"` // cached AST rendering; not persisted
}

// Field is one entry of a Schema's field map.
type Field struct {
	Kind             FieldKind         `json:"field_type"`
	PaymentConfig    PaymentConfig     `json:"payment_config"`
	PermissionPolicy PermissionPolicy  `json:"permission_policy"`
	FieldMappers     map[string]string `json:"field_mappers,omitempty"`
	Transform        *Transform        `json:"transform,omitempty"`
	RefAtomUUID      string            `json:"ref_atom_uuid,omitempty"`
}

// Schema is a named collection of fields with a lifecycle state held
// externally by C4.
type Schema struct {
	Name          string            `json:"name"`
	Fields        map[string]*Field `json:"fields"`
	PaymentConfig PaymentConfig     `json:"payment_config"`
	RangeKey      *string           `json:"range_key,omitempty"`
	Hash          string            `json:"hash,omitempty"`
}

// IsRangeSchema reports whether every field in the schema must be a Range
// field co-keyed on RangeKey.
func (s *Schema) IsRangeSchema() bool { return s.RangeKey != nil }

// Field returns the named field, or nil if it does not exist.
func (s *Schema) Field(name string) *Field {
	if s.Fields == nil {
		return nil
	}
	return s.Fields[name]
}

// ResolveFieldName resolves name to a field and its canonical (declared)
// name, consulting field mappers before giving up (spec §3.3): an exact
// field name always wins; failing that, every field's FieldMappers is
// checked for an alias entry naming name, so ingestion can address a field
// by an external name it was never declared under. Returns a nil field
// when name resolves to nothing.
func (s *Schema) ResolveFieldName(name string) (string, *Field) {
	if f, ok := s.Fields[name]; ok {
		return name, f
	}

	fieldNames := make([]string, 0, len(s.Fields))
	for fieldName := range s.Fields {
		fieldNames = append(fieldNames, fieldName)
	}
	sort.Strings(fieldNames)

	for _, fieldName := range fieldNames {
		f := s.Fields[fieldName]
		target, ok := f.FieldMappers[name]
		if !ok {
			continue
		}
		if tf, ok := s.Fields[target]; ok {
			return target, tf
		}
		return fieldName, f
	}
	return name, nil
}

// SetFieldRefAtomUUID is the single centralized setter for a field's
// ref_atom_uuid. Per spec §3.3, callers MUST only call this after the
// corresponding AtomRef has actually been created in C2 — never before,
// to avoid a "ghost" ref_atom_uuid that points at nothing.
func (s *Schema) SetFieldRefAtomUUID(fieldName, atomRefUUID string) error {
	f := s.Field(fieldName)
	if f == nil {
		return errFieldNotFound(s.Name, fieldName)
	}
	f.RefAtomUUID = atomRefUUID
	return nil
}
