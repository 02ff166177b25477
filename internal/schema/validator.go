package schema

import (
	"strings"

	"github.com/platinummonkey/datafold/internal/fault"
)

// Lookup resolves another already-loaded schema by name, so a transform's
// cross-schema inputs/outputs can be checked. Satisfied by C4's lifecycle
// store; kept as a narrow interface here (teacher's interface-segregation
// style, pkg/storage/interfaces.go) so this package never imports C4.
type Lookup interface {
	GetSchema(name string) (*Schema, bool)
}

// LogicChecker performs DSL-level syntax validation of a transform's logic
// source (C5). Injected rather than imported directly to keep this package
// decoupled from the DSL's parser internals.
type LogicChecker interface {
	CheckSyntax(logic string) error
}

// Validator rejects a Schema unless it satisfies every invariant in spec
// §4.4 before C4 allows it to move from Available to Approved.
type Validator struct {
	lookup Lookup
	logic  LogicChecker
}

// NewValidator builds a Validator. lookup and logic may be nil in contexts
// (e.g. isolated unit tests) that never exercise transform fields.
func NewValidator(lookup Lookup, logic LogicChecker) *Validator {
	return &Validator{lookup: lookup, logic: logic}
}

// Validate checks every rule in spec §4.4 against s.
func (v *Validator) Validate(s *Schema) error {
	if s.Name == "" {
		return fault.New(fault.ValidationFailed, "schema name cannot be empty")
	}
	if s.PaymentConfig.BaseMultiplier <= 0 {
		return fault.New(fault.ValidationFailed, "schema %s base_multiplier must be positive", s.Name)
	}

	if s.RangeKey != nil {
		if err := v.validateRangeSchema(s, *s.RangeKey); err != nil {
			return err
		}
	}

	for fieldName, field := range s.Fields {
		if field.PaymentConfig.BaseMultiplier <= 0 {
			return fault.New(fault.ValidationFailed, "field %s.%s base_multiplier must be positive", s.Name, fieldName)
		}
		if field.PaymentConfig.MinPayment != nil && *field.PaymentConfig.MinPayment == 0 {
			return fault.New(fault.ValidationFailed, "field %s.%s min_payment cannot be zero", s.Name, fieldName)
		}
		if field.Transform != nil {
			if err := v.validateTransform(s, fieldName, field.Transform); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateRangeSchema enforces spec §3.4's range-schema invariant: the
// range_key field exists, is itself a Range field, and every field in the
// schema is a Range field.
func (v *Validator) validateRangeSchema(s *Schema, rangeKey string) error {
	keyField, ok := s.Fields[rangeKey]
	if !ok {
		return fault.New(fault.ValidationFailed, "range schema %s: range_key field %q does not exist", s.Name, rangeKey)
	}
	if keyField.Kind != KindRange {
		return fault.New(fault.ValidationFailed, "range schema %s: range_key field %q must be a Range field, got %s", s.Name, rangeKey, keyField.Kind)
	}
	if len(s.Fields) == 0 {
		return fault.New(fault.ValidationFailed, "range schema %s: must contain at least the range_key field", s.Name)
	}
	for fieldName, field := range s.Fields {
		if field.Kind != KindRange {
			return fault.New(fault.ValidationFailed,
				"range schema %s: field %q must be a Range field (got %s); all fields in a range schema must be Range fields",
				s.Name, fieldName, field.Kind)
		}
	}
	return nil
}

// validateTransform enforces spec §4.4 rule 3: syntax, output identity, and
// resolvable inputs with no same-hop self-loop.
func (v *Validator) validateTransform(s *Schema, fieldName string, t *Transform) error {
	if v.logic != nil {
		if err := v.logic.CheckSyntax(t.Logic); err != nil {
			return fault.Wrap(fault.ParseFailed, err, "transform %s.%s logic", s.Name, fieldName)
		}
	}

	outSchema, outField, ok := splitSchemaField(t.Output)
	if !ok {
		return fault.New(fault.ValidationFailed, "transform %s.%s: invalid output designator %q", s.Name, fieldName, t.Output)
	}
	if outSchema == s.Name {
		if outField != fieldName {
			return fault.New(fault.ValidationFailed, "transform %s.%s: output %q must equal the owning field", s.Name, fieldName, t.Output)
		}
	} else {
		target, err := v.resolveSchema(outSchema)
		if err != nil {
			return err
		}
		if target.Field(outField) == nil {
			return fault.New(fault.ValidationFailed, "transform %s.%s: output field %q not found in schema %s", s.Name, fieldName, outField, outSchema)
		}
	}

	for _, input := range t.Inputs {
		inSchema, inField, ok := splitSchemaField(input)
		if !ok {
			return fault.New(fault.ValidationFailed, "transform %s.%s: invalid input designator %q", s.Name, fieldName, input)
		}
		if inSchema == s.Name {
			if inField == fieldName {
				return fault.New(fault.ValidationFailed, "transform %s.%s: input %q cannot reference its own field", s.Name, fieldName, input)
			}
			if s.Field(inField) == nil {
				return fault.New(fault.ValidationFailed, "transform %s.%s: input %q references unknown field", s.Name, fieldName, input)
			}
		} else {
			src, err := v.resolveSchema(inSchema)
			if err != nil {
				return err
			}
			if src.Field(inField) == nil {
				return fault.New(fault.ValidationFailed, "transform %s.%s: input %q references unknown field", s.Name, fieldName, input)
			}
		}
	}

	return nil
}

func (v *Validator) resolveSchema(name string) (*Schema, error) {
	if v.lookup == nil {
		return nil, fault.New(fault.ValidationFailed, "schema %s not found (no schema lookup configured)", name)
	}
	s, ok := v.lookup.GetSchema(name)
	if !ok {
		return nil, fault.New(fault.ValidationFailed, "schema %s not found", name)
	}
	return s, nil
}

func splitSchemaField(designator string) (schemaName, fieldName string, ok bool) {
	idx := strings.IndexByte(designator, '.')
	if idx < 0 || idx == 0 || idx == len(designator)-1 {
		return "", "", false
	}
	return designator[:idx], designator[idx+1:], true
}
