package schema

import (
	"encoding/json"

	"github.com/platinummonkey/datafold/internal/fault"
)

// ParseJSON interprets a schema's on-disk JSON form into a *Schema. The
// JSON form is identical to Schema's own json tags (spec §6.1 "Schema files
// on disk use the JSON form with an embedded hash field"), so this is a
// thin, validating decode rather than a separate definition language.
func ParseJSON(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fault.Wrap(fault.ParseFailed, err, "schema: invalid JSON schema definition")
	}
	if s.Fields == nil {
		s.Fields = make(map[string]*Field)
	}
	return &s, nil
}

// MarshalWithHash computes s's content hash, stamps it onto the schema, and
// returns the resulting JSON bytes (pretty-printed, matching the teacher's
// schema-file writer convention).
func (s *Schema) MarshalWithHash() ([]byte, error) {
	hash, err := s.ContentHash()
	if err != nil {
		return nil, err
	}
	s.Hash = hash
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fault.Wrap(fault.ValidationFailed, err, "schema: marshal %s", s.Name)
	}
	return data, nil
}
