package schema

import "github.com/platinummonkey/datafold/internal/fault"

func errFieldNotFound(schemaName, fieldName string) error {
	return fault.New(fault.NotFound, "schema: field %s not found in schema %s", fieldName, schemaName)
}
