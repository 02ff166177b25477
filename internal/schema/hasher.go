package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/platinummonkey/datafold/internal/fault"
)

// excludedHashFields are stripped at every nesting level before hashing,
// per spec §4.4. encoding/json sorts map[string]interface{} keys
// lexicographically when marshaling, which is exactly the canonical-JSON
// property the original hasher built by hand.
var excludedHashFields = map[string]bool{
	"hash":              true,
	"name":              true,
	"payment_config":    true,
	"permission_policy": true,
}

// ContentHash computes the schema's canonical SHA-256 content hash: marshal
// to JSON, strip excluded fields recursively, re-marshal (sorted keys), hash
// the UTF-8 bytes, render as 64 lowercase hex characters.
func (s *Schema) ContentHash() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fault.Wrap(fault.ValidationFailed, err, "schema: marshal %s for hashing", s.Name)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fault.Wrap(fault.ValidationFailed, err, "schema: decode %s for hashing", s.Name)
	}
	return CalculateHash(generic)
}

// CalculateHash hashes an arbitrary decoded-JSON value using the same
// strip-then-canonicalize rule as ContentHash. Exported so the lifecycle
// layer (C4) can hash schema files read straight off disk without first
// deserializing them into a Schema.
func CalculateHash(value interface{}) (string, error) {
	stripped := stripExcludedFields(value)
	canonical, err := json.Marshal(stripped)
	if err != nil {
		return "", fault.Wrap(fault.ValidationFailed, err, "schema: marshal canonical form")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash reports whether value's stored "hash" field (if any) matches
// its freshly calculated content hash.
func VerifyHash(value interface{}) (bool, error) {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return false, fault.New(fault.ValidationFailed, "schema: value is not a JSON object")
	}
	stored, ok := obj["hash"].(string)
	if !ok || stored == "" {
		return false, nil
	}
	calculated, err := CalculateHash(value)
	if err != nil {
		return false, err
	}
	return stored == calculated, nil
}

func stripExcludedFields(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, nested := range v {
			if excludedHashFields[k] {
				continue
			}
			out[k] = stripExcludedFields(nested)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = stripExcludedFields(item)
		}
		return out
	default:
		return v
	}
}
