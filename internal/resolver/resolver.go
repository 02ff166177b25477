package resolver

import (
	"context"
	"sort"

	"github.com/platinummonkey/datafold/internal/atom"
	"github.com/platinummonkey/datafold/internal/fault"
	"github.com/platinummonkey/datafold/internal/observability"
	"github.com/platinummonkey/datafold/internal/schema"
)

// AtomReader is the narrow slice of atom.Store the resolver needs,
// segregated so callers can inject a fake in tests without pulling in
// the full store (mirrors the teacher's storage.Reader/Writer split in
// pkg/storage/interfaces.go).
type AtomReader interface {
	GetAtom(ctx context.Context, atomUUID string) (*atom.Atom, error)
	GetRef(ctx context.Context, refName string) (*atom.Ref, error)
}

// wellKnownDefaults mirrors base_retriever.rs's default_value_for_field:
// a handful of well-known field names get a typed zero value instead of
// null, so freshly-declared schemas render sensibly before any mutation
// has run.
var wellKnownDefaults = map[string]interface{}{
	"username":  "",
	"email":     "",
	"full_name": "",
	"bio":       "",
	"location":  "",
	"age":       float64(0),
	"value1":    float64(0),
	"value2":    float64(0),
}

func defaultValueForField(field string) interface{} {
	if v, ok := wellKnownDefaults[field]; ok {
		return v
	}
	return nil
}

// Resolver implements C6: given a schema and field name it resolves the
// field's current value, dispatching on the field's variant and applying
// an optional range filter. A dangling ref_atom_uuid or a missing atom is
// logged rather than returned as an error — readers must never fail
// because of a stale pointer (spec §4.6): a Single field resolves to null,
// a Range or Collection field with a dangling ref resolves to an empty map,
// and an entry whose atom is missing is left out of the map.
type Resolver struct {
	atoms  AtomReader
	cache  *Cache
	logger *observability.Logger
}

// New builds a Resolver. cache may be nil to disable caching entirely.
func New(atoms AtomReader, cache *Cache, logger *observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Resolver{atoms: atoms, cache: cache, logger: logger}
}

// Resolve returns the current value of schemaDef.field, applying filter
// (which may be nil) for Range fields per spec §4.6.
func (r *Resolver) Resolve(ctx context.Context, schemaDef *schema.Schema, fieldName string, filter map[string]interface{}) (interface{}, error) {
	canonical, field := schemaDef.ResolveFieldName(fieldName)
	if field == nil {
		return nil, fault.New(fault.NotFound, "resolver: field %s.%s not found", schemaDef.Name, fieldName)
	}
	fieldName = canonical

	refName := field.RefAtomUUID
	if refName == "" {
		r.logger.WithField("schema", schemaDef.Name).WithField("field", fieldName).
			Debug("resolver: no ref_atom_uuid, using default")
		return defaultValueForField(fieldName), nil
	}

	switch field.Kind {
	case schema.KindSingle:
		return r.resolveSingle(ctx, schemaDef.Name, fieldName, refName)
	case schema.KindRange:
		return r.resolveRange(ctx, schemaDef, fieldName, refName, filter)
	case schema.KindCollection:
		return r.resolveCollection(ctx, schemaDef.Name, fieldName, refName)
	default:
		return nil, fault.New(fault.ValidationFailed, "resolver: unknown field kind %q", field.Kind)
	}
}

func (r *Resolver) resolveSingle(ctx context.Context, schemaName, fieldName, refName string) (interface{}, error) {
	cacheKey := "single:" + refName
	var cached interface{}
	if r.cache.get(ctx, cacheKey, &cached) {
		return cached, nil
	}

	ref, err := r.atoms.GetRef(ctx, refName)
	if err != nil {
		r.logDangling(schemaName, fieldName, refName, err)
		return nil, nil
	}
	a, err := r.atoms.GetAtom(ctx, ref.AtomUUID)
	if err != nil {
		r.logDangling(schemaName, fieldName, refName, err)
		return nil, nil
	}
	r.cache.set(ctx, cacheKey, a.Content)
	return a.Content, nil
}

func (r *Resolver) resolveRange(ctx context.Context, schemaDef *schema.Schema, fieldName, refName string, filter map[string]interface{}) (interface{}, error) {
	ref, err := r.atoms.GetRef(ctx, refName)
	if err != nil {
		r.logDangling(schemaDef.Name, fieldName, refName, err)
		return map[string]interface{}{}, nil
	}
	if ref.Kind != atom.KindRange {
		return nil, fault.New(fault.ValidationFailed, "resolver: ref %s is not a Range ref", refName)
	}

	var selector rangeSelector
	var hasSelector bool
	if schemaDef.RangeKey != nil {
		selector, hasSelector = parseRangeFilter(filter, *schemaDef.RangeKey)
	}

	result := make(map[string]interface{}, len(ref.Entries))
	for key, atomUUID := range ref.Entries {
		if hasSelector && !selector.matches(key) {
			continue
		}
		a, err := r.atoms.GetAtom(ctx, atomUUID)
		if err != nil {
			r.logDangling(schemaDef.Name, fieldName, refName, err)
			continue
		}
		result[key] = a.Content
	}
	return result, nil
}

func (r *Resolver) resolveCollection(ctx context.Context, schemaName, fieldName, refName string) (interface{}, error) {
	ref, err := r.atoms.GetRef(ctx, refName)
	if err != nil {
		r.logDangling(schemaName, fieldName, refName, err)
		return map[string]interface{}{}, nil
	}
	if ref.Kind != atom.KindCollection {
		return nil, fault.New(fault.ValidationFailed, "resolver: ref %s is not a Collection ref", refName)
	}

	result := make(map[string]interface{}, len(ref.Entries))
	for itemID, atomUUID := range ref.Entries {
		a, err := r.atoms.GetAtom(ctx, atomUUID)
		if err != nil {
			r.logDangling(schemaName, fieldName, refName, err)
			continue
		}
		result[itemID] = a.Content
	}
	return result, nil
}

func (r *Resolver) logDangling(schemaName, fieldName, refName string, err error) {
	r.logger.WithFields(map[string]interface{}{
		"schema": schemaName,
		"field":  fieldName,
		"ref":    refName,
	}).WithError(err).Warn("resolver: dangling ref_atom_uuid or missing atom, returning null")
}

// ResolveAref reads a Single-variant ref directly by name, bypassing
// schema/field lookup. Used by the transform orchestrator (C9) to bind a
// transform's declared inputs, which are addressed by atom ref UUID
// rather than by schema.field (spec §4.9 step 3a).
func (r *Resolver) ResolveAref(ctx context.Context, refName string) (interface{}, error) {
	return r.resolveSingle(ctx, "transform-input", refName, refName)
}

// Invalidate drops refName from the cache. Called by the mutation
// executor (C7) after a write so a subsequent read never observes a
// stale cached value.
func (r *Resolver) Invalidate(ctx context.Context, refName string) {
	r.cache.invalidate(ctx, "single:"+refName)
}

// sortedKeys is used by tests asserting deterministic map iteration order.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
