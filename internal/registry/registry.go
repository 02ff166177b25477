// Package registry implements C8: the transform registry's six
// bidirectional maps, persisted records, and reload/reconcile logic.
//
// Grounded on original_source/fold_node/src/schema/transform/registry.rs
// (the four-map register/unregister/execute shape) and
// original_source/fold_node/src/fold_db_core/transform_manager/registry.rs
// (the full six-map TransformRegistration shape with trigger_fields and
// input_names, and the persist_mappings well-known-key convention).
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/platinummonkey/datafold/internal/fault"
	"github.com/platinummonkey/datafold/internal/kv"
	"github.com/platinummonkey/datafold/internal/schema"
)

// Well-known mapping tree keys, mirroring the teacher's
// AREF_TO_TRANSFORMS_KEY-style constants in transform_manager/registry.rs.
const (
	keyFieldToTransforms   = "map_field_to_transforms"
	keyTransformToFields   = "map_transform_to_fields"
	keyTransformToArefs    = "map_transform_to_arefs"
	keyArefToTransforms    = "map_aref_to_transforms"
	keyTransformOutputs    = "map_transform_outputs"
	keyTransformInputNames = "map_transform_input_names"
)

// Registration is the full set of bindings `register` needs — spec §4.8's
// parameter list.
type Registration struct {
	TransformID   string
	Transform     *schema.Transform
	InputArefs    []string
	InputNames    []string // parallel to InputArefs; aref -> human-readable input name
	TriggerFields []string // "schema.field" designators that should re-run this transform
	OutputAref    string
	SchemaName    string
	FieldName     string
}

// record is what Registry persists per transform_id.
type record struct {
	Transform     *schema.Transform `json:"transform"`
	InputArefs    []string          `json:"input_arefs"`
	InputNames    []string          `json:"input_names"`
	TriggerFields []string          `json:"trigger_fields"`
	OutputAref    string            `json:"output_aref"`
	SchemaName    string            `json:"schema_name"`
	FieldName     string            `json:"field_name"`
}

// Registry owns the six in-memory maps plus their persisted form.
type Registry struct {
	records *kv.Tree // transform_id -> JSON record
	mapping *kv.Tree // well-known key -> JSON map

	mu sync.RWMutex

	transforms          map[string]*record
	fieldToTransforms   map[string]map[string]bool
	transformToFields   map[string]map[string]bool
	transformToArefs    map[string]map[string]bool
	arefToTransforms    map[string]map[string]bool
	transformOutputs    map[string]string
	transformInputNames map[string]map[string]string
}

// New opens the registry's trees and rebuilds in-memory state from them.
func New(ctx context.Context, s *kv.Store) (*Registry, error) {
	records, err := s.Tree("transforms")
	if err != nil {
		return nil, err
	}
	mapping, err := s.Tree("transform_mappings")
	if err != nil {
		return nil, err
	}
	r := &Registry{records: records, mapping: mapping}
	r.resetMaps()
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) resetMaps() {
	r.transforms = make(map[string]*record)
	r.fieldToTransforms = make(map[string]map[string]bool)
	r.transformToFields = make(map[string]map[string]bool)
	r.transformToArefs = make(map[string]map[string]bool)
	r.arefToTransforms = make(map[string]map[string]bool)
	r.transformOutputs = make(map[string]string)
	r.transformInputNames = make(map[string]map[string]string)
}

// Register validates reg.Transform (spec §4.4), persists the record, and
// updates all six maps under the writer lock before flushing them.
func (r *Registry) Register(ctx context.Context, validate func(*schema.Transform) error, reg Registration) error {
	if reg.TransformID == "" {
		return fault.New(fault.ValidationFailed, "registry: transform_id is required")
	}
	if validate != nil {
		if err := validate(reg.Transform); err != nil {
			return err
		}
	}

	rec := &record{
		Transform:     reg.Transform,
		InputArefs:    reg.InputArefs,
		InputNames:    reg.InputNames,
		TriggerFields: reg.TriggerFields,
		OutputAref:    reg.OutputAref,
		SchemaName:    reg.SchemaName,
		FieldName:     reg.FieldName,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.persistRecordLocked(ctx, reg.TransformID, rec); err != nil {
		return err
	}

	r.transforms[reg.TransformID] = rec
	r.transformOutputs[reg.TransformID] = reg.OutputAref

	arefSet := make(map[string]bool, len(reg.InputArefs))
	for _, aref := range reg.InputArefs {
		arefSet[aref] = true
	}
	r.transformToArefs[reg.TransformID] = arefSet
	for aref := range arefSet {
		set := r.arefToTransforms[aref]
		if set == nil {
			set = make(map[string]bool)
			r.arefToTransforms[aref] = set
		}
		set[reg.TransformID] = true
	}

	names := make(map[string]string, len(reg.InputArefs))
	for i, aref := range reg.InputArefs {
		if i < len(reg.InputNames) {
			names[aref] = reg.InputNames[i]
		}
	}
	r.transformInputNames[reg.TransformID] = names

	fieldSet := make(map[string]bool, len(reg.TriggerFields))
	for _, field := range reg.TriggerFields {
		fieldSet[field] = true
		set := r.fieldToTransforms[field]
		if set == nil {
			set = make(map[string]bool)
			r.fieldToTransforms[field] = set
		}
		set[reg.TransformID] = true
	}
	r.transformToFields[reg.TransformID] = fieldSet

	return r.persistMappingsLocked(ctx)
}

// Unregister removes a transform's record and prunes every reverse entry,
// collecting (deleting) any reverse map entry left empty.
func (r *Registry) Unregister(ctx context.Context, transformID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transforms[transformID]; !ok {
		return false, nil
	}
	delete(r.transforms, transformID)
	delete(r.transformOutputs, transformID)

	if fields, ok := r.transformToFields[transformID]; ok {
		for field := range fields {
			if set, ok := r.fieldToTransforms[field]; ok {
				delete(set, transformID)
				if len(set) == 0 {
					delete(r.fieldToTransforms, field)
				}
			}
		}
		delete(r.transformToFields, transformID)
	}

	if arefs, ok := r.transformToArefs[transformID]; ok {
		for aref := range arefs {
			if set, ok := r.arefToTransforms[aref]; ok {
				delete(set, transformID)
				if len(set) == 0 {
					delete(r.arefToTransforms, aref)
				}
			}
		}
		delete(r.transformToArefs, transformID)
	}

	delete(r.transformInputNames, transformID)

	if _, err := r.records.Remove(ctx, transformID); err != nil {
		return false, fault.Wrap(fault.StorageFault, err, "registry: remove transform record %s", transformID)
	}
	if err := r.persistMappingsLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// TransformsForField returns the set of transform IDs triggered by
// "schema.field", sorted for deterministic callers.
func (r *Registry) TransformsForField(schemaField string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.fieldToTransforms[schemaField])
}

// TransformsForAref returns the set of transform IDs that read aref.
func (r *Registry) TransformsForAref(aref string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.arefToTransforms[aref])
}

// InputsOf returns the input aref UUIDs a transform depends on.
func (r *Registry) InputsOf(transformID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.transformToArefs[transformID])
}

// InputNamesOf returns the aref -> human-readable-name map for a transform.
func (r *Registry) InputNamesOf(transformID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.transformInputNames[transformID]
	out := make(map[string]string, len(names))
	for k, v := range names {
		out[k] = v
	}
	return out
}

// OutputOf returns the output aref for a transform.
func (r *Registry) OutputOf(transformID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	aref, ok := r.transformOutputs[transformID]
	return aref, ok
}

// Transform returns the registered transform definition for transformID.
func (r *Registry) Transform(transformID string) (*schema.Transform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.transforms[transformID]
	if !ok {
		return nil, false
	}
	return rec.Transform, true
}

// Reload rebuilds every in-memory map from the persisted trees. If the
// well-known mapping keys are missing or stale, it recomputes them from
// the stored transform records themselves rather than failing, per spec
// §4.8's reload tolerance rule.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resetMaps()

	pairs, err := r.records.Iter(ctx)
	if err != nil {
		return fault.Wrap(fault.StorageFault, err, "registry: listing transform records")
	}
	for _, p := range pairs {
		var rec record
		if err := json.Unmarshal(p.Value, &rec); err != nil {
			return fault.Wrap(fault.StorageFault, err, "registry: decoding transform record %s", p.Key)
		}
		r.rebuildFromRecordLocked(p.Key, &rec)
	}

	return r.persistMappingsLocked(ctx)
}

// rebuildFromRecordLocked re-derives every map entry for one transform
// record directly, so a reload never depends on the persisted mapping
// trees being consistent with the records tree.
func (r *Registry) rebuildFromRecordLocked(transformID string, rec *record) {
	r.transforms[transformID] = rec
	r.transformOutputs[transformID] = rec.OutputAref

	arefSet := make(map[string]bool, len(rec.InputArefs))
	for _, aref := range rec.InputArefs {
		arefSet[aref] = true
		set := r.arefToTransforms[aref]
		if set == nil {
			set = make(map[string]bool)
			r.arefToTransforms[aref] = set
		}
		set[transformID] = true
	}
	r.transformToArefs[transformID] = arefSet

	names := make(map[string]string, len(rec.InputArefs))
	for i, aref := range rec.InputArefs {
		if i < len(rec.InputNames) {
			names[aref] = rec.InputNames[i]
		}
	}
	r.transformInputNames[transformID] = names

	fieldSet := make(map[string]bool, len(rec.TriggerFields))
	for _, field := range rec.TriggerFields {
		fieldSet[field] = true
		set := r.fieldToTransforms[field]
		if set == nil {
			set = make(map[string]bool)
			r.fieldToTransforms[field] = set
		}
		set[transformID] = true
	}
	r.transformToFields[transformID] = fieldSet
}

func (r *Registry) persistRecordLocked(ctx context.Context, transformID string, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fault.Wrap(fault.ValidationFailed, err, "registry: marshal transform record %s", transformID)
	}
	if err := r.records.Put(ctx, transformID, data); err != nil {
		return fault.Wrap(fault.StorageFault, err, "registry: persist transform record %s", transformID)
	}
	return nil
}

// persistMappingsLocked flushes all six maps to the mapping tree under
// their well-known keys, mirroring persist_mappings in
// transform_manager/registry.rs.
func (r *Registry) persistMappingsLocked(ctx context.Context) error {
	entries := map[string]interface{}{
		keyFieldToTransforms:   setMapToSlice(r.fieldToTransforms),
		keyTransformToFields:   setMapToSlice(r.transformToFields),
		keyTransformToArefs:    setMapToSlice(r.transformToArefs),
		keyArefToTransforms:    setMapToSlice(r.arefToTransforms),
		keyTransformOutputs:    r.transformOutputs,
		keyTransformInputNames: r.transformInputNames,
	}
	for key, value := range entries {
		data, err := json.Marshal(value)
		if err != nil {
			return fault.Wrap(fault.ValidationFailed, err, "registry: marshal mapping %s", key)
		}
		if err := r.mapping.Put(ctx, key, data); err != nil {
			return fault.Wrap(fault.StorageFault, err, "registry: persist mapping %s", key)
		}
	}
	return nil
}

func setMapToSlice(m map[string]map[string]bool) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, set := range m {
		out[k] = sortedKeys(set)
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
