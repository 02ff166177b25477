// Package mutate implements C7: the gate → validate → write → bind → emit
// pipeline that applies a Mutation to a schema's fields.
//
// Grounded on original_source/src/fold_db_core/operations/mutations.rs
// (the five/six-step pipeline, the single-mutation-hash-per-call idiom,
// and "publish MutationExecuted regardless of per-field outcome").
package mutate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/datafold/internal/atom"
	"github.com/platinummonkey/datafold/internal/fault"
	"github.com/platinummonkey/datafold/internal/schema"
)

// Mutation is one write request against a schema's fields (spec §4.7).
type Mutation struct {
	SchemaName      string
	FieldsAndValues map[string]interface{}
	PubKey          string
	TrustDistance   int
	MutationType    string

	// MutationHash tags the propagation wave this mutation originates
	// (spec §4.9 "Cycles"). Callers may leave it empty; Execute mints one
	// so every FieldValueSet it publishes carries the same wave tag.
	MutationHash string
}

// SchemaLookup is the slice of C4's lifecycle.Store the executor needs:
// resolving a schema, checking its gate state, and re-persisting it after
// a first-time ref_atom_uuid bind.
type SchemaLookup interface {
	GetSchema(name string) (*schema.Schema, bool)
	CanMutate(name string) bool
	PersistSchema(ctx context.Context, sc *schema.Schema) error
}

// AtomWriter is the slice of C2's atom.Store the executor needs to create
// and repoint atoms for each field variant.
type AtomWriter interface {
	UpdateAtomRef(ctx context.Context, refName string, content interface{}, sourcePublicKey string) (*atom.Atom, error)
	UpdateRangeAtomRef(ctx context.Context, refName, rangeKey string, content interface{}, sourcePublicKey string) (*atom.Atom, error)
	UpdateCollectionAtomRef(ctx context.Context, refName, itemID string, content interface{}, sourcePublicKey string) (*atom.Atom, error)
}

// Publisher emits FieldValueSet and MutationExecuted onto C10's event bus.
type Publisher interface {
	Publish(eventType string, payload interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, interface{}) {}

// Invalidator is satisfied by C6's resolver.Resolver, letting the executor
// evict a field's cached value the moment its ref changes.
type Invalidator interface {
	Invalidate(ctx context.Context, refName string)
}

// FieldValueSet is published once per successfully written field.
type FieldValueSet struct {
	Schema       string      `json:"schema"`
	Field        string      `json:"field"`
	Value        interface{} `json:"value"`
	Actor        string      `json:"actor"`
	MutationHash string      `json:"mutation_hash,omitempty"`
}

// MutationExecuted is published once per Execute call, success or failure.
type MutationExecuted struct {
	Schema        string        `json:"schema"`
	MutationType  string        `json:"mutation_type"`
	ElapsedMillis int64         `json:"elapsed_ms"`
	FieldCount    int           `json:"field_count"`
	Err           string        `json:"error,omitempty"`
	Elapsed       time.Duration `json:"-"`
}

// Executor runs the C7 pipeline.
type Executor struct {
	lookup    SchemaLookup
	atoms     AtomWriter
	publisher Publisher
	cache     Invalidator
}

// New builds an Executor. publisher and cache may be nil.
func New(lookup SchemaLookup, atoms AtomWriter, publisher Publisher, cache Invalidator) *Executor {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Executor{lookup: lookup, atoms: atoms, publisher: publisher, cache: cache}
}

// Execute runs the gate/validate/write/bind/emit pipeline for m. A
// mutation is not a cross-field transaction: on the first field-write
// error, Execute returns immediately, leaving any earlier fields in this
// call already written (spec §4.7's closing note).
func (e *Executor) Execute(ctx context.Context, m Mutation) error {
	if m.MutationHash == "" {
		m.MutationHash = uuid.NewString()
	}
	start := time.Now()
	err := e.execute(ctx, m)

	e.publisher.Publish("MutationExecuted", MutationExecuted{
		Schema:        m.SchemaName,
		MutationType:  m.MutationType,
		ElapsedMillis: time.Since(start).Milliseconds(),
		FieldCount:    len(m.FieldsAndValues),
		Err:           errString(err),
	})
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *Executor) execute(ctx context.Context, m Mutation) error {
	if len(m.FieldsAndValues) == 0 {
		return fault.New(fault.ValidationFailed, "mutate: no fields to write")
	}

	sc, ok := e.lookup.GetSchema(m.SchemaName)
	if !ok {
		return fault.New(fault.NotFound, "mutate: schema %s not found", m.SchemaName)
	}

	m.FieldsAndValues = canonicalizeFieldNames(sc, m.FieldsAndValues)

	if err := e.gate(sc, m); err != nil {
		return err
	}
	if err := e.validate(sc, m); err != nil {
		return err
	}

	if sc.IsRangeSchema() {
		return e.writeRangeSchema(ctx, sc, m)
	}
	for fieldName, value := range m.FieldsAndValues {
		if err := e.writeField(ctx, sc, fieldName, sc.Field(fieldName), value, m.PubKey, m.MutationHash); err != nil {
			return err
		}
	}
	return nil
}

// canonicalizeFieldNames resolves every key of values through the schema's
// field mappers (spec §3.3's ingestion-time aliasing) before gate,
// validate, and write ever see them, so the rest of the pipeline only
// deals in a field's declared name. A key that resolves to nothing is left
// as-is; gate rejects it as unknown immediately afterward.
func canonicalizeFieldNames(sc *schema.Schema, values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for name, value := range values {
		canonical, field := sc.ResolveFieldName(name)
		if field == nil {
			out[name] = value
			continue
		}
		out[canonical] = value
	}
	return out
}

// gate enforces spec §4.7 step 1: the schema must be Approved and every
// touched field's write-trust policy must admit the caller's trust
// distance.
func (e *Executor) gate(sc *schema.Schema, m Mutation) error {
	if !e.lookup.CanMutate(sc.Name) {
		return fault.New(fault.PermissionDenied, "mutate: schema %s is not Approved", sc.Name)
	}
	for fieldName := range m.FieldsAndValues {
		field := sc.Field(fieldName)
		if field == nil {
			return fault.New(fault.ValidationFailed, "mutate: field %s.%s not found", sc.Name, fieldName)
		}
		if m.TrustDistance > field.PermissionPolicy.WriteTrustDistance {
			return fault.New(fault.PermissionDenied,
				"mutate: trust distance %d exceeds write policy %d for %s.%s",
				m.TrustDistance, field.PermissionPolicy.WriteTrustDistance, sc.Name, fieldName)
		}
	}
	return nil
}

// validate enforces spec §4.7 step 2.
func (e *Executor) validate(sc *schema.Schema, m Mutation) error {
	if sc.IsRangeSchema() {
		return e.validateRangeMutation(sc, m)
	}
	for fieldName, value := range m.FieldsAndValues {
		field := sc.Field(fieldName)
		if field == nil {
			return fault.New(fault.ValidationFailed, "mutate: field %s.%s not found", sc.Name, fieldName)
		}
		if field.Kind == schema.KindCollection {
			if _, ok := value.(map[string]interface{}); !ok {
				return fault.New(fault.ValidationFailed, "mutate: %s.%s is a Collection field; value must be an object of item_id -> content", sc.Name, fieldName)
			}
		}
	}
	return nil
}

func (e *Executor) validateRangeMutation(sc *schema.Schema, m Mutation) error {
	rangeKey := *sc.RangeKey
	var commonKey string
	var haveKey bool
	for fieldName, value := range m.FieldsAndValues {
		if sc.Field(fieldName) == nil {
			return fault.New(fault.ValidationFailed, "mutate: field %s.%s not found", sc.Name, fieldName)
		}
		obj, ok := value.(map[string]interface{})
		if !ok {
			return fault.New(fault.ValidationFailed, "mutate: %s.%s: range schema values must be objects containing %q", sc.Name, fieldName, rangeKey)
		}
		keyValue, ok := obj[rangeKey]
		if !ok {
			return fault.New(fault.ValidationFailed, "mutate: %s.%s: missing range_key field %q", sc.Name, fieldName, rangeKey)
		}
		keyStr, ok := keyValue.(string)
		if !ok {
			return fault.New(fault.ValidationFailed, "mutate: %s.%s: range_key field %q must be a string", sc.Name, fieldName, rangeKey)
		}
		if !haveKey {
			commonKey = keyStr
			haveKey = true
			continue
		}
		if keyStr != commonKey {
			return fault.New(fault.ValidationFailed, "mutate: %s: range_key values disagree across submitted fields (%q vs %q)", sc.Name, commonKey, keyStr)
		}
	}
	return nil
}

func (e *Executor) writeRangeSchema(ctx context.Context, sc *schema.Schema, m Mutation) error {
	rangeKey := *sc.RangeKey
	var commonKey string
	for _, value := range m.FieldsAndValues {
		commonKey = value.(map[string]interface{})[rangeKey].(string)
		break
	}
	for fieldName, value := range m.FieldsAndValues {
		field := sc.Field(fieldName)
		refName := e.refName(field)
		if _, err := e.atoms.UpdateRangeAtomRef(ctx, refName, commonKey, value, m.PubKey); err != nil {
			return fault.Wrap(fault.StorageFault, err, "mutate: write %s.%s range entry %s", sc.Name, fieldName, commonKey)
		}
		if err := e.bindRefName(ctx, sc, fieldName, field, refName); err != nil {
			return err
		}
		e.invalidate(ctx, refName)
		e.publisher.Publish("FieldValueSet", FieldValueSet{Schema: sc.Name, Field: fieldName, Value: value, Actor: m.PubKey, MutationHash: m.MutationHash})
	}
	return nil
}

func (e *Executor) writeField(ctx context.Context, sc *schema.Schema, fieldName string, field *schema.Field, value interface{}, pubKey, mutationHash string) error {
	refName := e.refName(field)

	switch field.Kind {
	case schema.KindSingle:
		if _, err := e.atoms.UpdateAtomRef(ctx, refName, value, pubKey); err != nil {
			return fault.Wrap(fault.StorageFault, err, "mutate: write %s.%s", sc.Name, fieldName)
		}
	case schema.KindCollection:
		items := value.(map[string]interface{})
		for itemID, content := range items {
			if _, err := e.atoms.UpdateCollectionAtomRef(ctx, refName, itemID, content, pubKey); err != nil {
				return fault.Wrap(fault.StorageFault, err, "mutate: write %s.%s item %s", sc.Name, fieldName, itemID)
			}
		}
	default:
		return fault.New(fault.ValidationFailed, "mutate: field %s.%s has unsupported kind %s outside a range schema", sc.Name, fieldName, field.Kind)
	}

	if err := e.bindRefName(ctx, sc, fieldName, field, refName); err != nil {
		return err
	}

	e.invalidate(ctx, refName)
	e.publisher.Publish("FieldValueSet", FieldValueSet{Schema: sc.Name, Field: fieldName, Value: value, Actor: pubKey, MutationHash: mutationHash})
	return nil
}

// refName returns field's existing ref_atom_uuid, or mints a candidate one
// for a not-yet-bound field. The candidate is not written to the schema
// until bindRefName runs, so the AtomRef row the caller is about to create
// always exists before any schema ever points at it (spec §3.3 "no ghost
// refs").
func (e *Executor) refName(field *schema.Field) string {
	if field.RefAtomUUID != "" {
		return field.RefAtomUUID
	}
	return uuid.NewString()
}

// bindRefName persists a newly minted ref_atom_uuid via the centralized
// setter (spec §3.3), once the AtomRef it names has actually been created
// in the atom store by the caller. A no-op when field was already bound.
func (e *Executor) bindRefName(ctx context.Context, sc *schema.Schema, fieldName string, field *schema.Field, refName string) error {
	if field.RefAtomUUID != "" {
		return nil
	}
	if err := sc.SetFieldRefAtomUUID(fieldName, refName); err != nil {
		return err
	}
	return e.lookup.PersistSchema(ctx, sc)
}

func (e *Executor) invalidate(ctx context.Context, refName string) {
	if e.cache == nil {
		return
	}
	e.cache.Invalidate(ctx, refName)
}
