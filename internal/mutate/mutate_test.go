package mutate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/datafold/internal/atom"
	"github.com/platinummonkey/datafold/internal/fault"
	"github.com/platinummonkey/datafold/internal/schema"
)

// trace records the relative order "aref-write" / "schema-persist" events
// happen in, across the fakeAtoms/fakeLookup pair, so tests can assert the
// AtomRef a ref_atom_uuid names is created before the schema is ever
// persisted pointing at it (spec §3.3 "no ghost refs").
type trace struct {
	events []string
}

func (t *trace) record(event string) { t.events = append(t.events, event) }

type fakeLookup struct {
	schemas map[string]*schema.Schema
	mutable map[string]bool
	persist int
	trace   *trace
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{schemas: make(map[string]*schema.Schema), mutable: make(map[string]bool), trace: &trace{}}
}

func (f *fakeLookup) GetSchema(name string) (*schema.Schema, bool) {
	sc, ok := f.schemas[name]
	return sc, ok
}
func (f *fakeLookup) CanMutate(name string) bool { return f.mutable[name] }
func (f *fakeLookup) PersistSchema(ctx context.Context, sc *schema.Schema) error {
	f.persist++
	f.schemas[sc.Name] = sc
	f.trace.record("schema-persist")
	return nil
}

type fakeAtoms struct {
	singleWrites     map[string]interface{}
	rangeWrites      map[string]map[string]interface{}
	collectionWrites map[string]map[string]interface{}
	trace            *trace
}

func newFakeAtoms() *fakeAtoms {
	return &fakeAtoms{
		singleWrites:     make(map[string]interface{}),
		rangeWrites:      make(map[string]map[string]interface{}),
		collectionWrites: make(map[string]map[string]interface{}),
		trace:            &trace{},
	}
}

func (f *fakeAtoms) UpdateAtomRef(ctx context.Context, refName string, content interface{}, sourcePublicKey string) (*atom.Atom, error) {
	f.singleWrites[refName] = content
	f.trace.record("aref-write")
	return &atom.Atom{UUID: "atom-" + refName, Content: content}, nil
}

func (f *fakeAtoms) UpdateRangeAtomRef(ctx context.Context, refName, rangeKey string, content interface{}, sourcePublicKey string) (*atom.Atom, error) {
	if f.rangeWrites[refName] == nil {
		f.rangeWrites[refName] = make(map[string]interface{})
	}
	f.rangeWrites[refName][rangeKey] = content
	return &atom.Atom{UUID: "atom-" + refName + "-" + rangeKey, Content: content}, nil
}

func (f *fakeAtoms) UpdateCollectionAtomRef(ctx context.Context, refName, itemID string, content interface{}, sourcePublicKey string) (*atom.Atom, error) {
	if f.collectionWrites[refName] == nil {
		f.collectionWrites[refName] = make(map[string]interface{})
	}
	f.collectionWrites[refName][itemID] = content
	return &atom.Atom{UUID: "atom-" + refName + "-" + itemID, Content: content}, nil
}

type recordingPublisher struct {
	events []string
}

func (p *recordingPublisher) Publish(eventType string, payload interface{}) {
	p.events = append(p.events, eventType)
}

func singleFieldSchema(writeTrust int) *schema.Schema {
	return &schema.Schema{
		Name: "Profile",
		Fields: map[string]*schema.Field{
			"username": {Kind: schema.KindSingle, PermissionPolicy: schema.PermissionPolicy{WriteTrustDistance: writeTrust}},
		},
	}
}

func TestExecute_SingleField_BindsRefAtomUUIDOnFirstWrite(t *testing.T) {
	lookup := newFakeLookup()
	sc := singleFieldSchema(5)
	lookup.schemas["Profile"] = sc
	lookup.mutable["Profile"] = true

	atoms := newFakeAtoms()
	lookup.trace = atoms.trace
	pub := &recordingPublisher{}
	ex := New(lookup, atoms, pub, nil)

	err := ex.Execute(context.Background(), Mutation{
		SchemaName:      "Profile",
		FieldsAndValues: map[string]interface{}{"username": "alice"},
		PubKey:          "key1",
		TrustDistance:   1,
		MutationType:    "Create",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, sc.Field("username").RefAtomUUID)
	assert.Equal(t, 1, lookup.persist)
	assert.Equal(t, "alice", atoms.singleWrites[sc.Field("username").RefAtomUUID])
	assert.Contains(t, pub.events, "FieldValueSet")
	assert.Contains(t, pub.events, "MutationExecuted")

	// The AtomRef row must exist before the schema is persisted pointing at
	// it, never after: a schema-persist preceding its aref-write would be a
	// ghost ref_atom_uuid window (spec §3.3).
	require.Equal(t, []string{"aref-write", "schema-persist"}, atoms.trace.events)
}

func TestExecute_WritesUnderFieldMapperAlias(t *testing.T) {
	lookup := newFakeLookup()
	sc := singleFieldSchema(5)
	sc.Field("username").FieldMappers = map[string]string{"user_name": "username"}
	lookup.schemas["Profile"] = sc
	lookup.mutable["Profile"] = true

	atoms := newFakeAtoms()
	lookup.trace = atoms.trace
	pub := &recordingPublisher{}
	ex := New(lookup, atoms, pub, nil)

	err := ex.Execute(context.Background(), Mutation{
		SchemaName:      "Profile",
		FieldsAndValues: map[string]interface{}{"user_name": "alice"},
		PubKey:          "key1",
		TrustDistance:   1,
		MutationType:    "Create",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, sc.Field("username").RefAtomUUID)
	assert.Equal(t, "alice", atoms.singleWrites[sc.Field("username").RefAtomUUID])
}

func TestExecute_SchemaNotApproved_PermissionDenied(t *testing.T) {
	lookup := newFakeLookup()
	sc := singleFieldSchema(5)
	lookup.schemas["Profile"] = sc
	lookup.mutable["Profile"] = false

	ex := New(lookup, newFakeAtoms(), nil, nil)
	err := ex.Execute(context.Background(), Mutation{
		SchemaName:      "Profile",
		FieldsAndValues: map[string]interface{}{"username": "alice"},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.PermissionDenied))
}

func TestExecute_TrustDistanceExceedsPolicy_PermissionDenied(t *testing.T) {
	lookup := newFakeLookup()
	sc := singleFieldSchema(2)
	lookup.schemas["Profile"] = sc
	lookup.mutable["Profile"] = true

	ex := New(lookup, newFakeAtoms(), nil, nil)
	err := ex.Execute(context.Background(), Mutation{
		SchemaName:      "Profile",
		FieldsAndValues: map[string]interface{}{"username": "alice"},
		TrustDistance:   5,
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.PermissionDenied))
}

func TestExecute_UnknownField_ValidationFailed(t *testing.T) {
	lookup := newFakeLookup()
	sc := singleFieldSchema(5)
	lookup.schemas["Profile"] = sc
	lookup.mutable["Profile"] = true

	ex := New(lookup, newFakeAtoms(), nil, nil)
	err := ex.Execute(context.Background(), Mutation{
		SchemaName:      "Profile",
		FieldsAndValues: map[string]interface{}{"nonexistent": "x"},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ValidationFailed))
}

func rangeKeyPtr(k string) *string { return &k }

func TestExecute_RangeSchema_CommonKeyAppliedToEachField(t *testing.T) {
	lookup := newFakeLookup()
	sc := &schema.Schema{
		Name:     "Temperature",
		RangeKey: rangeKeyPtr("room"),
		Fields: map[string]*schema.Field{
			"room":    {Kind: schema.KindRange},
			"celsius": {Kind: schema.KindRange},
		},
	}
	lookup.schemas["Temperature"] = sc
	lookup.mutable["Temperature"] = true

	atoms := newFakeAtoms()
	ex := New(lookup, atoms, nil, nil)

	err := ex.Execute(context.Background(), Mutation{
		SchemaName: "Temperature",
		FieldsAndValues: map[string]interface{}{
			"room":    map[string]interface{}{"room": "room-a"},
			"celsius": map[string]interface{}{"room": "room-a", "value": 21.0},
		},
	})
	require.NoError(t, err)

	celsiusRef := sc.Field("celsius").RefAtomUUID
	require.NotEmpty(t, celsiusRef)
	assert.Equal(t, map[string]interface{}{"room": "room-a", "value": 21.0}, atoms.rangeWrites[celsiusRef]["room-a"])
}

func TestExecute_RangeSchema_MismatchedKeysRejected(t *testing.T) {
	lookup := newFakeLookup()
	sc := &schema.Schema{
		Name:     "Temperature",
		RangeKey: rangeKeyPtr("room"),
		Fields: map[string]*schema.Field{
			"room":    {Kind: schema.KindRange},
			"celsius": {Kind: schema.KindRange},
		},
	}
	lookup.schemas["Temperature"] = sc
	lookup.mutable["Temperature"] = true

	ex := New(lookup, newFakeAtoms(), nil, nil)
	err := ex.Execute(context.Background(), Mutation{
		SchemaName: "Temperature",
		FieldsAndValues: map[string]interface{}{
			"room":    map[string]interface{}{"room": "room-a"},
			"celsius": map[string]interface{}{"room": "room-b", "value": 21.0},
		},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ValidationFailed))
}

func TestExecute_CollectionField_WritesPerItem(t *testing.T) {
	lookup := newFakeLookup()
	sc := &schema.Schema{
		Name: "Team",
		Fields: map[string]*schema.Field{
			"members": {Kind: schema.KindCollection, PermissionPolicy: schema.PermissionPolicy{WriteTrustDistance: 10}},
		},
	}
	lookup.schemas["Team"] = sc
	lookup.mutable["Team"] = true

	atoms := newFakeAtoms()
	ex := New(lookup, atoms, nil, nil)

	err := ex.Execute(context.Background(), Mutation{
		SchemaName: "Team",
		FieldsAndValues: map[string]interface{}{
			"members": map[string]interface{}{"u1": "alice", "u2": "bob"},
		},
	})
	require.NoError(t, err)

	ref := sc.Field("members").RefAtomUUID
	require.NotEmpty(t, ref)
	assert.Equal(t, "alice", atoms.collectionWrites[ref]["u1"])
	assert.Equal(t, "bob", atoms.collectionWrites[ref]["u2"])
}

func TestExecute_CollectionField_RejectsNonObjectValue(t *testing.T) {
	lookup := newFakeLookup()
	sc := &schema.Schema{
		Name: "Team",
		Fields: map[string]*schema.Field{
			"members": {Kind: schema.KindCollection},
		},
	}
	lookup.schemas["Team"] = sc
	lookup.mutable["Team"] = true

	ex := New(lookup, newFakeAtoms(), nil, nil)
	err := ex.Execute(context.Background(), Mutation{
		SchemaName:      "Team",
		FieldsAndValues: map[string]interface{}{"members": "not-an-object"},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ValidationFailed))
}

func TestExecute_NoFields_ValidationFailed(t *testing.T) {
	lookup := newFakeLookup()
	ex := New(lookup, newFakeAtoms(), nil, nil)
	err := ex.Execute(context.Background(), Mutation{SchemaName: "Profile"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ValidationFailed))
}
