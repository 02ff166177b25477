package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/datafold/internal/kv"
	"github.com/platinummonkey/datafold/internal/schema"
)

func newTestStore(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRegistration(id string) Registration {
	return Registration{
		TransformID:   id,
		Transform:     &schema.Transform{Logic: "a + b", Output: "Invoice.total"},
		InputArefs:    []string{"aref-a", "aref-b"},
		InputNames:    []string{"a", "b"},
		TriggerFields: []string{"Order.subtotal", "Order.tax"},
		OutputAref:    "aref-total",
		SchemaName:    "Invoice",
		FieldName:     "total",
	}
}

func TestRegister_PopulatesAllSixMaps(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, newTestStore(t))
	require.NoError(t, err)

	require.NoError(t, r.Register(ctx, nil, sampleRegistration("t1")))

	assert.Equal(t, []string{"aref-total"}[0], mustOutput(t, r, "t1"))
	assert.ElementsMatch(t, []string{"aref-a", "aref-b"}, r.InputsOf("t1"))
	assert.Equal(t, map[string]string{"aref-a": "a", "aref-b": "b"}, r.InputNamesOf("t1"))
	assert.ElementsMatch(t, []string{"t1"}, r.TransformsForField("Order.subtotal"))
	assert.ElementsMatch(t, []string{"t1"}, r.TransformsForField("Order.tax"))
	assert.ElementsMatch(t, []string{"t1"}, r.TransformsForAref("aref-a"))
	assert.ElementsMatch(t, []string{"t1"}, r.TransformsForAref("aref-b"))

	tr, ok := r.Transform("t1")
	require.True(t, ok)
	assert.Equal(t, "Invoice.total", tr.Output)
}

func mustOutput(t *testing.T, r *Registry, id string) string {
	t.Helper()
	aref, ok := r.OutputOf(id)
	require.True(t, ok)
	return aref
}

func TestRegister_ValidateCallbackRejectsTransform(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, newTestStore(t))
	require.NoError(t, err)

	boom := assert.AnError
	err = r.Register(ctx, func(*schema.Transform) error { return boom }, sampleRegistration("bad"))
	require.Error(t, err)
	_, ok := r.OutputOf("bad")
	assert.False(t, ok)
}

func TestUnregister_PrunesEmptyReverseEntries(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, newTestStore(t))
	require.NoError(t, err)
	require.NoError(t, r.Register(ctx, nil, sampleRegistration("t1")))

	ok, err := r.Unregister(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Empty(t, r.TransformsForField("Order.subtotal"))
	assert.Empty(t, r.TransformsForAref("aref-a"))
	_, present := r.OutputOf("t1")
	assert.False(t, present)
	_, present = r.Transform("t1")
	assert.False(t, present)
}

func TestUnregister_SharedArefSurvivesOtherTransform(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, newTestStore(t))
	require.NoError(t, err)

	reg1 := sampleRegistration("t1")
	reg2 := sampleRegistration("t2")
	reg2.InputArefs = []string{"aref-a"} // shares aref-a with t1
	reg2.InputNames = []string{"a"}
	reg2.TriggerFields = nil

	require.NoError(t, r.Register(ctx, nil, reg1))
	require.NoError(t, r.Register(ctx, nil, reg2))

	_, err = r.Unregister(ctx, "t1")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"t2"}, r.TransformsForAref("aref-a"))
}

func TestUnregister_UnknownTransformReturnsFalse(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, newTestStore(t))
	require.NoError(t, err)

	ok, err := r.Unregister(ctx, "never-registered")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReload_RebuildsMapsFromPersistedRecordsAlone(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r, err := New(ctx, store)
	require.NoError(t, err)
	require.NoError(t, r.Register(ctx, nil, sampleRegistration("t1")))

	// Corrupt the persisted mapping tree directly, simulating a stale or
	// missing well-known key; Reload must recompute from transform records.
	mappingTree, err := store.Tree("transform_mappings")
	require.NoError(t, err)
	_, err = mappingTree.Remove(ctx, keyFieldToTransforms)
	require.NoError(t, err)
	_, err = mappingTree.Remove(ctx, keyArefToTransforms)
	require.NoError(t, err)

	r2, err := New(ctx, store)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"t1"}, r2.TransformsForField("Order.subtotal"))
	assert.ElementsMatch(t, []string{"t1"}, r2.TransformsForAref("aref-a"))
	aref, ok := r2.OutputOf("t1")
	require.True(t, ok)
	assert.Equal(t, "aref-total", aref)
}

func TestReload_SurvivesAcrossReopen(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r, err := New(ctx, store)
	require.NoError(t, err)
	require.NoError(t, r.Register(ctx, nil, sampleRegistration("t1")))

	r2, err := New(ctx, store)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1"}, r2.TransformsForField("Order.subtotal"))

	require.NoError(t, r2.Reload(ctx))
	assert.ElementsMatch(t, []string{"t1"}, r2.TransformsForField("Order.subtotal"))
}

func TestRegister_EmptyTransformIDRejected(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, newTestStore(t))
	require.NoError(t, err)

	reg := sampleRegistration("")
	err = r.Register(ctx, nil, reg)
	require.Error(t, err)
}
