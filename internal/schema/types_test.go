package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveFieldName_ExactMatchWins(t *testing.T) {
	sc := &Schema{Fields: map[string]*Field{
		"username": {Kind: KindSingle},
	}}
	name, f := sc.ResolveFieldName("username")
	assert.Equal(t, "username", name)
	assert.Same(t, sc.Fields["username"], f)
}

func TestResolveFieldName_FallsBackToMapperAlias(t *testing.T) {
	sc := &Schema{Fields: map[string]*Field{
		"username": {Kind: KindSingle, FieldMappers: map[string]string{"user_name": "username", "handle": "username"}},
	}}

	name, f := sc.ResolveFieldName("user_name")
	assert.Equal(t, "username", name)
	assert.Same(t, sc.Fields["username"], f)

	name, f = sc.ResolveFieldName("handle")
	assert.Equal(t, "username", name)
	assert.Same(t, sc.Fields["username"], f)
}

func TestResolveFieldName_MapperTargetingUnknownFieldFallsBackToOwner(t *testing.T) {
	owner := &Field{Kind: KindSingle, FieldMappers: map[string]string{"legacy_name": "does_not_exist"}}
	sc := &Schema{Fields: map[string]*Field{"current_name": owner}}

	name, f := sc.ResolveFieldName("legacy_name")
	assert.Equal(t, "current_name", name)
	assert.Same(t, owner, f)
}

func TestResolveFieldName_UnknownNameReturnsNilField(t *testing.T) {
	sc := &Schema{Fields: map[string]*Field{"username": {Kind: KindSingle}}}
	_, f := sc.ResolveFieldName("nonexistent")
	assert.Nil(t, f)
}
