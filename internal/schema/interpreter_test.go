package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON_RoundTripsThroughMarshalWithHash(t *testing.T) {
	s := &Schema{
		Name:          "Profile",
		PaymentConfig: PaymentConfig{BaseMultiplier: 1},
		Fields: map[string]*Field{
			"username": {Kind: KindSingle, PaymentConfig: PaymentConfig{BaseMultiplier: 1}},
		},
	}
	data, err := s.MarshalWithHash()
	require.NoError(t, err)

	parsed, err := ParseJSON(data)
	require.NoError(t, err)
	assert.Equal(t, "Profile", parsed.Name)
	assert.Equal(t, s.Hash, parsed.Hash)
	assert.Equal(t, KindSingle, parsed.Fields["username"].Kind)

	valid, err := VerifyHash(toGeneric(t, data))
	require.NoError(t, err)
	assert.True(t, valid)
}

func toGeneric(t *testing.T, data []byte) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}
