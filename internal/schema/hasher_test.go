package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateHash_IsStableAcrossKeyOrderAndExcludedFields(t *testing.T) {
	a := map[string]interface{}{
		"name": "X",
		"fields": map[string]interface{}{
			"a": map[string]interface{}{"field_type": "Single"},
			"b": map[string]interface{}{"field_type": "Range"},
		},
	}
	b := map[string]interface{}{
		"fields": map[string]interface{}{
			"b": map[string]interface{}{"field_type": "Range"},
			"a": map[string]interface{}{"field_type": "Single"},
		},
		"name":           "Y",
		"payment_config": map[string]interface{}{"base_multiplier": 1},
	}

	hashA, err := CalculateHash(a)
	require.NoError(t, err)
	hashB, err := CalculateHash(b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.Len(t, hashA, 64)
}

func TestSchema_ContentHash_ExcludesHashAndPaymentConfig(t *testing.T) {
	s := &Schema{
		Name:          "TestSchema",
		PaymentConfig: PaymentConfig{BaseMultiplier: 1},
		Fields: map[string]*Field{
			"field1": {Kind: KindSingle, PaymentConfig: PaymentConfig{BaseMultiplier: 1}},
		},
	}
	hash1, err := s.ContentHash()
	require.NoError(t, err)

	s.Hash = hash1
	s.PaymentConfig.BaseMultiplier = 99

	hash2, err := s.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)
}

func TestVerifyHash(t *testing.T) {
	s := &Schema{
		Name:          "TestSchema",
		PaymentConfig: PaymentConfig{BaseMultiplier: 1},
		Fields: map[string]*Field{
			"field1": {Kind: KindSingle, PaymentConfig: PaymentConfig{BaseMultiplier: 1}},
		},
	}
	data, err := s.MarshalWithHash()
	require.NoError(t, err)

	var generic interface{}
	require.NoError(t, json.Unmarshal(data, &generic))

	valid, err := VerifyHash(generic)
	require.NoError(t, err)
	assert.True(t, valid)
}
