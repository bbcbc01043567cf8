package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildKey_MapOrderIndependent(t *testing.T) {
	a := map[string]any{
		"intentType": "booking_confirmed",
		"userId":     "user-1",
		"payload": map[string]any{
			"template":  "booking_confirmed",
			"recipient": "a@example.com",
			"data":      map[string]any{"b": 2, "a": 1},
		},
	}
	b := map[string]any{
		"payload": map[string]any{
			"data":      map[string]any{"a": 1, "b": 2},
			"recipient": "a@example.com",
			"template":  "booking_confirmed",
		},
		"userId":     "user-1",
		"intentType": "booking_confirmed",
	}

	keyA, err := BuildKey(a)
	require.NoError(t, err)
	keyB, err := BuildKey(b)
	require.NoError(t, err)

	assert.Equal(t, keyA, keyB)
	assert.Len(t, keyA, 64)
}

func TestBuildKey_StructMatchesEquivalentMap(t *testing.T) {
	type payload struct {
		Template  string `json:"template"`
		Recipient string `json:"recipient"`
	}
	type fields struct {
		UserID     string  `json:"userId"`
		IntentType string  `json:"intentType"`
		Payload    payload `json:"payload"`
	}

	fromStruct := MustBuildKey(fields{
		UserID:     "user-1",
		IntentType: "reminder",
		Payload:    payload{Template: "reminder", Recipient: "+15550001"},
	})
	fromMap := MustBuildKey(map[string]any{
		"payload":    map[string]any{"recipient": "+15550001", "template": "reminder"},
		"intentType": "reminder",
		"userId":     "user-1",
	})

	assert.Equal(t, fromStruct, fromMap)
}

func TestBuildKey_ArrayOrderMatters(t *testing.T) {
	first := MustBuildKey(map[string]any{"channels": []string{"email", "push"}})
	second := MustBuildKey(map[string]any{"channels": []string{"push", "email"}})

	assert.NotEqual(t, first, second)
}

func TestBuildKey_DistinctValuesDiffer(t *testing.T) {
	base := MustBuildKey(map[string]any{"userId": "user-1", "n": 1})

	assert.NotEqual(t, base, MustBuildKey(map[string]any{"userId": "user-2", "n": 1}))
	assert.NotEqual(t, base, MustBuildKey(map[string]any{"userId": "user-1", "n": "1"}))
	assert.NotEqual(t, base, MustBuildKey(map[string]any{"userId": "user-1"}))
}

func TestCanonicalize_SortsNestedKeys(t *testing.T) {
	out, err := Canonicalize(map[string]any{
		"z": []any{map[string]any{"y": true, "x": nil}},
		"a": 1.5,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"a":1.5,"z":[{"x":null,"y":true}]}`, string(out))
}

func TestBuildKey_UnsupportedValue(t *testing.T) {
	_, err := BuildKey(map[string]any{"fn": func() {}})
	assert.Error(t, err)
}

func TestOperationKey(t *testing.T) {
	assert.Equal(t, "vendor-auth-R1-1", OperationKey("vendor", "auth", "R1", 1))
	assert.Equal(t, "requester-capture-R1-3", OperationKey("requester", "capture", "R1", 3))
	assert.Equal(t, OperationKey("vendor", "capture", "R1", 2), OperationKey("vendor", "capture", "R1", 2))
}
