package weaviate

import (
	"encoding/json"
	"testing"

	"annbench/internal/recall"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

func TestUUIDRoundTrip(t *testing.T) {
	for _, id := range []int64{0, 1, 42, 1 << 40} {
		got, err := intFromUUID(string(uuidFromInt(id)))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
	assert.Equal(t, "00000000-0000-0000-0000-00000000002a", string(uuidFromInt(42)))
}

func TestSplitAddress(t *testing.T) {
	tests := map[string][2]string{
		"":                      {"http", "localhost:8080"},
		"weaviate:8080":         {"http", "weaviate:8080"},
		"https://example.com":   {"https", "example.com"},
		"http://127.0.0.1:9000": {"http", "127.0.0.1:9000"},
	}
	for addr, want := range tests {
		scheme, host, err := splitAddress(addr)
		require.NoError(t, err, addr)
		assert.Equal(t, want, [2]string{scheme, host}, addr)
	}
}

func TestClassName(t *testing.T) {
	assert.Equal(t, "Bench", className(""))
	assert.Equal(t, "Bench", className("bench"))
	assert.Equal(t, "Sift1m", className("sift1m"))
}

func TestDistanceOf(t *testing.T) {
	assert.Equal(t, "cosine", distanceOf(recall.Cosine))
	assert.Equal(t, "dot", distanceOf(recall.InnerProduct))
	assert.Equal(t, "l2-squared", distanceOf(recall.L2))
}

func TestParseGetIDs(t *testing.T) {
	raw := `{"Get": {"Bench": [
		{"_additional": {"id": "00000000-0000-0000-0000-000000000007"}},
		{"_additional": {"id": "00000000-0000-0000-0000-000000000003"}}
	]}}`
	var data map[string]models.JSONObject
	require.NoError(t, json.Unmarshal([]byte(raw), &data))

	ids, err := parseGetIDs(data, "Bench")
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 3}, ids)

	_, err = parseGetIDs(data, "Other")
	assert.Error(t, err)
	_, err = parseGetIDs(map[string]models.JSONObject{}, "Bench")
	assert.Error(t, err)
}

func TestBatchError(t *testing.T) {
	assert.NoError(t, batchError(nil))

	resp := []models.ObjectsGetResponse{
		{},
		{Result: &models.ObjectsGetResponseAO2Result{Errors: &models.ErrorResponse{
			Error: []*models.ErrorResponseErrorItems0{{Message: "bad vector"}},
		}}},
	}
	assert.EqualError(t, batchError(resp), "bad vector")
}
