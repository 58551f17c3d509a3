package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalMap_nilBecomesEmptyObject(t *testing.T) {
	s, err := marshalMap(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", s)
}

func TestMarshalMap_roundTripsThroughUnmarshalMap(t *testing.T) {
	original := map[string]any{"a": float64(1), "b": "two"}
	s, err := marshalMap(original)
	require.NoError(t, err)

	back, err := unmarshalMap(s)
	require.NoError(t, err)
	assert.Equal(t, original, back)
}

func TestUnmarshalMap_emptyStringBecomesEmptyObject(t *testing.T) {
	m, err := unmarshalMap("")
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestUnmarshalMap_invalidJSONErrors(t *testing.T) {
	_, err := unmarshalMap("not json")
	assert.Error(t, err)
}

func TestOpen_failsWithoutRegisteredDriver(t *testing.T) {
	// No database/sql driver is blank-imported by this module (by design:
	// the operator links one into a custom entrypoint), so even a
	// syntactically valid driver name fails to open here.
	_, err := Open("postgres", "postgres://localhost/jobsvc")
	assert.Error(t, err)
}
