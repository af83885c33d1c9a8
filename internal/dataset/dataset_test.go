package dataset

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"annbench/api/benchapi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFvecsRoundTrip(t *testing.T) {
	vectors := [][]float32{{1, 2, 3}, {-0.5, 0, 1e-3}}

	var buf bytes.Buffer
	require.NoError(t, WriteFvecs(&buf, vectors))
	assert.Equal(t, 2*(4+3*4), buf.Len())

	got, err := ReadFvecs(&buf)
	require.NoError(t, err)
	assert.Equal(t, vectors, got)
}

func TestReadFvecsErrors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFvecs(&buf, [][]float32{{1, 2}, {3}}))
	_, err := ReadFvecs(&buf)
	assert.ErrorContains(t, err, "differs")

	truncated := make([]byte, 4+3)
	binary.LittleEndian.PutUint32(truncated, 2)
	_, err = ReadFvecs(bytes.NewReader(truncated))
	assert.Error(t, err)

	bad := make([]byte, 4)
	binary.LittleEndian.PutUint32(bad, 0)
	_, err = ReadFvecs(bytes.NewReader(bad))
	assert.ErrorContains(t, err, "invalid dimension")

	empty, err := ReadFvecs(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGenerateDeterministic(t *testing.T) {
	v1, q1 := Generate(20, 4, 5, 7)
	v2, q2 := Generate(20, 4, 5, 7)
	assert.Equal(t, v1, v2)
	assert.Equal(t, q1, q2)
	assert.Len(t, v1, 20)
	assert.Len(t, q1, 5)
	assert.Len(t, v1[0], 4)

	v3, _ := Generate(20, 4, 5, 8)
	assert.NotEqual(t, v1, v3)
}

func TestMakeOrLoad(t *testing.T) {
	root := t.TempDir()
	opts := Options{Root: root, Name: "tiny", N: 50, Dim: 8, NQueries: 10, Seed: 1}

	generated, err := MakeOrLoad(opts)
	require.NoError(t, err)
	assert.Len(t, generated.Vectors, 50)
	assert.Equal(t, 8, generated.Dim())
	assert.FileExists(t, filepath.Join(root, "tiny", VectorsFile))
	assert.FileExists(t, filepath.Join(root, "tiny", QueriesFile))

	// a second call loads the stored files even with other sizes
	opts.N = 5
	opts.LimitN = 20
	loaded, err := MakeOrLoad(opts)
	require.NoError(t, err)
	assert.Equal(t, generated.Vectors[:20], loaded.Vectors)
	assert.Equal(t, generated.Queries, loaded.Queries)
}

func TestMakeOrLoadMismatchedQueries(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "bad")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, WriteFvecsFile(filepath.Join(dir, VectorsFile), [][]float32{{1, 2}}))
	require.NoError(t, WriteFvecsFile(filepath.Join(dir, QueriesFile), [][]float32{{1, 2, 3}}))

	_, err := MakeOrLoad(Options{Root: root, Name: "bad", N: 1, Dim: 2, NQueries: 1})
	assert.Error(t, err)
}

func TestOptionsFromAPI(t *testing.T) {
	opts := OptionsFromAPI(benchapi.DatasetConfig{})
	assert.Equal(t, Options{Root: "./datasets", Name: "synthetic", N: 10000, Dim: 128, NQueries: 1000, Seed: 42}, opts)

	_, err := MakeOrLoad(Options{Root: t.TempDir(), Name: "x"})
	assert.True(t, benchapi.IsConfigError(err))
}

func TestLimitN(t *testing.T) {
	ds := &Dataset{Vectors: [][]float32{{1}, {2}, {3}}}
	ds.LimitN(0)
	assert.Len(t, ds.Vectors, 3)
	ds.LimitN(10)
	assert.Len(t, ds.Vectors, 3)
	ds.LimitN(2)
	assert.Len(t, ds.Vectors, 2)
}
