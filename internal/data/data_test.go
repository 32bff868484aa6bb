package data

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusenmt/fusenmt/internal/backend/cpu"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.json")
	require.NoError(t, os.WriteFile(path, []byte(
		`[{"src": [5, 6, 7], "trg": [8, 9]}, {"src": [1], "trg": [2, 3, 4]}]`,
	), 0o644))

	ds, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	assert.Equal(t, []int32{5, 6, 7}, ds.Pairs[0].Src)
	assert.Equal(t, []int32{2, 3, 4}, ds.Pairs[1].Trg)
}

func TestLoad_RejectsEmptySides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"src": [], "trg": [1]}]`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestCollate_AppendsEOSAndPads(t *testing.T) {
	pairs := []Pair{
		{Src: []int32{5, 6, 7}, Trg: []int32{8}},
		{Src: []int32{9}, Trg: []int32{10, 11, 12}},
	}

	b := Collate(pairs, 0, 102)

	assert.Equal(t, 2, b.BatchSize)
	assert.Equal(t, 3, b.SrcLen)
	// Longest target plus the appended EOS column.
	assert.Equal(t, 4, b.TrgLen)

	assert.Equal(t, []int32{5, 6, 7, 9, 0, 0}, b.Src)
	assert.Equal(t, []int32{8, 102, 0, 0, 10, 11, 12, 102}, b.Trg)
}

func TestTensors_Shapes(t *testing.T) {
	backend := cpu.New()
	b := Collate([]Pair{{Src: []int32{5, 6}, Trg: []int32{7}}}, 0, 102)

	src, trg := Tensors(b, backend)
	assert.Equal(t, tensor.Shape{1, 2}, src.Shape())
	assert.Equal(t, tensor.Shape{1, 2}, trg.Shape())
	assert.Equal(t, []int32{7, 102}, trg.Data())
}

func TestBatches_PartitionsEverything(t *testing.T) {
	ds := &Dataset{Pairs: make([]Pair, 7)}
	for i := range ds.Pairs {
		ds.Pairs[i] = Pair{Src: []int32{int32(i + 1)}, Trg: []int32{int32(i + 1)}}
	}

	batches := ds.Batches(3, false, nil)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1)

	// Unshuffled order is the stored order.
	assert.Equal(t, []int32{1}, batches[0][0].Src)
}

func TestBatches_ShuffleKeepsPairsIntact(t *testing.T) {
	ds := &Dataset{Pairs: make([]Pair, 20)}
	for i := range ds.Pairs {
		ds.Pairs[i] = Pair{Src: []int32{int32(i)}, Trg: []int32{int32(i + 100)}}
	}

	rng := rand.New(rand.NewSource(7))
	batches := ds.Batches(4, true, rng)

	seen := make(map[int32]bool)
	for _, batch := range batches {
		for _, p := range batch {
			// src i always travels with trg i+100.
			assert.Equal(t, p.Src[0]+100, p.Trg[0])
			seen[p.Src[0]] = true
		}
	}
	assert.Len(t, seen, 20)
}
