package checkpoint

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

func floats(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsFloat32(), data)
	return r
}

func ints(t *testing.T, data []int32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Int32, tensor.CPU)
	require.NoError(t, err)
	copy(r.AsInt32(), data)
	return r
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")

	meta := Meta{
		ModelKind: "fused",
		Task:      "ende",
		Epoch:     3,
		Step:      1200,
		Loss:      2.345,
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	modelState := map[string]*tensor.RawTensor{
		"encoder.embed.weight": floats(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{3, 2}),
		"decoder.proj.bias":    floats(t, []float32{-1, 0.5}, tensor.Shape{2}),
	}
	optimState := map[string]*tensor.RawTensor{
		"m.0": floats(t, []float32{0.1, 0.2}, tensor.Shape{2}),
		"t":   ints(t, []int32{42}, tensor.Shape{1}),
	}

	require.NoError(t, Save(path, meta, modelState, optimState))

	gotMeta, gotModel, gotOptim, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, meta, gotMeta)

	require.Len(t, gotModel, 2)
	assert.Equal(t, tensor.Shape{3, 2}, gotModel["encoder.embed.weight"].Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, gotModel["encoder.embed.weight"].AsFloat32())
	assert.Equal(t, []float32{-1, 0.5}, gotModel["decoder.proj.bias"].AsFloat32())

	require.Len(t, gotOptim, 2)
	assert.Equal(t, []float32{0.1, 0.2}, gotOptim["m.0"].AsFloat32())
	assert.Equal(t, []int32{42}, gotOptim["t"].AsInt32())
}

func TestSave_NilOptimizerState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "infer.ckpt")

	modelState := map[string]*tensor.RawTensor{
		"w": floats(t, []float32{1}, tensor.Shape{1}),
	}
	require.NoError(t, Save(path, Meta{ModelKind: "simple"}, modelState, nil))

	_, gotModel, gotOptim, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, gotModel, 1)
	assert.Empty(t, gotOptim)
}

func TestSave_Deterministic(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.ckpt")
	b := filepath.Join(dir, "b.ckpt")

	meta := Meta{ModelKind: "fused", CreatedAt: time.Unix(0, 0).UTC()}
	state := map[string]*tensor.RawTensor{
		"z": floats(t, []float32{3}, tensor.Shape{1}),
		"a": floats(t, []float32{1}, tensor.Shape{1}),
		"m": floats(t, []float32{2}, tensor.Shape{1}),
	}

	require.NoError(t, Save(a, meta, state, nil))
	require.NoError(t, Save(b, meta, state, nil))

	ab, err := os.ReadFile(a)
	require.NoError(t, err)
	bb, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.Equal(t, ab, bb)
}

func TestLoad_RejectsWrongMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("GGUF whatever"), 0o644))

	_, _, _, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsLyingPayloadLength(t *testing.T) {
	// A hand-built entry whose length field claims a terabyte for a
	// two-element shape. Load must reject it on the length check rather
	// than allocate the declared size.
	var buf bytes.Buffer
	buf.WriteString("FNCK")
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // version
	header := []byte("{}")
	binary.Write(&buf, binary.LittleEndian, uint32(len(header)))
	buf.Write(header)
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // tensor count
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	buf.WriteString("w")
	buf.WriteByte(uint8(tensor.Float32))
	buf.WriteByte(1)                                   // rank
	binary.Write(&buf, binary.LittleEndian, uint64(2)) // dim
	binary.Write(&buf, binary.LittleEndian, uint64(1)<<40)

	path := filepath.Join(t.TempDir(), "corrupt.ckpt")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	_, _, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match shape")
}

func TestLoad_MissingFile(t *testing.T) {
	_, _, _, err := Load(filepath.Join(t.TempDir(), "absent.ckpt"))
	assert.Error(t, err)
}
