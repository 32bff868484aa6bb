// Package checkpoint serializes training snapshots: model weights,
// optimizer moments and metadata in a single self-describing file.
//
// Layout (little endian):
//
//	magic "FNCK" | u32 version | u32 headerLen | header JSON |
//	u32 count | count × (u16 nameLen | name | u8 dtype | u8 rank |
//	                     rank × u64 dims | u64 byteLen | bytes)
//
// Model tensors are stored under their state-dict names; optimizer
// tensors carry an "optimizer." prefix so the sections can be split
// without a second index.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

const (
	magic   = "FNCK"
	version = 1

	optimizerPrefix = "optimizer."
)

// Meta is the checkpoint header.
type Meta struct {
	ModelKind string    `json:"model_kind"`
	Task      string    `json:"task"`
	Epoch     int       `json:"epoch"`
	Step      int64     `json:"step"`
	Loss      float64   `json:"loss"`
	CreatedAt time.Time `json:"created_at"`
}

// Save writes a checkpoint. modelState and optimState may come straight
// from the model's and optimizer's StateDict; optimState may be nil for
// inference-only exports.
func Save(path string, meta Meta, modelState, optimState map[string]*tensor.RawTensor) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	w := bufio.NewWriter(f)

	if _, err := w.WriteString(magic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(version)); err != nil {
		return fmt.Errorf("write version: %w", err)
	}

	header, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(header))); err != nil {
		return fmt.Errorf("write header length: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	combined := make(map[string]*tensor.RawTensor, len(modelState)+len(optimState))
	for name, raw := range modelState {
		combined[name] = raw
	}
	for name, raw := range optimState {
		combined[optimizerPrefix+name] = raw
	}

	// Deterministic order keeps checkpoints byte-comparable.
	names := make([]string, 0, len(combined))
	for name := range combined {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := binary.Write(w, binary.LittleEndian, uint32(len(names))); err != nil {
		return fmt.Errorf("write tensor count: %w", err)
	}
	for _, name := range names {
		if err := writeTensor(w, name, combined[name]); err != nil {
			return fmt.Errorf("write tensor %q: %w", name, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint, returning model and optimizer state split
// back into their own maps.
func Load(path string) (meta Meta, modelState, optimState map[string]*tensor.RawTensor, err error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, nil, nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	gotMagic := make([]byte, len(magic))
	if _, err := io.ReadFull(r, gotMagic); err != nil {
		return Meta{}, nil, nil, fmt.Errorf("read magic: %w", err)
	}
	if string(gotMagic) != magic {
		return Meta{}, nil, nil, fmt.Errorf("not a checkpoint file (magic %q)", gotMagic)
	}

	var gotVersion uint32
	if err := binary.Read(r, binary.LittleEndian, &gotVersion); err != nil {
		return Meta{}, nil, nil, fmt.Errorf("read version: %w", err)
	}
	if gotVersion != version {
		return Meta{}, nil, nil, fmt.Errorf("unsupported checkpoint version %d", gotVersion)
	}

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return Meta{}, nil, nil, fmt.Errorf("read header length: %w", err)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Meta{}, nil, nil, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(header, &meta); err != nil {
		return Meta{}, nil, nil, fmt.Errorf("decode header: %w", err)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return Meta{}, nil, nil, fmt.Errorf("read tensor count: %w", err)
	}

	modelState = make(map[string]*tensor.RawTensor)
	optimState = make(map[string]*tensor.RawTensor)
	for i := uint32(0); i < count; i++ {
		name, raw, err := readTensor(r)
		if err != nil {
			return Meta{}, nil, nil, fmt.Errorf("read tensor %d: %w", i, err)
		}
		if strings.HasPrefix(name, optimizerPrefix) {
			optimState[strings.TrimPrefix(name, optimizerPrefix)] = raw
		} else {
			modelState[name] = raw
		}
	}
	return meta, modelState, optimState, nil
}

func writeTensor(w io.Writer, name string, raw *tensor.RawTensor) error {
	if len(name) > math.MaxUint16 {
		return fmt.Errorf("name too long (%d bytes)", len(name))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(name))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, name); err != nil {
		return err
	}

	shape := raw.Shape()
	if err := binary.Write(w, binary.LittleEndian, uint8(raw.DType())); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(len(shape))); err != nil {
		return err
	}
	for _, d := range shape {
		if err := binary.Write(w, binary.LittleEndian, uint64(d)); err != nil {
			return err
		}
	}

	var payload []byte
	switch raw.DType() {
	case tensor.Float32:
		payload = make([]byte, 4*raw.NumElements())
		for i, v := range raw.AsFloat32() {
			binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(v))
		}
	case tensor.Int32:
		payload = make([]byte, 4*raw.NumElements())
		for i, v := range raw.AsInt32() {
			binary.LittleEndian.PutUint32(payload[i*4:], uint32(v))
		}
	default:
		return fmt.Errorf("unsupported dtype %s", raw.DType())
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readTensor(r io.Reader) (string, *tensor.RawTensor, error) {
	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return "", nil, err
	}
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return "", nil, err
	}

	var dtypeByte, rank uint8
	if err := binary.Read(r, binary.LittleEndian, &dtypeByte); err != nil {
		return "", nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return "", nil, err
	}
	shape := make(tensor.Shape, rank)
	for i := range shape {
		var d uint64
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return "", nil, err
		}
		shape[i] = int(d)
	}

	var byteLen uint64
	if err := binary.Read(r, binary.LittleEndian, &byteLen); err != nil {
		return "", nil, err
	}

	// Validate the declared length against the shape before any
	// allocation, so a corrupt length field fails cleanly.
	dtype := tensor.DataType(dtypeByte)
	if dtype != tensor.Float32 && dtype != tensor.Int32 {
		return "", nil, fmt.Errorf("unsupported dtype byte %d", dtypeByte)
	}
	if err := shape.Validate(); err != nil {
		return "", nil, err
	}
	if byteLen != uint64(4*shape.NumElements()) {
		return "", nil, fmt.Errorf("payload %d bytes does not match shape %v", byteLen, shape)
	}

	raw, err := tensor.NewRaw(shape, dtype, tensor.CPU)
	if err != nil {
		return "", nil, err
	}
	payload := make([]byte, byteLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", nil, err
	}

	switch dtype {
	case tensor.Float32:
		dst := raw.AsFloat32()
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		}
	case tensor.Int32:
		dst := raw.AsInt32()
		for i := range dst {
			dst[i] = int32(binary.LittleEndian.Uint32(payload[i*4:]))
		}
	}
	return string(nameBytes), raw, nil
}
