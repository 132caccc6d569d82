// Package safetensors reads and writes the safetensors container used for
// model weights and saved activation caches.
package safetensors

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/lens/internal/tensor"
)

// ErrFormat is returned for files whose header or offsets are malformed.
var ErrFormat = errors.New("malformed safetensors file")

// maxHeaderLen bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is a parsed safetensors container. Tensor data is read lazily from
// the underlying reader.
type File struct {
	r         io.ReaderAt
	dataStart int64
	tensors   map[string]TensorInfo
	order     []string
	metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open loads the file at path into memory and parses it.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Read parses the header of a safetensors container of the given size.
// Every tensor's byte range must lie inside the data section, match its
// dtype and shape, and not overlap another tensor.
func Read(r io.ReaderAt, size int64) (*File, error) {
	var lenBuf [8]byte
	if _, err := r.ReadAt(lenBuf[:], 0); err != nil {
		return nil, fmt.Errorf("%w: read header length: %w", ErrFormat, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderLen || int64(headerLen) > size-8 {
		return nil, fmt.Errorf("%w: header length %d exceeds file size %d", ErrFormat, headerLen, size)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := r.ReadAt(headerBytes, 8); err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrFormat, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	f := &File{
		r:         r,
		dataStart: int64(8 + headerLen),
		tensors:   make(map[string]TensorInfo, len(raw)),
	}
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &f.metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %w", ErrFormat, err)
		}
		delete(raw, metadataKey)
	}
	dataLen := size - f.dataStart
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %w", ErrFormat, name, err)
		}
		info, err := th.info(dataLen)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %w", ErrFormat, name, err)
		}
		f.tensors[name] = info
		f.order = append(f.order, name)
	}
	slices.SortFunc(f.order, func(a, b string) int {
		return cmp.Compare(f.tensors[a].Start, f.tensors[b].Start)
	})
	for i := 1; i < len(f.order); i++ {
		prev, cur := f.tensors[f.order[i-1]], f.tensors[f.order[i]]
		if cur.Start < prev.End {
			return nil, fmt.Errorf("%w: tensors %s and %s overlap", ErrFormat, f.order[i-1], f.order[i])
		}
	}
	return f, nil
}

func (th tensorHeader) info(dataLen int64) (TensorInfo, error) {
	if len(th.DataOffsets) != 2 {
		return TensorInfo{}, fmt.Errorf("data_offsets has %d entries", len(th.DataOffsets))
	}
	info := TensorInfo{DType: th.DType, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
	if info.Start < 0 || info.End < info.Start || info.End > dataLen {
		return TensorInfo{}, fmt.Errorf("offsets [%d, %d) outside data section of %d bytes", info.Start, info.End, dataLen)
	}
	n, err := numElements(th.Shape)
	if err != nil {
		return TensorInfo{}, err
	}
	if d, ok := decoders[th.DType]; ok && int64(n*d.size) != info.End-info.Start {
		return TensorInfo{}, fmt.Errorf("%s %v needs %d bytes, offsets span %d", th.DType, th.Shape, n*d.size, info.End-info.Start)
	}
	return info, nil
}

// Info returns the header entry of a tensor.
func (f *File) Info(name string) (TensorInfo, bool) {
	t, ok := f.tensors[name]
	return t, ok
}

// Names returns the tensor names ordered by their position in the data
// section.
func (f *File) Names() []string { return slices.Clone(f.order) }

// Metadata returns the __metadata__ entry, or nil.
func (f *File) Metadata() map[string]string { return f.metadata }

// Bytes returns the raw data of a tensor.
func (f *File) Bytes(name string) ([]byte, TensorInfo, error) {
	t, ok := f.tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	buf := make([]byte, t.End-t.Start)
	if _, err := f.r.ReadAt(buf, f.dataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

type decoder struct {
	size int
	fn   func([]byte) float32
}

var decoders = map[string]decoder{
	"F32": {4, func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }},
	"F16": {2, func(b []byte) float32 { return fp16ToFloat32(binary.LittleEndian.Uint16(b)) }},
	"BF16": {2, func(b []byte) float32 {
		return math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16)
	}},
}

// Float32 decodes a F32, F16 or BF16 tensor into a float32 tensor.
func (f *File) Float32(name string) (*tensor.Tensor, error) {
	raw, info, err := f.Bytes(name)
	if err != nil {
		return nil, err
	}
	d, ok := decoders[info.DType]
	if !ok {
		return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
	out := tensor.New(info.Shape...)
	for i := range out.Data {
		out.Data[i] = d.fn(raw[i*d.size:])
	}
	return out, nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > math.MaxInt/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func fp16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x3ff)
	switch exp {
	case 0:
		// Subnormal halves are frac * 2^-24, exact in float32.
		v := float32(frac) * 0x1p-24
		return math.Float32frombits(math.Float32bits(v) | sign)
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
	}
}
