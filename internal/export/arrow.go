package export

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/samcharles93/lens/internal/activation"
	"github.com/samcharles93/lens/internal/patch"
	"github.com/samcharles93/lens/internal/tensor"
)

// Schema metadata key naming the kind of table in a file.
const formatKey = "lens.format"

const (
	formatActivations = "activations"
	formatSweep       = "sweep"
)

// ErrFormat is returned when an Arrow file does not hold the expected table.
var ErrFormat = errors.New("unexpected arrow table")

var activationSchemaFields = []arrow.Field{
	{Name: "hook", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}

func schemaWith(fields []arrow.Field, format string, metadata map[string]string) *arrow.Schema {
	keys := []string{formatKey}
	vals := []string{format}
	for k, v := range metadata {
		if k == formatKey {
			continue
		}
		keys = append(keys, k)
		vals = append(vals, v)
	}
	md := arrow.NewMetadata(keys, vals)
	return arrow.NewSchema(fields, &md)
}

// WriteCacheArrow writes c as an Arrow IPC file with one row per hook, in
// the cache's firing order.
func WriteCacheArrow(w io.Writer, c *activation.Cache, metadata map[string]string) error {
	mem := memory.NewGoAllocator()
	schema := schemaWith(activationSchemaFields, formatActivations, metadata)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	hooks := b.Field(0).(*array.StringBuilder)
	shapes := b.Field(1).(*array.ListBuilder)
	dims := shapes.ValueBuilder().(*array.Int32Builder)
	values := b.Field(2).(*array.ListBuilder)
	floats := values.ValueBuilder().(*array.Float32Builder)

	for _, name := range c.Names() {
		t, _ := c.Get(name)
		hooks.Append(name)
		shapes.Append(true)
		for _, d := range t.Shape {
			dims.Append(int32(d))
		}
		values.Append(true)
		floats.AppendValues(t.Data, nil)
	}
	rec := b.NewRecord()
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("arrow writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		_ = fw.Close()
		return fmt.Errorf("write activations: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("close arrow writer: %w", err)
	}
	return nil
}

// SaveCacheArrow writes c to path.
func SaveCacheArrow(path string, c *activation.Cache, metadata map[string]string) error {
	return create(path, func(w io.Writer) error { return WriteCacheArrow(w, c, metadata) })
}

// ReadCacheArrow reads a file written by WriteCacheArrow and returns the
// cache together with the user metadata.
func ReadCacheArrow(r ipc.ReadAtSeeker) (*activation.Cache, map[string]string, error) {
	fr, err := ipc.NewFileReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, nil, fmt.Errorf("arrow reader: %w", err)
	}
	defer fr.Close()
	md, err := checkFormat(fr.Schema(), formatActivations)
	if err != nil {
		return nil, nil, err
	}

	c := activation.NewCache()
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return nil, nil, fmt.Errorf("read record %d: %w", i, err)
		}
		if rec.NumCols() != 3 {
			return nil, nil, fmt.Errorf("%w: %d columns", ErrFormat, rec.NumCols())
		}
		hooks, ok1 := rec.Column(0).(*array.String)
		shapes, ok2 := rec.Column(1).(*array.List)
		values, ok3 := rec.Column(2).(*array.List)
		if !ok1 || !ok2 || !ok3 {
			return nil, nil, fmt.Errorf("%w: activation column types", ErrFormat)
		}
		dims, ok1 := shapes.ListValues().(*array.Int32)
		floats, ok2 := values.ListValues().(*array.Float32)
		if !ok1 || !ok2 {
			return nil, nil, fmt.Errorf("%w: activation list types", ErrFormat)
		}
		for row := 0; row < int(rec.NumRows()); row++ {
			s, e := shapes.ValueOffsets(row)
			shape := make([]int, 0, e-s)
			for j := s; j < e; j++ {
				shape = append(shape, int(dims.Value(int(j))))
			}
			s, e = values.ValueOffsets(row)
			data := make([]float32, e-s)
			copy(data, floats.Float32Values()[s:e])
			t := &tensor.Tensor{Shape: shape, Data: data}
			if t.Numel() != len(data) {
				return nil, nil, fmt.Errorf("%w: hook %s: shape %v with %d values", ErrFormat, hooks.Value(row), shape, len(data))
			}
			c.Put(hooks.Value(row), t)
		}
	}
	return c, md, nil
}

// LoadCacheArrow reads a cache from path.
func LoadCacheArrow(path string) (*activation.Cache, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ReadCacheArrow(f)
}

var sweepSchemaFields = []arrow.Field{
	{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
	{Name: "head", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "mean", Type: arrow.PrimitiveTypes.Float64},
	{Name: "std", Type: arrow.PrimitiveTypes.Float64},
	{Name: "per_prompt", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
}

// WriteSweepArrow writes sweep results as a table with one row per grid
// point. Whole-layer points have a null head.
func WriteSweepArrow(w io.Writer, s *patch.Sweep, metadata map[string]string) error {
	mem := memory.NewGoAllocator()
	schema := schemaWith(sweepSchemaFields, formatSweep, metadata)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	layers := b.Field(0).(*array.Int32Builder)
	heads := b.Field(1).(*array.Int32Builder)
	means := b.Field(2).(*array.Float64Builder)
	stds := b.Field(3).(*array.Float64Builder)
	per := b.Field(4).(*array.ListBuilder)
	perVals := per.ValueBuilder().(*array.Float64Builder)

	for _, r := range s.Results {
		layers.Append(int32(r.Point.Layer))
		if r.Point.Head == nil {
			heads.AppendNull()
		} else {
			heads.Append(int32(*r.Point.Head))
		}
		means.Append(r.Value.Mean)
		stds.Append(r.Value.Std)
		per.Append(true)
		perVals.AppendValues(r.Value.PerPrompt, nil)
	}
	rec := b.NewRecord()
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("arrow writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		_ = fw.Close()
		return fmt.Errorf("write sweep: %w", err)
	}
	return fw.Close()
}

// SaveSweepArrow writes s to path.
func SaveSweepArrow(path string, s *patch.Sweep, metadata map[string]string) error {
	return create(path, func(w io.Writer) error { return WriteSweepArrow(w, s, metadata) })
}

// ReadSweepArrow reads the grid points and their means back from a sweep
// table.
func ReadSweepArrow(r ipc.ReadAtSeeker) ([]patch.Result, error) {
	fr, err := ipc.NewFileReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("arrow reader: %w", err)
	}
	defer fr.Close()
	if _, err := checkFormat(fr.Schema(), formatSweep); err != nil {
		return nil, err
	}
	var out []patch.Result
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return nil, fmt.Errorf("read record %d: %w", i, err)
		}
		layers, ok1 := rec.Column(0).(*array.Int32)
		heads, ok2 := rec.Column(1).(*array.Int32)
		means, ok3 := rec.Column(2).(*array.Float64)
		stds, ok4 := rec.Column(3).(*array.Float64)
		per, ok5 := rec.Column(4).(*array.List)
		if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
			return nil, fmt.Errorf("%w: sweep column types", ErrFormat)
		}
		perVals, ok := per.ListValues().(*array.Float64)
		if !ok {
			return nil, fmt.Errorf("%w: sweep list type", ErrFormat)
		}
		for row := 0; row < int(rec.NumRows()); row++ {
			res := patch.Result{Point: patch.GridPoint{Layer: int(layers.Value(row))}}
			if heads.IsValid(row) {
				res.Point.Head = patch.Head(int(heads.Value(row)))
			}
			res.Value.Mean = means.Value(row)
			res.Value.Std = stds.Value(row)
			if s, e := per.ValueOffsets(row); e > s {
				res.Value.PerPrompt = append([]float64(nil), perVals.Float64Values()[s:e]...)
			}
			out = append(out, res)
		}
	}
	return out, nil
}

func checkFormat(schema *arrow.Schema, want string) (map[string]string, error) {
	md := schema.Metadata()
	got := ""
	out := make(map[string]string, md.Len())
	for i, k := range md.Keys() {
		if k == formatKey {
			got = md.Values()[i]
			continue
		}
		out[k] = md.Values()[i]
	}
	if got != want {
		return nil, fmt.Errorf("%w: %q table, want %q", ErrFormat, got, want)
	}
	return out, nil
}
