package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// TensorInfo describes a tensor entry in safetensors header
type TensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Elements returns the number of values the tensor holds.
func (ti TensorInfo) Elements() int {
	n := 1
	for _, d := range ti.Shape {
		n *= int(d)
	}
	return n
}

// Header is the parsed header map: name -> tensor info
type Header map[string]TensorInfo

// File represents an opened safetensors file
type File struct {
	Path   string
	Header Header
	Data   []byte // full file loaded into memory; reference weights are small
	offset int64
}

// Open opens a .safetensors file and parses its header
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if len(data) < 8 {
		return nil, errors.Errorf("%s: too short for a safetensors header", path)
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, errors.Errorf("%s: header length %d exceeds file size", path, headerLen)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, errors.Wrap(err, "parse header json")
	}
	header := make(Header, len(raw))
	for k, v := range raw {
		if k == "__metadata__" {
			continue
		}
		var ti TensorInfo
		if err := json.Unmarshal(v, &ti); err != nil {
			return nil, errors.Wrapf(err, "parse tensor info for %s", k)
		}
		header[k] = ti
	}
	return &File{Path: path, Header: header, Data: data, offset: int64(8 + headerLen)}, nil
}

// Multi represents a collection of shard files under a directory
type Multi struct {
	Files []*File
}

// OpenDir loads all .safetensors files from a directory (sorted)
func OpenDir(dir string) (*Multi, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read dir %s", dir)
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".safetensors") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no .safetensors files found in %s", dir)
	}
	sort.Strings(paths)
	m := &Multi{}
	for _, p := range paths {
		f, err := Open(p)
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, f)
	}
	return m, nil
}

// Find locates a tensor by name across shards, returning file and info
func (m *Multi) Find(name string) (*File, TensorInfo, bool) {
	for _, f := range m.Files {
		if ti, ok := f.Header[name]; ok {
			return f, ti, true
		}
	}
	return nil, TensorInfo{}, false
}

// ReadFloat32 reads a tensor from whichever shard holds it.
func (m *Multi) ReadFloat32(name string) ([]float32, TensorInfo, error) {
	f, _, ok := m.Find(name)
	if !ok {
		return nil, TensorInfo{}, errors.Errorf("tensor %s not found", name)
	}
	return f.ReadFloat32(name)
}

// ReadRaw returns the raw bytes for a tensor by name
func (f *File) ReadRaw(name string) ([]byte, TensorInfo, error) {
	ti, ok := f.Header[name]
	if !ok {
		return nil, TensorInfo{}, errors.Errorf("tensor %s not found", name)
	}
	start := f.offset + ti.DataOffsets[0]
	end := f.offset + ti.DataOffsets[1]
	if start < f.offset || end < start || end > int64(len(f.Data)) {
		return nil, TensorInfo{}, errors.Errorf("bad offsets for %s: %v", name, ti.DataOffsets)
	}
	return f.Data[start:end], ti, nil
}

// ReadFloat32 reads and converts tensor to float32 slice (supports F32, F16, BF16)
func (f *File) ReadFloat32(name string) ([]float32, TensorInfo, error) {
	raw, ti, err := f.ReadRaw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	width := map[string]int{"F32": 4, "F16": 2, "BF16": 2}[strings.ToUpper(ti.Dtype)]
	if width == 0 {
		return nil, TensorInfo{}, errors.Errorf("unsupported dtype %s for %s", ti.Dtype, name)
	}
	if len(raw)%width != 0 || len(raw)/width != ti.Elements() {
		return nil, TensorInfo{}, errors.Errorf("%s: %d bytes do not match %s shape %v", name, len(raw), ti.Dtype, ti.Shape)
	}
	out := make([]float32, len(raw)/width)
	switch strings.ToUpper(ti.Dtype) {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "BF16":
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	}
	return out, ti, nil
}

// Tensor is a named array handed to Write.
type Tensor struct {
	Dtype string // F32 or F16
	Shape []int64
	Data  []float32
}

// Write serializes tensors in safetensors format. Entries are laid out in
// name order.
func Write(w io.Writer, tensors map[string]Tensor) error {
	names := make([]string, 0, len(tensors))
	for n := range tensors {
		names = append(names, n)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(tensors))
	var payload []byte
	for _, n := range names {
		t := tensors[n]
		ti := TensorInfo{Dtype: strings.ToUpper(t.Dtype), Shape: t.Shape}
		if ti.Dtype == "" {
			ti.Dtype = "F32"
		}
		if ti.Elements() != len(t.Data) {
			return errors.Errorf("%s: %d values do not fit shape %v", n, len(t.Data), t.Shape)
		}
		start := int64(len(payload))
		switch ti.Dtype {
		case "F32":
			for _, v := range t.Data {
				payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
			}
		case "F16":
			for _, v := range t.Data {
				payload = binary.LittleEndian.AppendUint16(payload, float16.Fromfloat32(v).Bits())
			}
		default:
			return errors.Errorf("%s: cannot write dtype %s", n, ti.Dtype)
		}
		ti.DataOffsets = [2]int64{start, int64(len(payload))}
		header[n] = ti
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshal header")
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(hdr))); err != nil {
		return errors.Wrap(err, "write header length")
	}
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "write header")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "write payload")
	}
	return nil
}

// WriteFile writes tensors to path.
func WriteFile(path string, tensors map[string]Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := Write(f, tensors); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
