package safetensors

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenOpenDir(t *testing.T) {
	dir := t.TempDir()
	err := WriteFile(filepath.Join(dir, "model.safetensors"), map[string]Tensor{
		"lm_head.weight": {Shape: []int64{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		"half":           {Dtype: "F16", Shape: []int64{2}, Data: []float32{0.5, -2}},
	})
	require.NoError(t, err)

	m, err := OpenDir(dir)
	require.NoError(t, err)

	w, ti, err := m.ReadFloat32("lm_head.weight")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, ti.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, w)

	h, _, err := m.ReadFloat32("half")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -2}, h)

	_, _, err = m.ReadFloat32("missing")
	assert.Error(t, err)
}

func TestReadBF16(t *testing.T) {
	header := []byte(`{"x":{"dtype":"BF16","shape":[2],"data_offsets":[0,4]}}`)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(header))))
	buf.Write(header)
	// 1.0 = 0x3F80, -2.0 = 0xC000
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, []uint16{0x3F80, 0xC000}))

	path := filepath.Join(t.TempDir(), "bf.safetensors")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	f, err := Open(path)
	require.NoError(t, err)
	got, _, err := f.ReadFloat32("x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2}, got)
}

func TestOpenDirWithoutFiles(t *testing.T) {
	_, err := OpenDir(t.TempDir())
	assert.Error(t, err)
}
