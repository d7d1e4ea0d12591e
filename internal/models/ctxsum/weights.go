package ctxsum

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
	"github.com/unixsysdev/nano-go-tgi/pkg/safetensors"
)

const (
	configFile  = "config.json"
	weightsFile = "model.safetensors"

	embedWeight = "model.embed_tokens.weight"
	headWeight  = "lm_head.weight"
)

// Load reads config.json and the safetensors weights found in dir.
func Load(dir string) (*Model, error) {
	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return nil, errors.Wrap(err, "ctxsum: read config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "ctxsum: parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := alloc(cfg)
	if err != nil {
		return nil, err
	}

	st, err := safetensors.OpenDir(dir)
	if err != nil {
		return nil, err
	}
	embed, info, err := st.ReadFloat32(embedWeight)
	if err != nil {
		return nil, err
	}
	if err := checkShape(embedWeight, info, cfg.VocabSize); err != nil {
		return nil, err
	}
	if err := m.embed.LoadWeights(embed); err != nil {
		return nil, err
	}
	head, info, err := st.ReadFloat32(headWeight)
	if err != nil {
		return nil, err
	}
	if err := checkShape(headWeight, info, cfg.VocabSize); err != nil {
		return nil, err
	}
	if err := m.head.LoadWeights(head, nil); err != nil {
		return nil, err
	}
	return m, nil
}

func checkShape(name string, info safetensors.TensorInfo, vocab int) error {
	if len(info.Shape) != 2 || info.Shape[0] != int64(vocab) || info.Shape[1] != int64(vocab) {
		return errors.Errorf("ctxsum: %s has shape %v, want [%d %d]", name, info.Shape, vocab, vocab)
	}
	return nil
}

// Save writes config.json and the weights into dir. dtype is F32 or F16.
// Only an unsharded model can be saved.
func (m *Model) Save(dir, dtype string) error {
	if m.head.OutputSize() != m.cfg.VocabSize || m.heads != m.cfg.NumHeads {
		return errors.New("ctxsum: cannot save a shard")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "ctxsum: marshal config")
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), data, 0o644); err != nil {
		return errors.Wrap(err, "ctxsum: write config")
	}
	v := int64(m.cfg.VocabSize)
	return safetensors.WriteFile(filepath.Join(dir, weightsFile), map[string]safetensors.Tensor{
		embedWeight: {Dtype: dtype, Shape: []int64{v, v}, Data: tensor.Values[float32](m.embed.Weight())},
		headWeight:  {Dtype: dtype, Shape: []int64{v, v}, Data: tensor.Values[float32](m.head.Weight())},
	})
}
