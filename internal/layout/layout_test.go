package layout

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromTensorsGroupsBlocks(t *testing.T) {
	l, err := FromTensors(2, 16, []Tensor{
		{Name: "token_embd.weight", Bytes: 100},
		{Name: "blk.0.attn_q.weight", Bytes: 10},
		{Name: "blk.0.ffn_up.weight", Bytes: 20},
		{Name: "blk.1.attn_q.weight", Bytes: 40},
		{Name: "blk.7.attn_q.weight", Bytes: 5}, // beyond declared block count
		{Name: "output.weight", Bytes: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), l.LayerCount)
	assert.Equal(t, uint32(16), l.EmbeddingWidth)
	assert.Equal(t, []uint64{30, 40}, l.PerLayerBytes)
	assert.Equal(t, uint64(155), l.GlobalBytes)
	assert.Equal(t, uint64(40), l.LargestLayer())
	assert.Equal(t, uint64(225), l.TotalBytes())
	require.NoError(t, l.Validate())
}

func TestFromTensorsRejectsImplausibleCounts(t *testing.T) {
	one := []Tensor{{Name: "blk.0.attn_q.weight", Bytes: 1}}
	cases := map[string]struct {
		blocks, width uint64
		tensors       []Tensor
	}{
		"huge block count":         {1 << 62, 4096, one},
		"beyond uint32":            {math.MaxUint32 + 1, 4096, one},
		"more blocks than tensors": {3, 4096, one},
		"zero blocks":              {0, 4096, one},
		"huge width":               {1, math.MaxUint32 + 1, one},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { _, err = FromTensors(c.blocks, c.width, c.tensors) })
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]Layout{
		"no layers":   {EmbeddingWidth: 8},
		"no width":    {LayerCount: 1, PerLayerBytes: []uint64{1}},
		"size count":  {LayerCount: 2, EmbeddingWidth: 8, PerLayerBytes: []uint64{1}},
		"empty layer": {LayerCount: 2, EmbeddingWidth: 8, PerLayerBytes: []uint64{1, 0}},
	}
	for name, l := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, l.Validate())
		})
	}
}

func TestLargestLayerEmpty(t *testing.T) {
	assert.Zero(t, Layout{}.LargestLayer())
}

func TestGGUFReaderRejectsGarbage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "junk.gguf")
	require.NoError(t, os.WriteFile(p, []byte("definitely not gguf"), 0o644))
	_, err := (&GGUFReader{}).ReadLayout(p)
	assert.Error(t, err)
}

func TestReaderFunc(t *testing.T) {
	var r Reader = ReaderFunc(func(path string) (Layout, error) {
		return Layout{LayerCount: 1, EmbeddingWidth: 2, PerLayerBytes: []uint64{3}}, nil
	})
	l, err := r.ReadLayout("x")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), l.LayerCount)
}
