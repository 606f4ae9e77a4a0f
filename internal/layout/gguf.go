package layout

import (
	"fmt"

	gguf "github.com/gpustack/gguf-parser-go"
)

// GGUFReader reads layouts from local GGUF archives. Only the header, the
// metadata and the tensor infos are read; tensor data is never touched.
type GGUFReader struct {
	// MMap maps the file instead of buffered reads.
	MMap bool
}

// NewGGUFReader returns a reader that memory-maps the archive header.
func NewGGUFReader() *GGUFReader { return &GGUFReader{MMap: true} }

func (r *GGUFReader) ReadLayout(path string) (Layout, error) {
	var opts []gguf.GGUFReadOption
	if r.MMap {
		opts = append(opts, gguf.UseMMap())
	}
	gf, err := gguf.ParseGGUFFile(path, opts...)
	if err != nil {
		return Layout{}, fmt.Errorf("parse gguf %s: %w", path, err)
	}
	arch := gf.Architecture()
	tensors := make([]Tensor, 0, len(gf.TensorInfos))
	for _, ti := range gf.TensorInfos {
		tensors = append(tensors, Tensor{Name: ti.Name, Bytes: ti.Bytes()})
	}
	l, err := FromTensors(arch.BlockCount, arch.EmbeddingLength, tensors)
	if err == nil {
		err = l.Validate()
	}
	if err != nil {
		return Layout{}, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}
