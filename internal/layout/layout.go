// Package layout describes the shape of a model archive as far as memory
// planning cares: how many transformer blocks it has, how wide its embedding
// is, and how many bytes each block and the non-block tensors occupy.
package layout

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// Layout is the memory-relevant view of a model archive. It is immutable once
// read.
type Layout struct {
	LayerCount     uint32   `json:"layer_count"`
	EmbeddingWidth uint32   `json:"embedding_width"`
	PerLayerBytes  []uint64 `json:"per_layer_bytes"`
	GlobalBytes    uint64   `json:"global_bytes"`
}

// Reader reads a Layout from a model path without loading any weights.
type Reader interface {
	ReadLayout(path string) (Layout, error)
}

// ReaderFunc adapts a function to the Reader interface.
type ReaderFunc func(path string) (Layout, error)

func (f ReaderFunc) ReadLayout(path string) (Layout, error) { return f(path) }

// LargestLayer returns the biggest per-layer byte size, or 0 for an empty layout.
func (l Layout) LargestLayer() uint64 {
	var largest uint64
	for _, b := range l.PerLayerBytes {
		if b > largest {
			largest = b
		}
	}
	return largest
}

// TotalBytes is the sum of every layer plus the global tensors.
func (l Layout) TotalBytes() uint64 {
	total := l.GlobalBytes
	for _, b := range l.PerLayerBytes {
		total += b
	}
	return total
}

// Validate reports whether the layout is well formed.
func (l Layout) Validate() error {
	if l.LayerCount == 0 {
		return fmt.Errorf("layout: no layers")
	}
	if l.EmbeddingWidth == 0 {
		return fmt.Errorf("layout: zero embedding width")
	}
	if uint32(len(l.PerLayerBytes)) != l.LayerCount {
		return fmt.Errorf("layout: %d layer sizes for %d layers", len(l.PerLayerBytes), l.LayerCount)
	}
	for i, b := range l.PerLayerBytes {
		if b == 0 {
			return fmt.Errorf("layout: layer %d has no weights", i)
		}
	}
	return nil
}

// Tensor is a named tensor and its on-disk size.
type Tensor struct {
	Name  string
	Bytes uint64
}

var blockName = regexp.MustCompile(`^blk\.(\d+)\.`)

// FromTensors groups tensors into per-block sizes. Tensors named blk.N.* are
// charged to block N; everything else is global. blockCount is the declared
// number of blocks; tensors of blocks beyond it are treated as global so the
// per-layer slice always has exactly blockCount entries.
//
// The declared counts come straight from archive metadata and are checked
// before anything is sized from them: a block count larger than the number
// of tensors cannot describe a real model.
func FromTensors(blockCount, embeddingWidth uint64, tensors []Tensor) (Layout, error) {
	switch {
	case blockCount == 0:
		return Layout{}, fmt.Errorf("layout: no layers")
	case blockCount > math.MaxUint32 || blockCount > uint64(len(tensors)):
		return Layout{}, fmt.Errorf("layout: block count %d does not fit %d tensors", blockCount, len(tensors))
	case embeddingWidth > math.MaxUint32:
		return Layout{}, fmt.Errorf("layout: embedding width %d out of range", embeddingWidth)
	}
	l := Layout{
		LayerCount:     uint32(blockCount),
		EmbeddingWidth: uint32(embeddingWidth),
		PerLayerBytes:  make([]uint64, blockCount),
	}
	for _, t := range tensors {
		m := blockName.FindStringSubmatch(t.Name)
		if m == nil {
			l.GlobalBytes += t.Bytes
			continue
		}
		idx, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil || idx >= blockCount {
			l.GlobalBytes += t.Bytes
			continue
		}
		l.PerLayerBytes[idx] += t.Bytes
	}
	return l, nil
}
