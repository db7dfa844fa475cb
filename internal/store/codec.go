package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/odprt-iep/hybridrag/internal/embed"
)

// Vectors are stored as little-endian float32 blobs. Sparse vectors are
// (uint32 term, float32 weight) pairs sorted by term.

func encodeDense(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeDense(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("dense blob length %d is not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}

func encodeSparse(v embed.SparseVector) []byte {
	terms := make([]uint32, 0, len(v))
	for t := range v {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool { return terms[i] < terms[j] })

	buf := make([]byte, 8*len(terms))
	for i, t := range terms {
		binary.LittleEndian.PutUint32(buf[8*i:], t)
		binary.LittleEndian.PutUint32(buf[8*i+4:], math.Float32bits(v[t]))
	}
	return buf
}

func decodeSparse(buf []byte) (embed.SparseVector, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("sparse blob length %d is not a multiple of 8", len(buf))
	}
	v := make(embed.SparseVector, len(buf)/8)
	for i := 0; i < len(buf); i += 8 {
		t := binary.LittleEndian.Uint32(buf[i:])
		v[t] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i+4:]))
	}
	return v, nil
}
