package aggregate

import (
	"bytes"
	"fmt"

	tdigest "github.com/caio/go-tdigest/v4"
)

const sketchCompression = 100

// Sketch is a mergeable quantile sketch over age values. It serializes to a
// compact byte form stored inside each daily rollup row, so two partial
// rollups of the same day merge without access to the raw records.
type Sketch struct {
	td *tdigest.TDigest
}

// NewSketch creates an empty sketch.
func NewSketch() (*Sketch, error) {
	td, err := tdigest.New(tdigest.Compression(sketchCompression))
	if err != nil {
		return nil, fmt.Errorf("failed to create sketch: %w", err)
	}
	return &Sketch{td: td}, nil
}

// SketchFromBytes restores a sketch from its serialized form. A nil or empty
// buffer yields an empty sketch.
func SketchFromBytes(b []byte) (*Sketch, error) {
	if len(b) == 0 {
		return NewSketch()
	}
	td, err := tdigest.FromBytes(bytes.NewReader(b), tdigest.Compression(sketchCompression))
	if err != nil {
		return nil, fmt.Errorf("failed to restore sketch: %w", err)
	}
	return &Sketch{td: td}, nil
}

// Add folds one value into the sketch.
func (s *Sketch) Add(v float64) error {
	return s.td.Add(v)
}

// Merge folds the other sketch into this one.
func (s *Sketch) Merge(other *Sketch) error {
	return s.td.Merge(other.td)
}

// Count returns the number of values folded in.
func (s *Sketch) Count() uint64 {
	return s.td.Count()
}

// Quantile returns the estimated value at q in [0,1]. The second return is
// false for an empty sketch.
func (s *Sketch) Quantile(q float64) (float64, bool) {
	if s.td.Count() == 0 {
		return 0, false
	}
	return s.td.Quantile(q), true
}

// Bytes serializes the sketch for storage.
func (s *Sketch) Bytes() ([]byte, error) {
	b, err := s.td.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize sketch: %w", err)
	}
	return b, nil
}
