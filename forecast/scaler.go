package forecast

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const machineEpsilon = 2.220446049250313e-16

// Scaler standardizes each feature column with statistics fitted once on
// training data. It is never refitted and must not be mutated after Fit.
type Scaler struct {
	Class string    `json:"scaler_class"`
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler computes per-column mean and population standard deviation over
// all rows of all blocks, i.e. the (examples*steps, features) view of a
// window stack. Columns with no spread get a scale of 1.
func FitScaler(blocks []*mat.Dense) (*Scaler, error) {
	if len(blocks) == 0 {
		return nil, newError(KindInsufficientData, "", nil, "cannot fit scaler on zero blocks")
	}
	_, cols := blocks[0].Dims()
	var total int
	for i, b := range blocks {
		r, c := b.Dims()
		if c != cols {
			return nil, newError(KindConfiguration, "", nil, "block %d has %d columns, want %d", i, c, cols)
		}
		total += r
	}

	s := &Scaler{Class: "StandardScaler", Mean: make([]float64, cols), Scale: make([]float64, cols)}
	col := make([]float64, 0, total)
	for j := 0; j < cols; j++ {
		col = col[:0]
		for _, b := range blocks {
			r, _ := b.Dims()
			for i := 0; i < r; i++ {
				col = append(col, b.At(i, j))
			}
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std < 10*machineEpsilon || math.IsNaN(std) {
			std = 1
		}
		s.Mean[j], s.Scale[j] = mean, std
	}
	return s, nil
}

// Features is the number of columns the scaler was fitted on.
func (s *Scaler) Features() int { return len(s.Mean) }

// Transform returns a standardized copy of m.
func (s *Scaler) Transform(m *mat.Dense) (*mat.Dense, error) {
	return s.apply(m, func(v float64, j int) float64 { return (v - s.Mean[j]) / s.Scale[j] })
}

// InverseTransform undoes Transform.
func (s *Scaler) InverseTransform(m *mat.Dense) (*mat.Dense, error) {
	return s.apply(m, func(v float64, j int) float64 { return v*s.Scale[j] + s.Mean[j] })
}

// TransformAll standardizes every block with the same statistics.
func (s *Scaler) TransformAll(blocks []*mat.Dense) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, len(blocks))
	for i, b := range blocks {
		t, err := s.Transform(b)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}

func (s *Scaler) apply(m *mat.Dense, f func(v float64, j int) float64) (*mat.Dense, error) {
	r, c := m.Dims()
	if c != len(s.Mean) {
		return nil, newError(KindConfiguration, "", nil, "scaler fitted on %d features, got %d", len(s.Mean), c)
	}
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, v float64) float64 { return f(v, j) }, m)
	return out, nil
}

// flatten returns the rows of m concatenated, so index = step*features + feature.
func flatten(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}
