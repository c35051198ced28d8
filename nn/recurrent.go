package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Cell selects the recurrent unit.
type Cell string

const (
	LSTM Cell = "lstm"
	GRU  Cell = "gru"
)

func (c Cell) gates() int {
	if c == GRU {
		return 3
	}
	return 4
}

// RecurrentConfig describes a two-layer stacked recurrent encoder.
type RecurrentConfig struct {
	Cell       Cell
	Units1     int
	Units2     int
	Activation Activation
	// ReturnSequences feeds every step of the first layer into the second
	// layer. When false only the first layer's final state is passed on.
	ReturnSequences bool
}

type recurrentLayer struct {
	Cell       Cell       `json:"cell"`
	Activation Activation `json:"activation"`
	Inputs     int        `json:"inputs"`
	Units      int        `json:"units"`
	// W is (gates*units x inputs), U is (gates*units x units), both row-major.
	W []float64 `json:"w"`
	U []float64 `json:"u"`
	B []float64 `json:"b"`
}

func newRecurrentLayer(cell Cell, act Activation, inputs, units int, src rand.Source) *recurrentLayer {
	rows := cell.gates() * units
	l := &recurrentLayer{
		Cell:       cell,
		Activation: act,
		Inputs:     inputs,
		Units:      units,
		W:          uniform(rows*inputs, 1/math.Sqrt(float64(inputs)), src),
		U:          uniform(rows*units, 1/math.Sqrt(float64(units)), src),
		B:          make([]float64, rows),
	}
	if cell == LSTM {
		// forget gate bias starts at one
		for j := units; j < 2*units; j++ {
			l.B[j] = 1
		}
	}
	return l
}

func (l *recurrentLayer) validate(inputs int) error {
	if l.Cell != LSTM && l.Cell != GRU {
		return fmt.Errorf("unsupported recurrent cell %q", l.Cell)
	}
	if l.Units <= 0 || l.Inputs != inputs {
		return fmt.Errorf("layer shape (%d inputs, %d units) does not fit %d inputs", l.Inputs, l.Units, inputs)
	}
	rows := l.Cell.gates() * l.Units
	if len(l.W) != rows*l.Inputs || len(l.U) != rows*l.Units || len(l.B) != rows {
		return fmt.Errorf("%s layer has %d/%d/%d weights, want %d/%d/%d",
			l.Cell, len(l.W), len(l.U), len(l.B), rows*l.Inputs, rows*l.Units, rows)
	}
	return nil
}

// run returns the hidden state after every step as a (steps x units) matrix.
func (l *recurrentLayer) run(x *mat.Dense) *mat.Dense {
	steps, _ := x.Dims()
	rows := l.Cell.gates() * l.Units
	w := mat.NewDense(rows, l.Inputs, l.W)
	u := mat.NewDense(rows, l.Units, l.U)

	h := mat.NewVecDense(l.Units, nil)
	c := make([]float64, l.Units)
	wx := mat.NewVecDense(rows, nil)
	uh := mat.NewVecDense(rows, nil)
	out := mat.NewDense(steps, l.Units, nil)

	n := l.Units
	for t := 0; t < steps; t++ {
		wx.MulVec(w, x.RowView(t))
		uh.MulVec(u, h)
		zx, zh, hd := wx.RawVector().Data, uh.RawVector().Data, h.RawVector().Data

		switch l.Cell {
		case GRU:
			for j := 0; j < n; j++ {
				z := sigmoid(zx[j] + zh[j] + l.B[j])
				r := sigmoid(zx[n+j] + zh[n+j] + l.B[n+j])
				cand := l.Activation.apply(zx[2*n+j] + l.B[2*n+j] + r*zh[2*n+j])
				hd[j] = z*hd[j] + (1-z)*cand
			}
		default:
			for j := 0; j < n; j++ {
				i := sigmoid(zx[j] + zh[j] + l.B[j])
				f := sigmoid(zx[n+j] + zh[n+j] + l.B[n+j])
				g := l.Activation.apply(zx[2*n+j] + zh[2*n+j] + l.B[2*n+j])
				o := sigmoid(zx[3*n+j] + zh[3*n+j] + l.B[3*n+j])
				c[j] = f*c[j] + i*g
				hd[j] = o * l.Activation.apply(c[j])
			}
		}
		out.SetRow(t, hd)
	}
	return out
}

// Recurrent is a stacked two-layer LSTM or GRU encoder. The encoding of a
// window is the second layer's final hidden state.
type Recurrent struct {
	First           *recurrentLayer `json:"first"`
	Second          *recurrentLayer `json:"second"`
	ReturnSequences bool            `json:"return_sequences"`
}

// NewRecurrent builds an encoder for windows with the given feature count.
func NewRecurrent(cfg RecurrentConfig, features int, src rand.Source) (*Recurrent, error) {
	if cfg.Cell != LSTM && cfg.Cell != GRU {
		return nil, fmt.Errorf("unsupported recurrent cell %q", cfg.Cell)
	}
	if cfg.Units1 <= 0 || cfg.Units2 <= 0 {
		return nil, fmt.Errorf("recurrent layer sizes must be positive, got %d/%d", cfg.Units1, cfg.Units2)
	}
	if features <= 0 {
		return nil, fmt.Errorf("feature count must be positive, got %d", features)
	}
	return &Recurrent{
		First:           newRecurrentLayer(cfg.Cell, cfg.Activation, features, cfg.Units1, src),
		Second:          newRecurrentLayer(cfg.Cell, cfg.Activation, cfg.Units1, cfg.Units2, src),
		ReturnSequences: cfg.ReturnSequences,
	}, nil
}

func (r *Recurrent) validate(features int) error {
	if r.First == nil || r.Second == nil {
		return errors.New("recurrent network state is incomplete")
	}
	if err := r.First.validate(features); err != nil {
		return fmt.Errorf("first layer: %w", err)
	}
	if err := r.Second.validate(r.First.Units); err != nil {
		return fmt.Errorf("second layer: %w", err)
	}
	return nil
}

func (r *Recurrent) Width() int { return r.Second.Units }

func (r *Recurrent) Encode(x *mat.Dense) []float64 {
	return r.encodeDropout(x, 0, nil)
}

// encodeDropout zeroes each first-layer output with probability rate before
// it reaches the second layer, scaling the survivors by 1/(1-rate).
func (r *Recurrent) encodeDropout(x *mat.Dense, rate float64, rng *rand.Rand) []float64 {
	seq := r.First.run(x)
	if !r.ReturnSequences {
		steps, _ := seq.Dims()
		seq = mat.NewDense(1, r.First.Units, lastRow(seq, steps))
	}
	if rate > 0 {
		dropout(seq.RawMatrix().Data, rate, rng)
	}
	out := r.Second.run(seq)
	steps, _ := out.Dims()
	return lastRow(out, steps)
}

func dropout(v []float64, rate float64, rng *rand.Rand) {
	keep := 1 - rate
	for j := range v {
		if rng.Float64() < rate {
			v[j] = 0
		} else {
			v[j] /= keep
		}
	}
}

func lastRow(m *mat.Dense, steps int) []float64 {
	row := m.RawRowView(steps - 1)
	return append([]float64(nil), row...)
}

func uniform(n int, limit float64, src rand.Source) []float64 {
	d := distuv.Uniform{Min: -limit, Max: limit, Src: src}
	out := make([]float64, n)
	for i := range out {
		out[i] = d.Rand()
	}
	return out
}
