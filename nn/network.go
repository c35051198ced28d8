package nn

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Encoder maps one input window (steps x features) to a fixed-width vector.
type Encoder interface {
	Encode(x *mat.Dense) []float64
	Width() int
}

// dropoutEncoder is implemented by encoders that apply dropout between their
// own layers during training.
type dropoutEncoder interface {
	encodeDropout(x *mat.Dense, rate float64, rng *rand.Rand) []float64
}

// Network is an encoder followed by a dense projection to a flat output of
// Outputs values.
type Network struct {
	steps, features, outputs int

	encoder Encoder
	weights *mat.Dense // width x outputs
	bias    []float64
}

// FitOptions controls readout training.
type FitOptions struct {
	Epochs    int
	BatchSize int
	Optimizer string
	// LearningRate of zero selects the optimizer default.
	LearningRate float64
	Loss         string
	Dropout      float64
	Seed         uint64
}

// History holds the per-epoch losses reported by Fit.
type History struct {
	Loss    []float64 `json:"loss"`
	ValLoss []float64 `json:"val_loss,omitempty"`
}

// ErrDiverged is returned by Fit when the loss stops being finite.
var ErrDiverged = errors.New("training diverged")

// NewRecurrentNetwork returns an untrained LSTM or GRU predictor.
func NewRecurrentNetwork(cfg RecurrentConfig, steps, features, outputs int, seed uint64) (*Network, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("input steps must be positive, got %d", steps)
	}
	enc, err := NewRecurrent(cfg, features, rand.NewPCG(seed, 1))
	if err != nil {
		return nil, err
	}
	return newNetwork(enc, steps, features, outputs)
}

// NewTemporalConvNetwork returns an untrained TCN predictor.
func NewTemporalConvNetwork(cfg ConvConfig, steps, features, outputs int, seed uint64) (*Network, error) {
	enc, err := NewTemporalConv(cfg, steps, features, rand.NewPCG(seed, 2))
	if err != nil {
		return nil, err
	}
	return newNetwork(enc, steps, features, outputs)
}

func newNetwork(enc Encoder, steps, features, outputs int) (*Network, error) {
	if outputs <= 0 {
		return nil, fmt.Errorf("output width must be positive, got %d", outputs)
	}
	return &Network{
		steps:    steps,
		features: features,
		outputs:  outputs,
		encoder:  enc,
		weights:  mat.NewDense(enc.Width(), outputs, nil),
		bias:     make([]float64, outputs),
	}, nil
}

// InputShape returns the expected (steps, features) of one window.
func (n *Network) InputShape() (int, int) { return n.steps, n.features }

// OutputWidth is the length of the flat vector returned by Predict.
func (n *Network) OutputWidth() int { return n.outputs }

// Predict runs one window through the network.
func (n *Network) Predict(x *mat.Dense) ([]float64, error) {
	if err := n.checkInput(x); err != nil {
		return nil, err
	}
	feat := mat.NewVecDense(n.encoder.Width(), n.encoder.Encode(x))
	out := mat.NewVecDense(n.outputs, nil)
	out.MulVec(n.weights.T(), feat)
	res := out.RawVector().Data
	for j := range res {
		res[j] += n.bias[j]
	}
	return res, nil
}

func (n *Network) checkInput(x *mat.Dense) error {
	r, c := x.Dims()
	if r != n.steps || c != n.features {
		return fmt.Errorf("input shape (%d, %d) does not match network (%d, %d)", r, c, n.steps, n.features)
	}
	return nil
}

func (n *Network) encodeAll(xs []*mat.Dense) (*mat.Dense, error) {
	out := mat.NewDense(len(xs), n.encoder.Width(), nil)
	for i, x := range xs {
		if err := n.checkInput(x); err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		out.SetRow(i, n.encoder.Encode(x))
	}
	return out, nil
}

func (n *Network) targets(ys [][]float64) (*mat.Dense, error) {
	out := mat.NewDense(len(ys), n.outputs, nil)
	for i, y := range ys {
		if len(y) != n.outputs {
			return nil, fmt.Errorf("target %d has width %d, want %d", i, len(y), n.outputs)
		}
		out.SetRow(i, y)
	}
	return out, nil
}

// Fit trains the readout on (x, y) and evaluates on (valX, valY) after each
// epoch when validation data is given. Dropout is applied between the
// recurrent layers of a recurrent encoder, and to the readout input of any
// other encoder. Losses are reported without dropout.
func (n *Network) Fit(x []*mat.Dense, y [][]float64, valX []*mat.Dense, valY [][]float64, opts FitOptions) (History, error) {
	var hist History
	if len(x) == 0 || len(x) != len(y) {
		return hist, fmt.Errorf("need matching non-empty inputs and targets, got %d/%d", len(x), len(y))
	}
	if len(valX) != len(valY) {
		return hist, fmt.Errorf("validation inputs and targets differ in length: %d/%d", len(valX), len(valY))
	}
	if opts.Epochs <= 0 || opts.BatchSize <= 0 {
		return hist, fmt.Errorf("epochs and batch size must be positive, got %d/%d", opts.Epochs, opts.BatchSize)
	}
	if opts.Dropout < 0 || opts.Dropout >= 1 {
		return hist, fmt.Errorf("dropout must be in [0, 1), got %v", opts.Dropout)
	}
	loss, err := newLoss(opts.Loss)
	if err != nil {
		return hist, err
	}
	opt, err := newOptimizer(opts.Optimizer, opts.LearningRate)
	if err != nil {
		return hist, err
	}

	feats, err := n.encodeAll(x)
	if err != nil {
		return hist, err
	}
	targets, err := n.targets(y)
	if err != nil {
		return hist, err
	}
	var valFeats, valTargets *mat.Dense
	if len(valX) > 0 {
		if valFeats, err = n.encodeAll(valX); err != nil {
			return hist, err
		}
		if valTargets, err = n.targets(valY); err != nil {
			return hist, err
		}
	}

	rng := rand.New(rand.NewPCG(opts.Seed, 3))
	rows, width := feats.Dims()
	order := make([]int, rows)
	for i := range order {
		order[i] = i
	}
	inner, _ := n.encoder.(dropoutEncoder)
	params := [][]float64{n.weights.RawMatrix().Data, n.bias}

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		rng.Shuffle(rows, func(i, j int) { order[i], order[j] = order[j], order[i] })

		for start := 0; start < rows; start += opts.BatchSize {
			end := min(start+opts.BatchSize, rows)
			size := end - start
			bx := mat.NewDense(size, width, nil)
			by := mat.NewDense(size, n.outputs, nil)
			for i, idx := range order[start:end] {
				row := bx.RawRowView(i)
				switch {
				case opts.Dropout > 0 && inner != nil:
					copy(row, inner.encodeDropout(x[idx], opts.Dropout, rng))
				case opts.Dropout > 0:
					copy(row, feats.RawRowView(idx))
					dropout(row, opts.Dropout, rng)
				default:
					copy(row, feats.RawRowView(idx))
				}
				by.SetRow(i, targets.RawRowView(idx))
			}

			pred := n.project(bx)
			g := mat.NewDense(size, n.outputs, nil)
			loss.grad(pred.RawMatrix().Data, by.RawMatrix().Data, g.RawMatrix().Data)

			gw := mat.NewDense(width, n.outputs, nil)
			gw.Mul(bx.T(), g)
			gb := make([]float64, n.outputs)
			for i := 0; i < size; i++ {
				for j, v := range g.RawRowView(i) {
					gb[j] += v
				}
			}
			opt.step(params, [][]float64{gw.RawMatrix().Data, gb})
		}

		l := loss.value(n.project(feats).RawMatrix().Data, targets.RawMatrix().Data)
		if math.IsNaN(l) || math.IsInf(l, 0) {
			return hist, fmt.Errorf("epoch %d: %w", epoch+1, ErrDiverged)
		}
		hist.Loss = append(hist.Loss, l)
		if valFeats != nil {
			hist.ValLoss = append(hist.ValLoss, loss.value(n.project(valFeats).RawMatrix().Data, valTargets.RawMatrix().Data))
		}
	}
	return hist, nil
}

func (n *Network) project(feats *mat.Dense) *mat.Dense {
	rows, _ := feats.Dims()
	out := mat.NewDense(rows, n.outputs, nil)
	out.Mul(feats, n.weights)
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] += n.bias[j]
		}
	}
	return out
}

const (
	kindRecurrent = "recurrent"
	kindConv      = "temporal_conv"
)

type networkState struct {
	Kind      string        `json:"kind"`
	Steps     int           `json:"steps"`
	Features  int           `json:"features"`
	Outputs   int           `json:"outputs"`
	Recurrent *Recurrent    `json:"recurrent,omitempty"`
	Conv      *TemporalConv `json:"conv,omitempty"`
	Weights   []float64     `json:"weights"`
	Bias      []float64     `json:"bias"`
}

func (n *Network) MarshalJSON() ([]byte, error) {
	st := networkState{
		Steps:    n.steps,
		Features: n.features,
		Outputs:  n.outputs,
		Weights:  n.weights.RawMatrix().Data,
		Bias:     n.bias,
	}
	switch enc := n.encoder.(type) {
	case *Recurrent:
		st.Kind, st.Recurrent = kindRecurrent, enc
	case *TemporalConv:
		st.Kind, st.Conv = kindConv, enc
	default:
		return nil, fmt.Errorf("cannot serialize encoder %T", n.encoder)
	}
	return json.Marshal(st)
}

func (n *Network) UnmarshalJSON(data []byte) error {
	var st networkState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Steps <= 0 || st.Features <= 0 || st.Outputs <= 0 {
		return fmt.Errorf("invalid network shape (%d, %d) -> %d", st.Steps, st.Features, st.Outputs)
	}
	var enc Encoder
	switch st.Kind {
	case kindRecurrent:
		if st.Recurrent == nil {
			return errors.New("recurrent network state is incomplete")
		}
		if err := st.Recurrent.validate(st.Features); err != nil {
			return err
		}
		enc = st.Recurrent
	case kindConv:
		if st.Conv == nil {
			return errors.New("convolution network state is incomplete")
		}
		if err := st.Conv.validate(st.Steps, st.Features); err != nil {
			return err
		}
		enc = st.Conv
	default:
		return fmt.Errorf("unknown network kind %q", st.Kind)
	}
	if len(st.Weights) != enc.Width()*st.Outputs || len(st.Bias) != st.Outputs {
		return fmt.Errorf("readout size mismatch: %d weights, %d bias for width %d and %d outputs",
			len(st.Weights), len(st.Bias), enc.Width(), st.Outputs)
	}
	*n = Network{
		steps:    st.Steps,
		features: st.Features,
		outputs:  st.Outputs,
		encoder:  enc,
		weights:  mat.NewDense(enc.Width(), st.Outputs, st.Weights),
		bias:     st.Bias,
	}
	return nil
}
