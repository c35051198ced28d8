package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ConvConfig describes a temporal convolution stack with one residual block
// per dilation.
type ConvConfig struct {
	Filters    int
	KernelSize int
	Dilations  []int
	Activation Activation
	// ReturnSequences flattens every step of the last block into the
	// encoding instead of keeping only the final step.
	ReturnSequences bool
}

type convBlock struct {
	Dilation int `json:"dilation"`
	Kernel   int `json:"kernel"`
	Inputs   int `json:"inputs"`
	Filters  int `json:"filters"`
	// W is (filters x kernel*inputs); tap k reads step t-k*dilation.
	W []float64 `json:"w"`
	B []float64 `json:"b"`
	// Skip is a 1x1 projection used when inputs != filters.
	Skip []float64 `json:"skip,omitempty"`
}

func newConvBlock(inputs, filters, kernel, dilation int, src rand.Source) *convBlock {
	b := &convBlock{
		Dilation: dilation,
		Kernel:   kernel,
		Inputs:   inputs,
		Filters:  filters,
		W:        uniform(filters*kernel*inputs, 1/math.Sqrt(float64(kernel*inputs)), src),
		B:        make([]float64, filters),
	}
	if inputs != filters {
		b.Skip = uniform(filters*inputs, 1/math.Sqrt(float64(inputs)), src)
	}
	return b
}

func (b *convBlock) validate(inputs int) error {
	if b.Kernel <= 0 || b.Dilation <= 0 || b.Filters <= 0 || b.Inputs != inputs {
		return fmt.Errorf("block shape (kernel %d, dilation %d, %d inputs, %d filters) does not fit %d inputs",
			b.Kernel, b.Dilation, b.Inputs, b.Filters, inputs)
	}
	if len(b.W) != b.Filters*b.Kernel*b.Inputs || len(b.B) != b.Filters {
		return fmt.Errorf("block has %d/%d weights, want %d/%d",
			len(b.W), len(b.B), b.Filters*b.Kernel*b.Inputs, b.Filters)
	}
	skip := 0
	if b.Inputs != b.Filters {
		skip = b.Filters * b.Inputs
	}
	if len(b.Skip) != skip {
		return fmt.Errorf("block has %d skip weights, want %d", len(b.Skip), skip)
	}
	return nil
}

// run applies the causal dilated convolution, zero-padding steps before the
// window start, and adds the residual connection.
func (b *convBlock) run(x *mat.Dense, act Activation) *mat.Dense {
	steps, _ := x.Dims()
	out := mat.NewDense(steps, b.Filters, nil)
	span := b.Kernel * b.Inputs
	for t := 0; t < steps; t++ {
		xt := x.RawRowView(t)
		for f := 0; f < b.Filters; f++ {
			taps := b.W[f*span : (f+1)*span]
			sum := b.B[f]
			for k := 0; k < b.Kernel; k++ {
				src := t - k*b.Dilation
				if src < 0 {
					break
				}
				sum += floats.Dot(taps[k*b.Inputs:(k+1)*b.Inputs], x.RawRowView(src))
			}
			var residual float64
			if b.Skip != nil {
				residual = floats.Dot(b.Skip[f*b.Inputs:(f+1)*b.Inputs], xt)
			} else {
				residual = xt[f]
			}
			out.Set(t, f, math.Max(0, act.apply(sum)+residual))
		}
	}
	return out
}

// TemporalConv is a TCN-style encoder.
type TemporalConv struct {
	Blocks          []*convBlock `json:"blocks"`
	Activation      Activation   `json:"activation"`
	Steps           int          `json:"steps"`
	ReturnSequences bool         `json:"return_sequences"`
}

// NewTemporalConv builds an encoder for windows of steps x features.
func NewTemporalConv(cfg ConvConfig, steps, features int, src rand.Source) (*TemporalConv, error) {
	if cfg.Filters <= 0 || cfg.KernelSize <= 0 {
		return nil, fmt.Errorf("filters and kernel size must be positive, got %d/%d", cfg.Filters, cfg.KernelSize)
	}
	if len(cfg.Dilations) == 0 {
		return nil, fmt.Errorf("at least one dilation is required")
	}
	if steps <= 0 || features <= 0 {
		return nil, fmt.Errorf("invalid input shape (%d, %d)", steps, features)
	}
	tc := &TemporalConv{
		Activation:      cfg.Activation,
		Steps:           steps,
		ReturnSequences: cfg.ReturnSequences,
	}
	inputs := features
	for _, d := range cfg.Dilations {
		if d <= 0 {
			return nil, fmt.Errorf("dilation must be positive, got %d", d)
		}
		tc.Blocks = append(tc.Blocks, newConvBlock(inputs, cfg.Filters, cfg.KernelSize, d, src))
		inputs = cfg.Filters
	}
	return tc, nil
}

func (c *TemporalConv) validate(steps, features int) error {
	if len(c.Blocks) == 0 {
		return errors.New("convolution network state is incomplete")
	}
	if c.Steps != steps {
		return fmt.Errorf("encoder expects %d steps, network has %d", c.Steps, steps)
	}
	inputs := features
	for i, b := range c.Blocks {
		if b == nil {
			return fmt.Errorf("block %d is missing", i)
		}
		if err := b.validate(inputs); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		inputs = b.Filters
	}
	return nil
}

func (c *TemporalConv) filters() int { return c.Blocks[len(c.Blocks)-1].Filters }

func (c *TemporalConv) Width() int {
	if c.ReturnSequences {
		return c.Steps * c.filters()
	}
	return c.filters()
}

func (c *TemporalConv) Encode(x *mat.Dense) []float64 {
	seq := x
	for _, b := range c.Blocks {
		seq = b.run(seq, c.Activation)
	}
	steps, _ := seq.Dims()
	if c.ReturnSequences {
		return append([]float64(nil), seq.RawMatrix().Data...)
	}
	return lastRow(seq, steps)
}
