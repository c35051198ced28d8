package forecast

import (
	"gonum.org/v1/gonum/mat"
)

// Example is one training pair cut from a chronological matrix.
type Example struct {
	Input  *mat.Dense // inSteps x features
	Output *mat.Dense // outSteps x features
}

// Windows slides a one-step window over m and returns every complete
// (input, output) pair. Trailing rows that cannot fill a whole pair are
// dropped. A matrix shorter than inSteps+outSteps yields no examples and no
// error; callers decide whether that is fatal.
func Windows(m *mat.Dense, inSteps, outSteps int) ([]Example, error) {
	if inSteps <= 0 || outSteps <= 0 {
		return nil, newError(KindConfiguration, "", nil, "window lengths must be positive, got in=%d out=%d", inSteps, outSteps)
	}
	if m == nil {
		return nil, nil
	}
	rows, cols := m.Dims()
	var out []Example
	for i := 0; i+inSteps+outSteps <= rows; i++ {
		end := i + inSteps
		out = append(out, Example{
			Input:  mat.DenseCopyOf(m.Slice(i, end, 0, cols)),
			Output: mat.DenseCopyOf(m.Slice(end, end+outSteps, 0, cols)),
		})
	}
	return out, nil
}

// splitExamples separates inputs from outputs.
func splitExamples(examples []Example) (inputs, outputs []*mat.Dense) {
	inputs = make([]*mat.Dense, len(examples))
	outputs = make([]*mat.Dense, len(examples))
	for i, e := range examples {
		inputs[i], outputs[i] = e.Input, e.Output
	}
	return inputs, outputs
}
