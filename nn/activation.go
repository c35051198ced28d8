// Package nn implements the sequence predictors used for forecasting: a
// stacked recurrent (LSTM/GRU) or dilated temporal convolution encoder
// followed by a trainable dense readout.
package nn

import (
	"fmt"
	"math"
	"strings"
)

// Activation names the element-wise non-linearity applied inside a layer.
type Activation string

const (
	Relu    Activation = "relu"
	Tanh    Activation = "tanh"
	Sigmoid Activation = "sigmoid"
	Linear  Activation = "linear"
)

// ParseActivation normalizes s and rejects unknown names.
func ParseActivation(s string) (Activation, error) {
	a := Activation(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case Relu, Tanh, Sigmoid, Linear:
		return a, nil
	case "":
		return Relu, nil
	}
	return "", fmt.Errorf("unsupported activation %q", s)
}

func (a Activation) apply(x float64) float64 {
	switch a {
	case Tanh:
		return math.Tanh(x)
	case Sigmoid:
		return sigmoid(x)
	case Linear:
		return x
	default:
		return math.Max(0, x)
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
