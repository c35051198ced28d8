package nn

import (
	"fmt"
	"math"
	"strings"
)

type optimizer interface {
	step(params, grads [][]float64)
}

// newOptimizer returns the named optimizer. A zero learning rate selects the
// optimizer's usual default.
func newOptimizer(name string, lr float64) (optimizer, error) {
	switch strings.ToLower(name) {
	case "", "adam":
		if lr <= 0 {
			lr = 0.001
		}
		return &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-7}, nil
	case "sgd":
		if lr <= 0 {
			lr = 0.01
		}
		return &sgd{lr: lr}, nil
	case "rmsprop":
		if lr <= 0 {
			lr = 0.001
		}
		return &rmsprop{lr: lr, rho: 0.9, eps: 1e-7}, nil
	}
	return nil, fmt.Errorf("unsupported optimizer %q", name)
}

type sgd struct {
	lr float64
}

func (o *sgd) step(params, grads [][]float64) {
	for i, p := range params {
		for j := range p {
			p[j] -= o.lr * grads[i][j]
		}
	}
}

type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	m, v                  [][]float64
}

func (o *adam) step(params, grads [][]float64) {
	if o.m == nil {
		o.m, o.v = zerosLike(params), zerosLike(params)
	}
	o.t++
	c1 := 1 - math.Pow(o.beta1, float64(o.t))
	c2 := 1 - math.Pow(o.beta2, float64(o.t))
	for i, p := range params {
		m, v, g := o.m[i], o.v[i], grads[i]
		for j := range p {
			m[j] = o.beta1*m[j] + (1-o.beta1)*g[j]
			v[j] = o.beta2*v[j] + (1-o.beta2)*g[j]*g[j]
			p[j] -= o.lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + o.eps)
		}
	}
}

type rmsprop struct {
	lr, rho, eps float64
	cache        [][]float64
}

func (o *rmsprop) step(params, grads [][]float64) {
	if o.cache == nil {
		o.cache = zerosLike(params)
	}
	for i, p := range params {
		c, g := o.cache[i], grads[i]
		for j := range p {
			c[j] = o.rho*c[j] + (1-o.rho)*g[j]*g[j]
			p[j] -= o.lr * g[j] / (math.Sqrt(c[j]) + o.eps)
		}
	}
}

func zerosLike(params [][]float64) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = make([]float64, len(p))
	}
	return out
}

type lossFunc struct {
	value func(pred, target []float64) float64
	// grad writes d(loss)/d(pred) for one batch, scaled by 1/n.
	grad func(pred, target, out []float64)
}

func newLoss(name string) (lossFunc, error) {
	switch strings.ToLower(name) {
	case "", "mse", "mean_squared_error":
		return lossFunc{
			value: func(p, y []float64) float64 {
				var s float64
				for i := range p {
					d := p[i] - y[i]
					s += d * d
				}
				return s / float64(len(p))
			},
			grad: func(p, y, out []float64) {
				n := float64(len(p))
				for i := range p {
					out[i] = 2 * (p[i] - y[i]) / n
				}
			},
		}, nil
	case "mae", "mean_absolute_error":
		return lossFunc{
			value: func(p, y []float64) float64 {
				var s float64
				for i := range p {
					s += math.Abs(p[i] - y[i])
				}
				return s / float64(len(p))
			},
			grad: func(p, y, out []float64) {
				n := float64(len(p))
				for i := range p {
					switch {
					case p[i] > y[i]:
						out[i] = 1 / n
					case p[i] < y[i]:
						out[i] = -1 / n
					default:
						out[i] = 0
					}
				}
			},
		}, nil
	}
	return lossFunc{}, fmt.Errorf("unsupported loss %q", name)
}
