package forecast

import (
	"cityflow/forecaster/nn"
)

// Builder turns a resolved architecture into an untrained predictor.
type Builder struct {
	Seed uint64
}

// Build returns a network with input shape (InputSteps, Features) and a flat
// output of OutputSteps*Features values.
func (b Builder) Build(arch Architecture, shape Shape) (*nn.Network, error) {
	if arch == nil {
		return nil, newError(KindConfiguration, "", nil, "no architecture given")
	}
	if shape.InputSteps <= 0 || shape.OutputSteps <= 0 || shape.Features <= 0 {
		return nil, newError(KindConfiguration, "", nil, "invalid shape in=%d out=%d features=%d",
			shape.InputSteps, shape.OutputSteps, shape.Features)
	}
	net, err := arch.build(shape, b.Seed)
	if err != nil {
		return nil, newError(KindConfiguration, string(arch.Family()), err, "build %s", arch.Summary())
	}
	return net, nil
}
