package forecast

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"cityflow/forecaster/nn"
)

// Family is a supported predictor family.
type Family string

const (
	FamilyLSTM Family = "LSTM"
	FamilyGRU  Family = "GRU"
	FamilyTCN  Family = "TCN"
)

// ParseFamily normalizes a stored family name.
func ParseFamily(s string) (Family, error) {
	f := Family(strings.ToUpper(strings.TrimSpace(s)))
	switch f {
	case FamilyLSTM, FamilyGRU, FamilyTCN:
		return f, nil
	}
	return "", newError(KindConfiguration, "", nil, "unsupported model family %q", s)
}

// Shape is the tensor geometry of one model.
type Shape struct {
	InputSteps  int
	OutputSteps int
	Features    int
}

// OutputWidth is the flat predictor output length.
func (s Shape) OutputWidth() int { return s.OutputSteps * s.Features }

// Architecture is a fully resolved build configuration for one family. The set of
// implementations is closed: LSTMArchitecture, GRUArchitecture and
// TCNArchitecture.
type Architecture interface {
	Family() Family
	Summary() string
	// Dropout is applied to the readout input while fitting.
	Dropout() float64

	build(shape Shape, seed uint64) (*nn.Network, error)
	merge(doc []byte, v *validator.Validate) (Architecture, error)
}

// RecurrentSpec configures LSTM and GRU families.
type RecurrentSpec struct {
	Layer1Size      int     `json:"layer_1_size" mapstructure:"layer_1_size"`
	Layer2Size      int     `json:"layer_2_size" mapstructure:"layer_2_size"`
	DropoutRate     float64 `json:"dropout_rate" mapstructure:"dropout_rate"`
	Activation      string  `json:"activation" mapstructure:"activation"`
	ReturnSequences bool    `json:"return_sequences_layer_1" mapstructure:"return_sequences_layer_1"`
}

// ConvSpec configures the TCN family.
type ConvSpec struct {
	Filters         int    `json:"nb_filters" mapstructure:"nb_filters"`
	KernelSize      int    `json:"kernel_size" mapstructure:"kernel_size"`
	Dilations       []int  `json:"dilations" mapstructure:"dilations"`
	Activation      string `json:"activation" mapstructure:"activation"`
	ReturnSequences bool   `json:"return_sequences" mapstructure:"return_sequences"`
}

type recurrentOverrides struct {
	Layer1Size      *int     `yaml:"layer_1_size" validate:"omitnil,gt=0"`
	Layer2Size      *int     `yaml:"layer_2_size" validate:"omitnil,gt=0"`
	DropoutRate     *float64 `yaml:"dropout_rate" validate:"omitnil,gte=0,lt=1"`
	Activation      *string  `yaml:"activation" validate:"omitnil,oneof=relu tanh sigmoid linear"`
	ReturnSequences *bool    `yaml:"return_sequences_layer_1"`
}

func (s RecurrentSpec) merge(doc []byte, v *validator.Validate) (RecurrentSpec, error) {
	var ov recurrentOverrides
	if err := decodeOverrides(doc, &ov, v); err != nil {
		return s, err
	}
	setIf(&s.Layer1Size, ov.Layer1Size)
	setIf(&s.Layer2Size, ov.Layer2Size)
	setIf(&s.DropoutRate, ov.DropoutRate)
	setIf(&s.Activation, ov.Activation)
	setIf(&s.ReturnSequences, ov.ReturnSequences)
	return s, nil
}

func (s RecurrentSpec) network(cell nn.Cell, shape Shape, seed uint64) (*nn.Network, error) {
	act, err := nn.ParseActivation(s.Activation)
	if err != nil {
		return nil, err
	}
	return nn.NewRecurrentNetwork(nn.RecurrentConfig{
		Cell:            cell,
		Units1:          s.Layer1Size,
		Units2:          s.Layer2Size,
		Activation:      act,
		ReturnSequences: s.ReturnSequences,
	}, shape.InputSteps, shape.Features, shape.OutputWidth(), seed)
}

// LSTMArchitecture is a stacked two-layer LSTM with a dense projection.
type LSTMArchitecture struct{ RecurrentSpec }

func (LSTMArchitecture) Family() Family     { return FamilyLSTM }
func (a LSTMArchitecture) Dropout() float64 { return a.DropoutRate }
func (a LSTMArchitecture) Summary() string  { return recurrentSummary(FamilyLSTM, a.RecurrentSpec) }

func (a LSTMArchitecture) build(shape Shape, seed uint64) (*nn.Network, error) {
	return a.network(nn.LSTM, shape, seed)
}

func (a LSTMArchitecture) merge(doc []byte, v *validator.Validate) (Architecture, error) {
	spec, err := a.RecurrentSpec.merge(doc, v)
	return LSTMArchitecture{spec}, err
}

// GRUArchitecture is a stacked two-layer GRU with a dense projection.
type GRUArchitecture struct{ RecurrentSpec }

func (GRUArchitecture) Family() Family     { return FamilyGRU }
func (a GRUArchitecture) Dropout() float64 { return a.DropoutRate }
func (a GRUArchitecture) Summary() string  { return recurrentSummary(FamilyGRU, a.RecurrentSpec) }

func (a GRUArchitecture) build(shape Shape, seed uint64) (*nn.Network, error) {
	return a.network(nn.GRU, shape, seed)
}

func (a GRUArchitecture) merge(doc []byte, v *validator.Validate) (Architecture, error) {
	spec, err := a.RecurrentSpec.merge(doc, v)
	return GRUArchitecture{spec}, err
}

func recurrentSummary(f Family, s RecurrentSpec) string {
	return fmt.Sprintf("%s(layer1=%d, layer2=%d, dropout=%g)", f, s.Layer1Size, s.Layer2Size, s.DropoutRate)
}

// TCNArchitecture is a dilated causal convolution stack with a dense projection.
type TCNArchitecture struct{ ConvSpec }

type convOverrides struct {
	Filters         *int         `yaml:"nb_filters" validate:"omitnil,gt=0"`
	FilterCount     *int         `yaml:"filter_count" validate:"omitnil,gt=0"`
	KernelSize      *int         `yaml:"kernel_size" validate:"omitnil,gt=0"`
	Dilations       dilationList `yaml:"dilations" validate:"omitempty,dive,gt=0"`
	Activation      *string      `yaml:"activation" validate:"omitnil,oneof=relu tanh sigmoid linear"`
	ReturnSequences *bool        `yaml:"return_sequences"`
}

func (TCNArchitecture) Family() Family   { return FamilyTCN }
func (TCNArchitecture) Dropout() float64 { return 0 }

func (a TCNArchitecture) Summary() string {
	parts := make([]string, len(a.Dilations))
	for i, d := range a.Dilations {
		parts[i] = strconv.Itoa(d)
	}
	return fmt.Sprintf("TCN(filters=%d, kernel=%d, dilations=[%s])", a.Filters, a.KernelSize, strings.Join(parts, ", "))
}

func (a TCNArchitecture) build(shape Shape, seed uint64) (*nn.Network, error) {
	act, err := nn.ParseActivation(a.Activation)
	if err != nil {
		return nil, err
	}
	return nn.NewTemporalConvNetwork(nn.ConvConfig{
		Filters:         a.Filters,
		KernelSize:      a.KernelSize,
		Dilations:       a.Dilations,
		Activation:      act,
		ReturnSequences: a.ReturnSequences,
	}, shape.InputSteps, shape.Features, shape.OutputWidth(), seed)
}

func (a TCNArchitecture) merge(doc []byte, v *validator.Validate) (Architecture, error) {
	var ov convOverrides
	if err := decodeOverrides(doc, &ov, v); err != nil {
		return a, err
	}
	s := a.ConvSpec
	s.Dilations = append([]int(nil), s.Dilations...)
	setIf(&s.Filters, ov.FilterCount)
	setIf(&s.Filters, ov.Filters)
	setIf(&s.KernelSize, ov.KernelSize)
	setIf(&s.Activation, ov.Activation)
	setIf(&s.ReturnSequences, ov.ReturnSequences)
	if len(ov.Dilations) > 0 {
		s.Dilations = []int(ov.Dilations)
	}
	return TCNArchitecture{s}, nil
}

// dilationList accepts either a YAML/JSON list or a comma separated string.
type dilationList []int

func (d *dilationList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var out []int
		for _, part := range strings.Split(node.Value, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return fmt.Errorf("invalid dilation %q: %w", part, err)
			}
			out = append(out, n)
		}
		*d = out
		return nil
	}
	var out []int
	if err := node.Decode(&out); err != nil {
		return err
	}
	*d = out
	return nil
}

// decodeOverrides reads a JSON or YAML override document. Duplicate keys make
// the whole document invalid, so the caller keeps its defaults rather than
// taking the last value as encoding/json would.
func decodeOverrides(doc []byte, dst any, v *validator.Validate) error {
	if err := yaml.Unmarshal(doc, dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := v.Struct(dst); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// TrainingConfig is the resolved fit configuration for one run.
type TrainingConfig struct {
	Epochs    int     `json:"epochs" mapstructure:"epochs"`
	BatchSize int     `json:"batch_size" mapstructure:"batch_size"`
	TestSize  float64 `json:"test_size" mapstructure:"test_size"`
	Optimizer string  `json:"optimizer" mapstructure:"optimizer"`
	// LearningRate nil means the optimizer default.
	LearningRate *float64 `json:"learning_rate" mapstructure:"learning_rate"`
	Loss         string   `json:"loss" mapstructure:"loss"`
	// ValidationSplit of zero validates on the test split.
	ValidationSplit float64 `json:"validation_split" mapstructure:"validation_split"`
}

// TrainingOverrides are optional per-model or per-call training settings.
type TrainingOverrides struct {
	Epochs          *int     `json:"epochs,omitempty" yaml:"epochs" validate:"omitnil,gt=0"`
	BatchSize       *int     `json:"batch_size,omitempty" yaml:"batch_size" validate:"omitnil,gt=0"`
	TestSize        *float64 `json:"test_size,omitempty" yaml:"test_size" validate:"omitnil,gte=0,lt=1"`
	Optimizer       *string  `json:"optimizer,omitempty" yaml:"optimizer" validate:"omitnil,oneof=adam sgd rmsprop"`
	LearningRate    *float64 `json:"learning_rate,omitempty" yaml:"learning_rate" validate:"omitnil,gt=0"`
	Loss            *string  `json:"loss,omitempty" yaml:"loss" validate:"omitnil,oneof=mse mae mean_squared_error mean_absolute_error"`
	ValidationSplit *float64 `json:"validation_split,omitempty" yaml:"validation_split" validate:"omitnil,gte=0,lt=1"`
}

func (c TrainingConfig) apply(o *TrainingOverrides) TrainingConfig {
	if o == nil {
		return c
	}
	setIf(&c.Epochs, o.Epochs)
	setIf(&c.BatchSize, o.BatchSize)
	setIf(&c.TestSize, o.TestSize)
	setIf(&c.Optimizer, o.Optimizer)
	setIf(&c.Loss, o.Loss)
	setIf(&c.ValidationSplit, o.ValidationSplit)
	if o.LearningRate != nil {
		lr := *o.LearningRate
		c.LearningRate = &lr
	}
	return c
}

// Defaults are the global per-family and training settings used when a
// model carries no override.
type Defaults struct {
	Recurrent RecurrentSpec
	Conv      ConvSpec
	Training  TrainingConfig
}

// StandardDefaults mirrors the stock configuration of the service.
func StandardDefaults() Defaults {
	return Defaults{
		Recurrent: RecurrentSpec{
			Layer1Size:      128,
			Layer2Size:      64,
			DropoutRate:     0.2,
			Activation:      "relu",
			ReturnSequences: true,
		},
		Conv: ConvSpec{
			Filters:    64,
			KernelSize: 3,
			Dilations:  []int{1, 2, 4, 8},
			Activation: "relu",
		},
		Training: TrainingConfig{
			Epochs:    50,
			BatchSize: 64,
			TestSize:  0.2,
			Optimizer: "adam",
			Loss:      "mse",
		},
	}
}

// Resolver merges stored per-model override documents with Defaults.
type Resolver struct {
	defaults Defaults
	validate *validator.Validate
	logger   *zap.Logger
}

func NewResolver(defaults Defaults, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{defaults: defaults, validate: validator.New(), logger: logger}
}

// base is the single place where a family is mapped to its variant.
func (r *Resolver) base(family string) (Architecture, error) {
	f, err := ParseFamily(family)
	if err != nil {
		return nil, err
	}
	switch f {
	case FamilyLSTM:
		return LSTMArchitecture{r.defaults.Recurrent}, nil
	case FamilyGRU:
		return GRUArchitecture{r.defaults.Recurrent}, nil
	default:
		conv := r.defaults.Conv
		conv.Dilations = append([]int(nil), conv.Dilations...)
		return TCNArchitecture{conv}, nil
	}
}

// Architecture resolves the build configuration for family. Keys missing from doc
// keep their defaults; a document that fails to decode or validate is
// ignored as a whole.
func (r *Resolver) Architecture(family, doc string) (Architecture, error) {
	arch, err := r.base(family)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc) == "" {
		return arch, nil
	}
	merged, err := arch.merge([]byte(doc), r.validate)
	if err != nil {
		r.logger.Warn("ignoring architecture override",
			zap.String("family", string(arch.Family())), zap.Error(err))
		return arch, nil
	}
	return merged, nil
}

// Training resolves the fit configuration. Priority is call > stored > default.
// A broken stored document is ignored; invalid call-time overrides are a
// configuration error.
func (r *Resolver) Training(stored string, call *TrainingOverrides) (TrainingConfig, error) {
	cfg := r.defaults.Training
	if cfg.LearningRate != nil {
		lr := *cfg.LearningRate
		cfg.LearningRate = &lr
	}
	if strings.TrimSpace(stored) != "" {
		var ov TrainingOverrides
		if err := decodeOverrides([]byte(stored), &ov, r.validate); err != nil {
			r.logger.Warn("ignoring training override", zap.Error(err))
		} else {
			cfg = cfg.apply(&ov)
		}
	}
	if call != nil {
		if err := r.validate.Struct(call); err != nil {
			return cfg, newError(KindConfiguration, "", err, "invalid training overrides")
		}
		cfg = cfg.apply(call)
	}
	return cfg, nil
}
