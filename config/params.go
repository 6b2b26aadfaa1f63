package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

//go:embed params.yaml
var defaultParams []byte

// Params are the training hyper-parameters read from a YAML file.
type Params struct {
	MinLR          float64 `mapstructure:"min_lr"`
	MaxLR          float64 `mapstructure:"max_lr"`
	Momentum       float64 `mapstructure:"momentum"`
	WeightDecay    float64 `mapstructure:"weight_decay"`
	WarmupEpochs   float64 `mapstructure:"warmup_epochs"`
	WarmupMomentum float64 `mapstructure:"warmup_momentum"`

	// loss gains
	Box float64 `mapstructure:"box"`
	Cls float64 `mapstructure:"cls"`
	DFL float64 `mapstructure:"dfl"`

	// probability of building a mosaic sample while mosaic is enabled
	Mosaic float64 `mapstructure:"mosaic"`

	Names map[int]string `mapstructure:"-"`
}

// DefaultParams returns the hyper-parameters shipped with the binary.
func DefaultParams() (Params, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultParams)); err != nil {
		return Params{}, errors.Wrap(err, "failed to read embedded params")
	}
	return decodeParams(v)
}

// LoadParams reads a hyper-parameter file. An empty path selects the
// embedded defaults.
func LoadParams(path string) (Params, error) {
	if path == "" {
		return DefaultParams()
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Params{}, errors.Wrapf(err, "failed to read params file %s", path)
	}
	return decodeParams(v)
}

func decodeParams(v *viper.Viper) (Params, error) {
	v.SetDefault("warmup_momentum", 0.8)
	v.SetDefault("mosaic", 1.0)

	var p Params
	if err := v.Unmarshal(&p); err != nil {
		return Params{}, errors.Wrap(err, "failed to decode params")
	}

	raw := v.GetStringMapString("names")
	p.Names = make(map[int]string, len(raw))
	for k, name := range raw {
		id, err := strconv.Atoi(k)
		if err != nil {
			return Params{}, fmt.Errorf("class id %q is not an integer", k)
		}
		p.Names[id] = name
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Validate checks learning rates and that class ids run from 0 to n-1.
func (p Params) Validate() error {
	if p.MinLR <= 0 || p.MaxLR <= 0 || p.MinLR > p.MaxLR {
		return fmt.Errorf("invalid learning rate range [%g, %g]", p.MinLR, p.MaxLR)
	}
	if p.Momentum < 0 || p.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0, 1), got %g", p.Momentum)
	}
	if p.WeightDecay < 0 {
		return fmt.Errorf("weight decay must be >= 0, got %g", p.WeightDecay)
	}
	if len(p.Names) == 0 {
		return fmt.Errorf("params define no class names")
	}
	for id := range p.Names {
		if id < 0 || id >= len(p.Names) {
			return fmt.Errorf("class ids must run from 0 to %d, found %d", len(p.Names)-1, id)
		}
	}
	return nil
}

// NumClasses is the number of named classes.
func (p Params) NumClasses() int {
	return len(p.Names)
}

// ClassNames returns the names ordered by class id.
func (p Params) ClassNames() []string {
	ids := make([]int, 0, len(p.Names))
	for id := range p.Names {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = p.Names[id]
	}
	return names
}
