package config

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/chaincal/actuation"
)

// Range spans the values start, start+step, ... up to and including stop.
type Range struct {
	Start float64 `json:"start"`
	Step  float64 `json:"step"`
	Stop  float64 `json:"stop"`
}

// Values enumerates the range. A single valued range or a zero step uses a step of 1.
func (r Range) Values() []float64 {
	step := r.Step
	if r.Start == r.Stop || step == 0 {
		step = 1
	}
	if step < 0 || r.Stop < r.Start {
		return nil
	}
	n := int(math.Floor((r.Stop-r.Start)/step+1e-9)) + 1
	values := make([]float64, n)
	for i := range values {
		values[i] = r.Start + float64(i)*step
	}
	return values
}

// Ranges holds one range per degree of freedom of each mechanism.
type Ranges struct {
	Base   []Range `json:"base,omitempty"`
	Camera []Range `json:"camera,omitempty"`
	Arm    []Range `json:"arm,omitempty"`
}

func (r *Ranges) validate(path string, baseDOF, cameraDOF, armDOF int) error {
	for _, group := range []struct {
		field  string
		ranges []Range
		dof    int
	}{
		{"base", r.Base, baseDOF},
		{"camera", r.Camera, cameraDOF},
		{"arm", r.Arm, armDOF},
	} {
		if len(group.ranges) != group.dof {
			return utils.NewConfigValidationError(path,
				errors.Errorf("%s has %d ranges, expected %d", group.field, len(group.ranges), group.dof))
		}
		for idx, rng := range group.ranges {
			if rng.Step < 0 || rng.Stop < rng.Start {
				return utils.NewConfigValidationError(fmt.Sprintf("%s.%s.%d", path, group.field, idx),
					errors.Errorf("range %v does not run forward", rng))
			}
		}
	}
	return nil
}

// Grid returns every combination of the range values. The base ranges vary slowest and the last
// arm range fastest.
func (r *Ranges) Grid() []actuation.Configuration {
	axes := make([][]float64, 0, len(r.Base)+len(r.Camera)+len(r.Arm))
	for _, group := range [][]Range{r.Base, r.Camera, r.Arm} {
		for _, rng := range group {
			axes = append(axes, rng.Values())
		}
	}
	if len(axes) == 0 {
		return nil
	}

	var out []actuation.Configuration
	current := make([]float64, len(axes))
	var visit func(axis int)
	visit = func(axis int) {
		if axis == len(axes) {
			nb, nc := len(r.Base), len(r.Camera)
			out = append(out, actuation.Configuration{
				Base:   append([]float64(nil), current[:nb]...),
				Camera: append([]float64(nil), current[nb:nb+nc]...),
				Arm:    append([]float64(nil), current[nb+nc:]...),
			})
			return
		}
		for _, v := range axes[axis] {
			current[axis] = v
			visit(axis + 1)
		}
	}
	visit(0)
	return out
}
