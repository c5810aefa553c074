package backtest

import (
	"fmt"
	"math"

	"github.com/yanun0323/errors"
)

var ErrBadParamSpec = errors.New("backtest: malformed parameter spec")

// ParamRange sweeps one named parameter from Start to End inclusive in
// Step increments.
type ParamRange struct {
	Name  string  `json:"name"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Step  float64 `json:"step"`
}

// ParamSpec describes a sweep: the cartesian product of the ranges,
// optionally crossed with discrete code combinations. An empty spec
// expands to a single group with no parameter overrides.
type ParamSpec struct {
	Ranges     []ParamRange `json:"ranges"`
	CodeGroups [][]string   `json:"codeGroups"`
}

// Group is one point of the sweep: a parameter combination plus the
// code set its workers trade.
type Group struct {
	Index  int
	Params map[string]float64
	Codes  []string
}

// Expand materializes the ordered group list. defaultCodes is used
// when the spec carries no code combinations. Malformed ranges are a
// fatal configuration error.
func (s ParamSpec) Expand(defaultCodes []string) ([]Group, error) {
	for _, r := range s.Ranges {
		if r.Name == "" || r.Step <= 0 || r.End < r.Start {
			return nil, errors.Wrap(ErrBadParamSpec, fmt.Sprintf("range %q start=%v end=%v step=%v", r.Name, r.Start, r.End, r.Step))
		}
	}

	combos := []map[string]float64{{}}
	for _, r := range s.Ranges {
		var next []map[string]float64
		steps := int(math.Floor((r.End-r.Start)/r.Step + 1e-9))
		for _, base := range combos {
			for i := 0; i <= steps; i++ {
				params := make(map[string]float64, len(base)+1)
				for k, v := range base {
					params[k] = v
				}
				params[r.Name] = r.Start + float64(i)*r.Step
				next = append(next, params)
			}
		}
		combos = next
	}

	codeGroups := s.CodeGroups
	if len(codeGroups) == 0 {
		codeGroups = [][]string{defaultCodes}
	}
	for _, codes := range codeGroups {
		if len(codes) == 0 {
			return nil, errors.Wrap(ErrBadParamSpec, "empty code group")
		}
	}

	var groups []Group
	for _, codes := range codeGroups {
		for _, params := range combos {
			groups = append(groups, Group{Index: len(groups), Params: params, Codes: codes})
		}
	}
	return groups, nil
}
