package optimize

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"quantlab/internal/domain"
)

// Values discretizes r into Min, Min+Step, ... up to and including Max.
// Steps are accumulated in decimal so 0.1 increments land on 0.3, not
// 0.30000000000000004.
func Values(r domain.ParamRange) ([]float64, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Min == r.Max {
		return []float64{r.Min}, nil
	}
	if r.Step == 0 {
		return nil, fmt.Errorf("%w: %s needs a step to be enumerated", domain.ErrInvalidConfig, r.Name)
	}
	n := stepCount(r)
	lo := decimal.NewFromFloat(r.Min)
	step := decimal.NewFromFloat(r.Step)
	out := make([]float64, 0, n)
	for k := int64(0); k < n; k++ {
		v, _ := lo.Add(step.Mul(decimal.NewFromInt(k))).Float64()
		out = append(out, v)
	}
	return out, nil
}

// Grid returns the Cartesian product of the ranges' values. The first range
// varies slowest.
func Grid(ranges []domain.ParamRange) ([]map[string]float64, error) {
	combos := []map[string]float64{{}}
	for _, r := range ranges {
		vals, err := Values(r)
		if err != nil {
			return nil, err
		}
		next := make([]map[string]float64, 0, len(combos)*len(vals))
		for _, c := range combos {
			for _, v := range vals {
				m := make(map[string]float64, len(c)+1)
				for k, x := range c {
					m[k] = x
				}
				m[r.Name] = v
				next = append(next, m)
			}
		}
		combos = next
	}
	return combos, nil
}

// GridSize returns the number of combinations Grid would produce without
// building them.
func GridSize(ranges []domain.ParamRange) (int64, error) {
	size := int64(1)
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return 0, err
		}
		n := int64(1)
		if r.Min != r.Max {
			if r.Step == 0 {
				return 0, fmt.Errorf("%w: %s needs a step to be enumerated", domain.ErrInvalidConfig, r.Name)
			}
			n = stepCount(r)
		}
		size *= n
	}
	return size, nil
}

// stepCount is the number of grid points in r, Max included when it lies on
// a step boundary.
func stepCount(r domain.ParamRange) int64 {
	span := decimal.NewFromFloat(r.Max).Sub(decimal.NewFromFloat(r.Min))
	return span.Div(decimal.NewFromFloat(r.Step)).Floor().IntPart() + 1
}

// snap moves v onto the nearest step of r and clamps it into [Min, Max].
func snap(v float64, r domain.ParamRange) float64 {
	if v <= r.Min {
		return r.Min
	}
	if r.Step == 0 {
		return min(v, r.Max)
	}
	n := stepCount(r)
	k := decimal.NewFromFloat(v - r.Min).Div(decimal.NewFromFloat(r.Step)).Round(0).IntPart()
	k = max(0, min(k, n-1))
	out, _ := decimal.NewFromFloat(r.Min).Add(decimal.NewFromFloat(r.Step).Mul(decimal.NewFromInt(k))).Float64()
	return out
}

// sample draws a value uniformly from r: one of its steps, or anywhere in
// [Min, Max] when r is continuous.
func sample(r domain.ParamRange, rng *rand.Rand) float64 {
	if r.Min == r.Max {
		return r.Min
	}
	if r.Step == 0 {
		return r.Min + rng.Float64()*(r.Max-r.Min)
	}
	k := rng.Int64N(stepCount(r))
	out, _ := decimal.NewFromFloat(r.Min).Add(decimal.NewFromFloat(r.Step).Mul(decimal.NewFromInt(k))).Float64()
	return out
}

func sampleAll(ranges []domain.ParamRange, rng *rand.Rand) map[string]float64 {
	m := make(map[string]float64, len(ranges))
	for _, r := range ranges {
		m[r.Name] = sample(r, rng)
	}
	return m
}

// key identifies a parameter set by its values in range order.
func key(ranges []domain.ParamRange, m map[string]float64) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = strconv.FormatFloat(m[r.Name], 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}
