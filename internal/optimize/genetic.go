package optimize

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"quantlab/internal/domain"
)

// genetic evolves a population for up to MaxIterations generations, stopping
// early once the best fitness has not improved for ConvergenceGenerations
// generations. Candidates already evaluated are scored from a cache rather
// than run again. It returns the number of generations evaluated.
func (s *search) genetic(ctx context.Context, rng *rand.Rand) int {
	maxGen := s.p.MaxIterations
	if maxGen == 0 {
		maxGen = defaultGenerations
	}
	size := s.set.PopulationSize
	ranges := s.p.Ranges

	pop := make([]map[string]float64, size)
	for i := range pop {
		pop[i] = sampleAll(ranges, rng)
	}

	cache := make(map[string]float64)
	best := math.Inf(-1)
	stale := 0
	gen := 0
	for gen < maxGen && ctx.Err() == nil {
		var fresh []map[string]float64
		pending := make(map[string]bool)
		for _, ind := range pop {
			k := key(ranges, ind)
			if _, ok := cache[k]; ok || pending[k] {
				continue
			}
			pending[k] = true
			fresh = append(fresh, ind)
		}
		scores, launched := s.evaluate(ctx, fresh)
		for j := 0; j < launched; j++ {
			cache[key(ranges, fresh[j])] = scores[j]
		}
		gen++
		if launched < len(fresh) {
			break
		}

		fitness := make([]float64, len(pop))
		order := make([]int, len(pop))
		for i, ind := range pop {
			fitness[i] = cache[key(ranges, ind)]
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return fitness[order[a]] > fitness[order[b]] })

		if top := fitness[order[0]]; top > best {
			best = top
			stale = 0
		} else {
			stale++
		}
		if stale >= s.set.ConvergenceGenerations || gen == maxGen {
			break
		}

		elite := max(1, size/10)
		parents := max(2, size/2)
		next := make([]map[string]float64, 0, size)
		for _, i := range order[:elite] {
			next = append(next, pop[i])
		}
		for len(next) < size {
			a := pop[order[rng.IntN(parents)]]
			b := pop[order[rng.IntN(parents)]]
			next = append(next, s.mutate(crossover(ranges, a, b, rng), rng))
		}
		pop = next
	}
	return gen
}

// crossover picks each gene from either parent with equal probability.
func crossover(ranges []domain.ParamRange, a, b map[string]float64, rng *rand.Rand) map[string]float64 {
	child := make(map[string]float64, len(ranges))
	for _, r := range ranges {
		if rng.IntN(2) == 0 {
			child[r.Name] = a[r.Name]
		} else {
			child[r.Name] = b[r.Name]
		}
	}
	return child
}

// mutate perturbs each gene with probability MutationRate by gaussian noise
// scaled to a tenth of its range, then snaps it back onto the range.
func (s *search) mutate(child map[string]float64, rng *rand.Rand) map[string]float64 {
	for _, r := range s.p.Ranges {
		if rng.Float64() >= s.set.MutationRate {
			continue
		}
		sigma := (r.Max - r.Min) / 10
		if r.Step > 0 {
			sigma = max(sigma, r.Step)
		}
		child[r.Name] = snap(child[r.Name]+rng.NormFloat64()*sigma, r)
	}
	return child
}
