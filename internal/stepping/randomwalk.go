package stepping

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"

	"github.com/nmxmxh/simplane/internal/simstate"
)

const (
	KindRandomWalk = "randomwalk"

	maxBounces     = 1 << 16
	distanceBin    = 0.25
	ctxCheckStride = 4096
)

// RandomWalk is a built-in stepper: particles leave a random facet, fly an
// exponential distance to another facet and are absorbed or leak with
// fixed probabilities on each hit. It stands in for a real physics kernel.
type RandomWalk struct {
	rng    *rand.Rand
	absorb float64
	leak   float64
}

// NewRandomWalk is the Factory for KindRandomWalk.
func NewRandomWalk(spec ThreadSpec) (Stepper, error) {
	p := spec.Params
	if p == nil {
		return nil, errors.New("random walk needs parameters")
	}
	if p.AbsorbProbability+p.LeakProbability <= 0 {
		return nil, errors.New("random walk needs a positive absorb or leak probability")
	}
	return &RandomWalk{
		rng:    rand.New(rand.NewPCG(spec.Seed, uint64(spec.Worker)<<32|uint64(spec.Thread))),
		absorb: p.AbsorbProbability,
		leak:   p.LeakProbability,
	}, nil
}

func (w *RandomWalk) Step(ctx context.Context, n uint64, acc *simstate.State) (uint64, error) {
	facets := len(acc.Facets)
	for i := uint64(0); i < n; i++ {
		if i%ctxCheckStride == 0 && i > 0 {
			if err := ctx.Err(); err != nil {
				return i, err
			}
		}

		acc.Counters.Desorbed++
		if facets > 0 {
			acc.Facets[w.rng.IntN(facets)].Desorbed++
		}

		bounces := 0
		for ; bounces < maxBounces; bounces++ {
			acc.RecordDistance(-math.Log(1-w.rng.Float64()), distanceBin)

			roll := w.rng.Float64()
			if roll < w.leak {
				acc.RecordLeak(simstate.Leak{
					Pos: [3]float64{w.rng.Float64(), w.rng.Float64(), w.rng.Float64()},
					Dir: [3]float64{w.rng.NormFloat64(), w.rng.NormFloat64(), w.rng.NormFloat64()},
				})
				break
			}

			acc.Counters.Hits++
			hit := -1
			if facets > 0 {
				hit = w.rng.IntN(facets)
				acc.Facets[hit].Hits++
			}
			if roll < w.leak+w.absorb {
				acc.Counters.Absorbed++
				if hit >= 0 {
					acc.Facets[hit].Absorbed++
				}
				break
			}
		}
		acc.RecordBounces(bounces)
	}
	return n, nil
}
