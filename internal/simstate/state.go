// Package simstate holds the global simulation counters that threads
// accumulate locally and fold into shared or cluster-wide totals.
package simstate

import (
	"fmt"
	"slices"
)

// Limits on a Shape so a corrupt header cannot trigger huge allocations.
const (
	MaxFacets  = 1 << 20
	MaxBins    = 1 << 16
	MaxLeakCap = 1 << 16
)

// Shape fixes the sizes of the per-facet and histogram arrays. States only
// merge with states of the same shape.
type Shape struct {
	Facets       int
	BounceBins   int
	DistanceBins int
	LeakCap      int
}

// Validate checks the shape is within limits.
func (s Shape) Validate() error {
	switch {
	case s.Facets < 0 || s.Facets > MaxFacets:
		return fmt.Errorf("facet count %d out of range", s.Facets)
	case s.BounceBins < 0 || s.BounceBins > MaxBins:
		return fmt.Errorf("bounce bins %d out of range", s.BounceBins)
	case s.DistanceBins < 0 || s.DistanceBins > MaxBins:
		return fmt.Errorf("distance bins %d out of range", s.DistanceBins)
	case s.LeakCap < 0 || s.LeakCap > MaxLeakCap:
		return fmt.Errorf("leak cache %d out of range", s.LeakCap)
	}
	return nil
}

// Counters are the scalar totals.
type Counters struct {
	Desorbed uint64
	Hits     uint64
	Absorbed uint64
	Leaks    uint64
	// Merges counts folds into a shared region, for diagnostics.
	Merges      uint64
	SumDistance float64
}

func (c *Counters) add(o Counters) {
	c.Desorbed += o.Desorbed
	c.Hits += o.Hits
	c.Absorbed += o.Absorbed
	c.Leaks += o.Leaks
	c.Merges += o.Merges
	c.SumDistance += o.SumDistance
}

// FacetCounter holds per-facet hit statistics.
type FacetCounter struct {
	Hits     uint64
	Absorbed uint64
	Desorbed uint64
}

// Leak records where a particle escaped the geometry.
type Leak struct {
	Pos [3]float64
	Dir [3]float64
}

func compareLeak(a, b Leak) int {
	for i := 0; i < 3; i++ {
		if a.Pos[i] != b.Pos[i] {
			if a.Pos[i] < b.Pos[i] {
				return -1
			}
			return 1
		}
	}
	for i := 0; i < 3; i++ {
		if a.Dir[i] != b.Dir[i] {
			if a.Dir[i] < b.Dir[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// State is a GlobalSimulationState: everything a merge combines.
type State struct {
	Shape     Shape
	Counters  Counters
	Facets    []FacetCounter
	Bounces   []uint64
	Distances []uint64
	// LeakCache keeps the LeakCap smallest leaks under a fixed total
	// order, so folding caches together is order independent.
	LeakCache []Leak
}

// New returns a zeroed state of the given shape.
func New(shape Shape) *State {
	return &State{
		Shape:     shape,
		Facets:    make([]FacetCounter, shape.Facets),
		Bounces:   make([]uint64, shape.BounceBins),
		Distances: make([]uint64, shape.DistanceBins),
		LeakCache: make([]Leak, 0, shape.LeakCap),
	}
}

// Reset zeroes every counter, keeping the shape.
func (s *State) Reset() {
	s.Counters = Counters{}
	clear(s.Facets)
	clear(s.Bounces)
	clear(s.Distances)
	s.LeakCache = s.LeakCache[:0]
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	return &State{
		Shape:     s.Shape,
		Counters:  s.Counters,
		Facets:    slices.Clone(s.Facets),
		Bounces:   slices.Clone(s.Bounces),
		Distances: slices.Clone(s.Distances),
		LeakCache: slices.Clone(s.LeakCache),
	}
}

// Empty reports whether nothing has been recorded.
func (s *State) Empty() bool {
	return s.Counters == Counters{} && len(s.LeakCache) == 0
}

// Merge folds other into s. The operation is associative and commutative:
// integer counters and bins add, the leak cache keeps the smallest LeakCap
// entries of the union. SumDistance matches up to float rounding.
func (s *State) Merge(other *State) error {
	if other == nil {
		return nil
	}
	if s.Shape != other.Shape {
		return fmt.Errorf("merge shape mismatch: %+v vs %+v", s.Shape, other.Shape)
	}

	s.Counters.add(other.Counters)
	for i := range s.Facets {
		s.Facets[i].Hits += other.Facets[i].Hits
		s.Facets[i].Absorbed += other.Facets[i].Absorbed
		s.Facets[i].Desorbed += other.Facets[i].Desorbed
	}
	for i := range s.Bounces {
		s.Bounces[i] += other.Bounces[i]
	}
	for i := range s.Distances {
		s.Distances[i] += other.Distances[i]
	}
	if len(other.LeakCache) > 0 {
		s.LeakCache = append(s.LeakCache, other.LeakCache...)
		s.trimLeaks()
	}
	return nil
}

// RecordLeak counts a leak and offers it to the cache.
func (s *State) RecordLeak(l Leak) {
	s.Counters.Leaks++
	if s.Shape.LeakCap == 0 {
		return
	}
	s.LeakCache = append(s.LeakCache, l)
	s.trimLeaks()
}

func (s *State) trimLeaks() {
	slices.SortFunc(s.LeakCache, compareLeak)
	if len(s.LeakCache) > s.Shape.LeakCap {
		s.LeakCache = s.LeakCache[:s.Shape.LeakCap]
	}
}

// RecordBounces adds one sample to the bounce histogram, clamping to the
// last bin.
func (s *State) RecordBounces(n int) {
	if len(s.Bounces) == 0 {
		return
	}
	if n >= len(s.Bounces) {
		n = len(s.Bounces) - 1
	}
	if n < 0 {
		n = 0
	}
	s.Bounces[n]++
}

// RecordDistance adds one flight distance. binWidth maps distance to bin.
func (s *State) RecordDistance(d, binWidth float64) {
	s.Counters.SumDistance += d
	if len(s.Distances) == 0 || binWidth <= 0 {
		return
	}
	bin := int(d / binWidth)
	if bin >= len(s.Distances) {
		bin = len(s.Distances) - 1
	}
	if bin < 0 {
		bin = 0
	}
	s.Distances[bin]++
}
