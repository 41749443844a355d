package stepping

import (
	"time"

	"github.com/nmxmxh/simplane/internal/dataport"
	"github.com/nmxmxh/simplane/internal/simstate"
)

// Sink receives a thread's local counters. A retryable error means nothing
// was merged and the caller should keep its local state.
type Sink interface {
	Merge(local *simstate.State, timeout time.Duration) error
}

// RegionSink merges into a shared result region.
type RegionSink struct {
	region *dataport.Region
}

// NewRegionSink returns a sink over region.
func NewRegionSink(region *dataport.Region) *RegionSink {
	return &RegionSink{region: region}
}

func (s *RegionSink) Merge(local *simstate.State, timeout time.Duration) error {
	return simstate.MergeIntoRegion(s.region, local, timeout)
}
