package master

import (
	"sort"

	"github.com/streamfleet/execsched/internal/model"
)

// Candidate is one healthy worker with capacity left, as offered to a
// placement strategy.
type Candidate struct {
	Worker    model.WorkerInfo
	FreeSlots int
	CPUUsage  float64
}

// PlacementStrategy decides where requested slots land. It returns
// allocations covering at most the requested amount; a short result means
// the cluster could not place everything and the remainder stays pending.
type PlacementStrategy interface {
	Place(candidates []Candidate, slots int) []model.ResourceAllocation
}

// LeastLoadStrategy spreads slots across workers, most free capacity first.
type LeastLoadStrategy struct{}

// Place implements PlacementStrategy.
func (s *LeastLoadStrategy) Place(candidates []Candidate, slots int) []model.ResourceAllocation {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].FreeSlots != candidates[j].FreeSlots {
			return candidates[i].FreeSlots > candidates[j].FreeSlots
		}
		return candidates[i].CPUUsage < candidates[j].CPUUsage
	})
	return fill(candidates, slots)
}

// BinPackStrategy fills one worker before moving to the next, minimizing the
// number of workers (and thus executor systems) per request.
type BinPackStrategy struct{}

// Place implements PlacementStrategy.
func (s *BinPackStrategy) Place(candidates []Candidate, slots int) []model.ResourceAllocation {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].FreeSlots < candidates[j].FreeSlots
	})
	// Prefer the fullest worker that can still take the whole request.
	for i, c := range candidates {
		if c.FreeSlots >= slots {
			return fill(candidates[i:], slots)
		}
	}
	// Nobody fits it whole; spill across workers, largest first.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].FreeSlots > candidates[j].FreeSlots
	})
	return fill(candidates, slots)
}

func fill(candidates []Candidate, slots int) []model.ResourceAllocation {
	var allocations []model.ResourceAllocation
	remaining := slots
	for _, c := range candidates {
		if remaining <= 0 {
			break
		}
		if c.FreeSlots <= 0 {
			continue
		}
		take := c.FreeSlots
		if take > remaining {
			take = remaining
		}
		allocations = append(allocations, model.ResourceAllocation{
			Worker: c.Worker,
			Slots:  take,
		})
		remaining -= take
	}
	return allocations
}
