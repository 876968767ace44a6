package master

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamfleet/execsched/internal/model"
)

func candidate(id string, free int, cpu float64) Candidate {
	return Candidate{
		Worker:    model.WorkerInfo{ID: id},
		FreeSlots: free,
		CPUUsage:  cpu,
	}
}

func totalSlots(allocations []model.ResourceAllocation) int {
	total := 0
	for _, a := range allocations {
		total += a.Slots
	}
	return total
}

func TestLeastLoadPrefersMostFreeWorker(t *testing.T) {
	s := &LeastLoadStrategy{}

	allocations := s.Place([]Candidate{
		candidate("w1", 4, 10),
		candidate("w2", 8, 50),
	}, 6)

	require.Len(t, allocations, 1)
	assert.Equal(t, "w2", allocations[0].Worker.ID)
	assert.Equal(t, 6, allocations[0].Slots)
}

func TestLeastLoadBreaksTiesOnCPU(t *testing.T) {
	s := &LeastLoadStrategy{}

	allocations := s.Place([]Candidate{
		{Worker: model.WorkerInfo{ID: "busy"}, FreeSlots: 4, CPUUsage: 90},
		{Worker: model.WorkerInfo{ID: "idle"}, FreeSlots: 4, CPUUsage: 5},
	}, 2)

	require.Len(t, allocations, 1)
	assert.Equal(t, "idle", allocations[0].Worker.ID)
}

func TestLeastLoadSpillsAcrossWorkers(t *testing.T) {
	s := &LeastLoadStrategy{}

	allocations := s.Place([]Candidate{
		candidate("w1", 4, 0),
		candidate("w2", 3, 0),
	}, 6)

	require.Len(t, allocations, 2)
	assert.Equal(t, 6, totalSlots(allocations))
	assert.Equal(t, "w1", allocations[0].Worker.ID)
	assert.Equal(t, 4, allocations[0].Slots)
	assert.Equal(t, "w2", allocations[1].Worker.ID)
	assert.Equal(t, 2, allocations[1].Slots)
}

func TestLeastLoadShortGrantWhenClusterFull(t *testing.T) {
	s := &LeastLoadStrategy{}

	allocations := s.Place([]Candidate{candidate("w1", 3, 0)}, 10)
	assert.Equal(t, 3, totalSlots(allocations))

	allocations = s.Place(nil, 10)
	assert.Empty(t, allocations)
}

func TestBinPackPrefersFullestWorkerThatFits(t *testing.T) {
	s := &BinPackStrategy{}

	// w1 is fuller; it still fits the whole request, so it wins over the
	// emptier w2.
	allocations := s.Place([]Candidate{
		candidate("w2", 8, 0),
		candidate("w1", 4, 0),
	}, 4)

	require.Len(t, allocations, 1)
	assert.Equal(t, "w1", allocations[0].Worker.ID)
	assert.Equal(t, 4, allocations[0].Slots)
}

func TestBinPackSpillsLargestFirstWhenNothingFits(t *testing.T) {
	s := &BinPackStrategy{}

	allocations := s.Place([]Candidate{
		candidate("w1", 3, 0),
		candidate("w2", 8, 0),
	}, 10)

	require.Len(t, allocations, 2)
	assert.Equal(t, "w2", allocations[0].Worker.ID)
	assert.Equal(t, 8, allocations[0].Slots)
	assert.Equal(t, "w1", allocations[1].Worker.ID)
	assert.Equal(t, 2, allocations[1].Slots)
}
