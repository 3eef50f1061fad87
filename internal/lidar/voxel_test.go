package lidar

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
)

func TestVoxelFilter_Empty(t *testing.T) {
	if got := VoxelFilter(nil, 0.2); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}

func TestVoxelFilter_ZeroLeafSize(t *testing.T) {
	in := []r3.Vector{{X: 1}, {X: 1.01}}
	got := VoxelFilter(in, 0)
	if len(got) != 2 {
		t.Fatalf("expected passthrough for zero leaf size, got %d points", len(got))
	}
	got[0].X = 99
	if in[0].X != 1 {
		t.Error("passthrough must copy the input")
	}
}

func TestVoxelFilter_Centroid(t *testing.T) {
	in := []r3.Vector{
		{X: 0.1, Y: 0.1, Z: 0.1},
		{X: 0.3, Y: 0.3, Z: 0.3},
		{X: 1.5, Y: 0.5, Z: 0.5},
	}
	got := VoxelFilter(in, 1.0)
	if len(got) != 2 {
		t.Fatalf("expected 2 voxels, got %d", len(got))
	}
	if !vecNear(got[0], r3.Vector{X: 0.2, Y: 0.2, Z: 0.2}, 1e-12) {
		t.Errorf("first voxel centroid = %v, want (0.2, 0.2, 0.2)", got[0])
	}
	if !vecNear(got[1], in[2], 1e-12) {
		t.Errorf("second voxel = %v, want %v", got[1], in[2])
	}
}

func TestVoxelFilter_NegativeCoordinates(t *testing.T) {
	// -0.1 and 0.1 straddle the origin and must land in different voxels.
	got := VoxelFilter([]r3.Vector{{X: -0.1}, {X: 0.1}}, 1.0)
	if len(got) != 2 {
		t.Errorf("expected 2 voxels across origin, got %d", len(got))
	}
}

func TestVoxelFilter_Reduction(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	in := make([]r3.Vector, 1000)
	for i := range in {
		in[i] = r3.Vector{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
	}
	got := VoxelFilter(in, 0.5)
	if len(got) > 8 {
		t.Errorf("unit cube at 0.5 leaf should give at most 8 voxels, got %d", len(got))
	}
}
