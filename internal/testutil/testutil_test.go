package testutil

import (
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

func TestGridInclusive(t *testing.T) {
	t.Parallel()

	pts := Grid(0, 1, 0, 2, 0.5, func(a, b float64) r3.Vector { return r3.Vector{X: a, Y: b} })
	if got, want := len(pts), 3*5; got != want {
		t.Fatalf("len = %d, want %d", got, want)
	}
	last := pts[len(pts)-1]
	if last.X != 1 || last.Y != 2 {
		t.Errorf("last = %v, want (1, 2, 0)", last)
	}
}

func TestRoomFixtureSizes(t *testing.T) {
	t.Parallel()

	if got, want := len(RoomSurfaces()), 33*33+2*33*15; got != want {
		t.Errorf("room surfaces = %d, want %d", got, want)
	}
	if got, want := len(RoomCorners()), 3*36+81; got != want {
		t.Errorf("room corners = %d, want %d", got, want)
	}
}

func TestSeenFromInvertsPose(t *testing.T) {
	t.Parallel()

	pose := lidar.Pose{X: 1, Y: -2, Z: 0.5, Yaw: 0.3}
	world := []r3.Vector{{X: 3, Y: 4, Z: 5}, {X: -1, Y: 0, Z: 2}}
	local := SeenFrom(world, pose)
	for i := range world {
		back := pose.Apply(local[i])
		if back.Sub(world[i]).Norm() > 1e-9 || math.IsNaN(back.X) {
			t.Errorf("point %d: got %v, want %v", i, back, world[i])
		}
	}
}

func TestBoxScanAtMovesWalls(t *testing.T) {
	t.Parallel()

	scan := BoxScanAt(time.Time{}, 1)
	if got, want := len(scan.Points), 16*1800; got != want {
		t.Fatalf("points = %d, want %d", got, want)
	}
	minX, maxX := math.Inf(1), math.Inf(-1)
	for _, p := range scan.Points {
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
	}
	if math.Abs(maxX-9) > 1e-9 || math.Abs(minX+11) > 1e-9 {
		t.Errorf("x extent = [%v, %v], want [-11, 9]", minX, maxX)
	}
}
