// Package testutil provides shared test utilities and fixtures.
//
// The fixtures are synthetic clouds with known geometry so registration,
// mapping and loop closure tests can assert exact motions.
package testutil

import (
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// Grid samples f over [a0, a1] × [b0, b1] with the given step, inclusive.
func Grid(a0, a1, b0, b1, step float64, f func(a, b float64) r3.Vector) []r3.Vector {
	var out []r3.Vector
	na := int((a1-a0)/step + 0.5)
	nb := int((b1-b0)/step + 0.5)
	for i := 0; i <= na; i++ {
		for j := 0; j <= nb; j++ {
			out = append(out, f(a0+float64(i)*step, b0+float64(j)*step))
		}
	}
	return out
}

// Line samples the segment from a to b with n+1 points.
func Line(a, b r3.Vector, n int) []r3.Vector {
	out := make([]r3.Vector, 0, n+1)
	for i := 0; i <= n; i++ {
		out = append(out, a.Add(b.Sub(a).Mul(float64(i)/float64(n))))
	}
	return out
}

// RoomSurfaces is a floor at z = -2 over x, y ∈ [-4, 4] and two walls at
// x = 6 and y = 6. The walls stop short of the floor so every plane's
// nearest neighbours lie on the same plane. Together the three planes
// constrain all six degrees of freedom.
func RoomSurfaces() []r3.Vector {
	const step = 0.25
	out := Grid(-4, 4, -4, 4, step, func(x, y float64) r3.Vector { return r3.Vector{X: x, Y: y, Z: -2} })
	out = append(out, Grid(-4, 4, -1.5, 2, step, func(y, z float64) r3.Vector { return r3.Vector{X: 6, Y: y, Z: z} })...)
	out = append(out, Grid(-4, 4, -1.5, 2, step, func(x, z float64) r3.Vector { return r3.Vector{X: x, Y: 6, Z: z} })...)
	return out
}

// RoomCorners is three vertical poles and one horizontal edge, sampled
// every 0.1 m.
func RoomCorners() []r3.Vector {
	var out []r3.Vector
	for _, xy := range [][2]float64{{3, 3}, {-3, 3}, {3, -3}} {
		out = append(out, Line(r3.Vector{X: xy[0], Y: xy[1], Z: -1.5}, r3.Vector{X: xy[0], Y: xy[1], Z: 2}, 35)...)
	}
	out = append(out, Line(r3.Vector{X: -4, Y: 5, Z: 2.5}, r3.Vector{X: 4, Y: 5, Z: 2.5}, 80)...)
	return out
}

// CorridorSurfaces is two walls at y = ±2 and a floor at z = -2, all long
// in x. Motion along x is unobservable.
func CorridorSurfaces() []r3.Vector {
	const step = 0.25
	out := Grid(-10, 10, -1.5, 1.5, step, func(x, y float64) r3.Vector { return r3.Vector{X: x, Y: y, Z: -2} })
	out = append(out, Grid(-10, 10, -1.5, 1.5, step, func(x, z float64) r3.Vector { return r3.Vector{X: x, Y: 2, Z: z} })...)
	out = append(out, Grid(-10, 10, -1.5, 1.5, step, func(x, z float64) r3.Vector { return r3.Vector{X: x, Y: -2, Z: z} })...)
	return out
}

// Shift translates every point by d.
func Shift(points []r3.Vector, d r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = p.Add(d)
	}
	return out
}

// SeenFrom expresses world points in the frame of a sensor at pose.
func SeenFrom(points []r3.Vector, pose lidar.Pose) []r3.Vector {
	return lidar.TransformCloud(points, pose.Inverse())
}

// BoxScan simulates a 16-beam scan from the centre of a box room: walls at
// x = ±10 and y = ±8, floor 1.5 m below the sensor and ceiling 3 m above.
// Beams run from -15° to +15° every 2° and azimuth every 0.2°.
func BoxScan(ts time.Time) *lidar.Scan { return BoxScanAt(ts, 0) }

// BoxScanAt is BoxScan taken with the sensor moved x metres along the
// room's x axis.
func BoxScanAt(ts time.Time, x float64) *lidar.Scan {
	const (
		rings  = 16
		cols   = 1800
		wallX  = 10.0
		wallY  = 8.0
		floorZ = -1.5
		ceilZ  = 3.0
	)
	scan := &lidar.Scan{Timestamp: ts, Fields: lidar.FieldRing}
	for ring := 0; ring < rings; ring++ {
		elev := -15.0 + 2.0*float64(ring)
		for c := 0; c < cols; c++ {
			az := 0.2 * float64(c)
			dx, dy, dz := lidar.SphericalToCartesian(1, az, elev)
			t := math.Inf(1)
			for _, hit := range []struct{ d, wall float64 }{
				{dx, wallX - x}, {dx, -wallX - x}, {dy, wallY}, {dy, -wallY}, {dz, floorZ}, {dz, ceilZ},
			} {
				if hit.d == 0 {
					continue
				}
				if s := hit.wall / hit.d; s > 0 && s < t {
					t = s
				}
			}
			scan.Points = append(scan.Points, lidar.RawPoint{
				X: t * dx, Y: t * dy, Z: t * dz,
				Intensity: 50, Ring: uint16(ring),
			})
		}
	}
	return scan
}
