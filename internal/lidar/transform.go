package lidar

import (
	"math"

	"github.com/golang/geo/r3"
)

// SphericalToCartesian converts a sensor return to sensor-frame coordinates.
// Azimuth is measured clockwise from +Y, elevation upward from the XY plane.
func SphericalToCartesian(distance, azimuthDeg, elevationDeg float64) (x, y, z float64) {
	azimuthRad := azimuthDeg * math.Pi / 180.0
	elevationRad := elevationDeg * math.Pi / 180.0

	sinElevation, cosElevation := math.Sincos(elevationRad)
	sinAzimuth, cosAzimuth := math.Sincos(azimuthRad)

	x = distance * cosElevation * sinAzimuth
	y = distance * cosElevation * cosAzimuth
	z = distance * sinElevation
	return
}

// ApplyPose transforms a point by a row-major 4x4 matrix.
func ApplyPose(x, y, z float64, T [16]float64) (wx, wy, wz float64) {
	wx = T[0]*x + T[1]*y + T[2]*z + T[3]
	wy = T[4]*x + T[5]*y + T[6]*z + T[7]
	wz = T[8]*x + T[9]*y + T[10]*z + T[11]
	return
}

// TransformCloud returns a new slice with every point mapped through pose.
func TransformCloud(points []r3.Vector, pose Pose) []r3.Vector {
	T := pose.Matrix()
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i].X, out[i].Y, out[i].Z = ApplyPose(p.X, p.Y, p.Z, T)
	}
	return out
}
