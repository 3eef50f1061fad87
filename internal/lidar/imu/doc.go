// Package imu buffers inertial orientation samples and uses them to remove
// sensor rotation during a sweep from LiDAR points.
//
// Samples arrive from a VectorNav-style serial stream ($VNYMR sentences)
// through internal/serialmux. The pipeline asks the Buffer for a Deskewer
// per scan; when the buffer does not cover the scan the points are left
// unchanged.
package imu
