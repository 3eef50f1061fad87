// Package l2frames owns Layer 2 (Frames) of the sensor data model.
//
// Responsibilities: accumulating decoded returns from L1 into complete
// rotations. A rotation is closed when the azimuth wraps and is emitted as a
// lidar.Scan carrying ring and relative time for every point, ready for
// range image projection.
//
// Dependency rule: L2 depends only on L1 and the shared lidar types.
package l2frames
