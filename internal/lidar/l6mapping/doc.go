// Package l6mapping owns Layer 6 (Mapping) of the LiDAR data model.
//
// Responsibilities: low-rate scan-to-map refinement of the odometry pose,
// keyframe selection and the keyframe history, and hand-off of loop
// constraints to the pose graph.
// Key types: MapOptimizer, KeyframeStore, Result.
//
// Dependency rule: L6 may depend on L1-L5.
// No SQL/database code is allowed in this package; persistence happens in
// storage/sqlite through the pipeline's mapping sink.
package l6mapping
