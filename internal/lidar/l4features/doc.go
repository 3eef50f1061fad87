// Package l4features owns Layer 4 (Features) of the LiDAR data model.
//
// Responsibilities: range-difference curvature, occlusion and
// parallel-beam rejection, and per-sector selection of edge and planar
// feature points from a segmented range image.
// Key types: Extractor, FeatureSet, FeaturePoint.
//
// Dependency rule: L4 may depend on L1-L3, but never on L5+.
// No SQL/database code is allowed in this package.
package l4features
