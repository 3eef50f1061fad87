// Package l3rangeimage owns Layer 3 (Range image) of the LiDAR data model.
//
// Responsibilities: projecting a scan onto the scan-line × azimuth grid,
// ground labelling, and connected-component segmentation of the
// non-ground cells.
// Key types: Projector, RangeImage, SegmentedPoint.
//
// Dependency rule: L3 may depend on L1-L2, but never on L4+.
// No SQL/database code is allowed in this package.
package l3rangeimage
