// Package l5odometry owns Layer 5 (Odometry) of the LiDAR data model.
//
// Responsibilities: scan-to-scan registration of consecutive feature
// sets and accumulation of the high-rate odometry pose.
// Key types: ScanMatcher, Result.
//
// Dependency rule: L5 may depend on L1-L4, but never on L6.
// No SQL/database code is allowed in this package.
package l5odometry
