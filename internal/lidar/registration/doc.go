// Package registration holds the scan registration core shared by
// odometry, mapping and loop closure: point-to-line and point-to-plane
// correspondences, a Gauss-Newton pose solver that suppresses degenerate
// directions, and point-to-point ICP.
//
// No SQL/database code is allowed in this package.
package registration
