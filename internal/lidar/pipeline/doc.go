// Package pipeline provides the real-time odometry and mapping pipeline
// that orchestrates processing stages from L3 Range image through L6
// Mapping.
//
// This package is the composition root: it imports from layer packages
// (l3rangeimage, l4features, l5odometry, l6mapping, loopclosure) and
// delivers results to adapter sinks (persistence, publish), but none of
// those packages import pipeline/.
package pipeline
