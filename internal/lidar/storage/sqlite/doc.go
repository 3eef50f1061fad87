// Package sqlite persists mapping sessions: the trajectory, keyframes with
// their compressed feature clouds, and accepted loop constraints.
//
// The schema lives in internal/db. A Recorder adapts a SessionStore to the
// pipeline's mapping sink so a run is written as it happens.
package sqlite
