package parse

import "github.com/banshee-data/lidarmap/internal/lidar"

var logs = lidar.NewStreamLogger("[parse] ")

// DO NOT add Debugf, that's an anti-pattern. Each callsite needs to use Opsf, Diagf, or Tracef.
