package export

import "github.com/banshee-data/lidarmap/internal/lidar"

var logs = lidar.NewStreamLogger("[export] ")
