package l2frames

import "github.com/banshee-data/lidarmap/internal/lidar"

var logs = lidar.NewStreamLogger("[l2frames] ")
