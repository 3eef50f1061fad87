package l3rangeimage

import "github.com/banshee-data/lidarmap/internal/lidar"

var logs = lidar.NewStreamLogger("[l3rangeimage] ")
