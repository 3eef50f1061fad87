package l3rangeimage

import (
	"math"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// labelGround marks vertically adjacent cell pairs below the ground scan
// boundary whose connecting vector is within the ground angle threshold of
// the mount angle. Both cells of a qualifying pair become ground. Pairs with
// an empty endpoint are left unlabelled.
func (p *Projector) labelGround(img *RangeImage) {
	limit := p.sensor.GroundScanInd
	if limit > img.Rows-1 {
		limit = img.Rows - 1
	}
	thr := p.seg.GroundAngleThresholdDeg
	for j := 0; j < img.Cols; j++ {
		for i := 0; i < limit; i++ {
			lower := img.At(i, j)
			upper := img.At(i+1, j)
			if !lower.Valid || !upper.Valid {
				continue
			}
			d := upper.Point.Sub(lower.Point)
			angle := math.Atan2(d.Z, math.Hypot(d.X, d.Y)) * rad2deg
			if math.Abs(angle-p.sensor.MountAngleDeg) <= thr {
				lower.Label = lidar.LabelGround
				upper.Label = lidar.LabelGround
			}
		}
	}
	for i := range img.Cells {
		if img.Cells[i].Label == lidar.LabelGround {
			img.Stats.GroundCells++
		}
	}
}
