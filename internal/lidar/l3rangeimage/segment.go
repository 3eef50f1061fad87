package l3rangeimage

import (
	"math"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

var neighbours = [4][2]int{{-1, 0}, {0, 1}, {0, -1}, {1, 0}}

// labelSegments runs a breadth-first connected-component search over the
// non-ground cells. Two neighbours join when the angle between the beam and
// the line through both returns exceeds SegmentThetaDeg, i.e. they lie on a
// surface that is not steeply inclined to the beam. Columns wrap at the
// seam, rows do not.
func (p *Projector) labelSegments(img *RangeImage) {
	theta := p.seg.SegmentThetaDeg / rad2deg
	alphaX := p.sensor.AngResXDeg / rad2deg
	alphaY := p.sensor.AngResYDeg / rad2deg
	sinX, cosX := math.Sincos(alphaX)
	sinY, cosY := math.Sincos(alphaY)

	queue := make([]int, 0, 256)
	component := make([]int, 0, 256)
	rowSeen := make([]bool, img.Rows)
	nextID := 1

	for start := range img.Cells {
		c := &img.Cells[start]
		if !c.Valid || c.Label != lidar.LabelUnlabeled {
			continue
		}
		id := nextID
		nextID++

		queue = append(queue[:0], start)
		component = append(component[:0], start)
		c.Segment = id
		c.Label = lidar.LabelSegment

		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			row, col := cur/img.Cols, cur%img.Cols
			cc := &img.Cells[cur]

			for _, n := range neighbours {
				r, k := row+n[0], col+n[1]
				if r < 0 || r >= img.Rows {
					continue
				}
				if k < 0 {
					k = img.Cols - 1
				} else if k >= img.Cols {
					k = 0
				}
				nc := img.At(r, k)
				if !nc.Valid || nc.Label != lidar.LabelUnlabeled {
					continue
				}
				d1 := math.Max(cc.Range, nc.Range)
				d2 := math.Min(cc.Range, nc.Range)
				sinA, cosA := sinX, cosX
				if n[0] != 0 {
					sinA, cosA = sinY, cosY
				}
				if math.Atan2(d2*sinA, d1-d2*cosA) > theta {
					nc.Segment = id
					nc.Label = lidar.LabelSegment
					idx := r*img.Cols + k
					queue = append(queue, idx)
					component = append(component, idx)
				}
			}
		}

		if p.feasible(img, component, rowSeen) {
			img.Stats.Segments++
			img.Stats.SegmentCells += len(component)
			continue
		}
		for _, idx := range component {
			img.Cells[idx].Label = lidar.LabelNoise
		}
		img.Stats.NoiseCells += len(component)
	}
}

// feasible decides whether a component is a segment. Large components are
// always kept; smaller ones need enough points spread over enough scan
// lines. A component touching the top scan line only has neighbours below
// it, so it is accepted with one line fewer.
func (p *Projector) feasible(img *RangeImage, component []int, rowSeen []bool) bool {
	if len(component) >= p.seg.SegmentLargePointNum {
		return true
	}
	if len(component) < p.seg.SegmentValidPointNum {
		return false
	}
	for i := range rowSeen {
		rowSeen[i] = false
	}
	lines := 0
	for _, idx := range component {
		r := idx / img.Cols
		if !rowSeen[r] {
			rowSeen[r] = true
			lines++
		}
	}
	need := p.seg.SegmentValidLineNum
	if rowSeen[img.Rows-1] && need > 1 {
		need--
	}
	return lines >= need
}
