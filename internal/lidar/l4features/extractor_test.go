package l4features

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/l3rangeimage"
)

// buildImage flattens rows of (range, ground) samples into a RangeImage the
// way the projector does, one column per sample.
func buildImage(window int, rows [][]float64, ground []bool) *l3rangeimage.RangeImage {
	img := &l3rangeimage.RangeImage{Rows: len(rows), RowStart: make([]int, len(rows)), RowEnd: make([]int, len(rows))}
	for i, ranges := range rows {
		img.RowStart[i] = len(img.Segmented) - 1 + window
		for j, r := range ranges {
			az := float64(j) * 0.2 * math.Pi / 180
			elev := float64(i) * 2 * math.Pi / 180
			img.Segmented = append(img.Segmented, l3rangeimage.SegmentedPoint{
				Point:  r3.Vector{X: r * math.Cos(elev) * math.Sin(az), Y: r * math.Cos(elev) * math.Cos(az), Z: r * math.Sin(elev)},
				Row:    i,
				Col:    j,
				Range:  r,
				Ground: ground[i],
			})
		}
		img.RowEnd[i] = len(img.Segmented) - 1 - window
	}
	return img
}

// triangleRow is a gentle zig-zag: no jump trips the occlusion tests but
// every peak and valley has high curvature.
func triangleRow(n int) []float64 {
	out := make([]float64, n)
	for j := range out {
		phase := j % 20
		if phase > 10 {
			phase = 20 - phase
		}
		out[j] = 10 + 0.15*float64(phase)
	}
	return out
}

func constantRow(n int, r float64) []float64 {
	out := make([]float64, n)
	for j := range out {
		out[j] = r
	}
	return out
}

type sectorKey struct{ row, sector int }

func TestExtractPerSectorCaps(t *testing.T) {
	cfg := lidar.DefaultConfig()
	e := NewExtractor(&cfg)
	img := buildImage(cfg.Features.CurvatureWindow,
		[][]float64{triangleRow(1800), constantRow(1800, 8), triangleRow(1800)},
		[]bool{false, true, false})

	fs := e.Extract(img)

	sharp := map[sectorKey]int{}
	less := map[sectorKey]int{}
	flat := map[sectorKey]int{}
	for _, p := range fs.Sharp {
		sharp[sectorKey{p.Row, p.Sector}]++
	}
	for _, p := range fs.LessSharp {
		less[sectorKey{p.Row, p.Sector}]++
	}
	for _, p := range fs.Flat {
		flat[sectorKey{p.Row, p.Sector}]++
	}

	f := cfg.Features
	for k, n := range sharp {
		assert.LessOrEqual(t, n, f.EdgeFeatureNum, "sharp in %+v", k)
		assert.LessOrEqual(t, n+less[k], f.EdgeFeatureNum+f.EdgeLessFeatureNum, "corners in %+v", k)
	}
	for k, n := range less {
		assert.LessOrEqual(t, n, f.EdgeLessFeatureNum, "less-sharp in %+v", k)
	}
	for k, n := range flat {
		assert.LessOrEqual(t, n, f.SurfFeatureNum, "flat in %+v", k)
	}

	// The caps are reached, so the checks above are not vacuous.
	full := 0
	for k, n := range sharp {
		if n == f.EdgeFeatureNum && n+less[k] == f.EdgeFeatureNum+f.EdgeLessFeatureNum {
			full++
		}
	}
	assert.Positive(t, full, "no sector reached the corner cap")
	for s := 0; s < f.SectionsTotal; s++ {
		assert.Equal(t, f.SurfFeatureNum, flat[sectorKey{1, s}], "flat in ground sector %d", s)
	}
}

func TestExtractCategoriesExclusive(t *testing.T) {
	cfg := lidar.DefaultConfig()
	cfg.Features.LessFlatLeafSize = 0 // keep less-flat points exact
	e := NewExtractor(&cfg)
	img := buildImage(cfg.Features.CurvatureWindow,
		[][]float64{triangleRow(900), constantRow(900, 8)},
		[]bool{false, true})

	fs := e.Extract(img)
	require.NotEmpty(t, fs.Sharp)
	require.NotEmpty(t, fs.Flat)
	require.NotEmpty(t, fs.LessFlat)

	seen := map[r3.Vector]lidar.FeatureCategory{}
	for _, group := range [][]FeaturePoint{fs.Sharp, fs.LessSharp, fs.Flat, fs.LessFlat} {
		for _, p := range group {
			if prev, ok := seen[p.Pos]; ok {
				t.Fatalf("point %v is both %v and %v", p.Pos, prev, p.Category)
			}
			seen[p.Pos] = p.Category
		}
	}

	assert.Len(t, fs.CornerCloud(), len(fs.Sharp)+len(fs.LessSharp))
	assert.Len(t, fs.SurfaceCloud(), len(fs.Flat)+len(fs.LessFlat))

	// Row slices run parallel to the clouds.
	rows := fs.SurfaceRows()
	require.Len(t, rows, len(fs.SurfaceCloud()))
	for i, p := range append(append([]FeaturePoint(nil), fs.Flat...), fs.LessFlat...) {
		assert.Equal(t, p.Row, rows[i])
	}
	assert.Len(t, fs.CornerRows(), len(fs.CornerCloud()))
}

func TestExtractCornersAvoidGroundAndFlatAvoidsNonGround(t *testing.T) {
	cfg := lidar.DefaultConfig()
	e := NewExtractor(&cfg)
	// The zig-zag row is flagged ground: its peaks are not corners.
	img := buildImage(cfg.Features.CurvatureWindow,
		[][]float64{triangleRow(900), constantRow(900, 8)},
		[]bool{true, false})

	fs := e.Extract(img)
	for _, p := range append(fs.Sharp, fs.LessSharp...) {
		assert.NotEqual(t, 0, p.Row, "corner selected on a ground row")
	}
	for _, p := range fs.Flat {
		assert.NotEqual(t, 1, p.Row, "flat selected on a non-ground row")
	}
}

func TestExtractOcclusionExcludesFarSide(t *testing.T) {
	cfg := lidar.DefaultConfig()
	cfg.Features.LessFlatLeafSize = 0
	e := NewExtractor(&cfg)
	row := constantRow(600, 5)
	for j := 300; j < 600; j++ {
		row[j] = 20 // step away from the sensor
	}
	img := buildImage(cfg.Features.CurvatureWindow, [][]float64{row}, []bool{false})
	fs := e.Extract(img)

	far := img.Segmented[300:306]
	for _, group := range [][]FeaturePoint{fs.Sharp, fs.LessSharp, fs.LessFlat} {
		for _, p := range group {
			for _, sp := range far {
				assert.NotEqual(t, sp.Point, p.Pos, "occluded point %d selected", sp.Col)
			}
		}
	}
}

func TestExtractTooFewPoints(t *testing.T) {
	cfg := lidar.DefaultConfig()
	e := NewExtractor(&cfg)
	img := buildImage(cfg.Features.CurvatureWindow, [][]float64{constantRow(6, 5)}, []bool{true})
	fs := e.Extract(img)
	assert.Empty(t, fs.Sharp)
	assert.Empty(t, fs.Flat)
	assert.Empty(t, fs.LessFlat)
}

func TestExtractFromProjectedGround(t *testing.T) {
	cfg := lidar.DefaultConfig()
	p := l3rangeimage.NewProjector(&cfg)
	e := NewExtractor(&cfg)

	scan := &lidar.Scan{Fields: lidar.FieldRing}
	for ring := 0; ring < 8; ring++ {
		elev := -15 + 2*float64(ring)
		r := 2.0 / math.Sin(-elev*math.Pi/180)
		for col := 0; col < cfg.Sensor.HorizonScan; col++ {
			az := 90 - float64(col-900)*0.2
			x, y, z := lidar.SphericalToCartesian(r, az, elev)
			scan.Points = append(scan.Points, lidar.RawPoint{X: x, Y: y, Z: z, Ring: uint16(ring)})
		}
	}
	fs := e.Extract(p.Project(scan, nil))
	require.NotEmpty(t, fs.Flat)
	for _, fp := range fs.Flat {
		assert.InDelta(t, -2.0, fp.Pos.Z, 1e-6)
	}
	assert.Empty(t, fs.Sharp, "a flat plane has no edges")
}
