package export

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// SavePlot renders the trajectory and keyframe positions to an image. The
// format follows the file extension (png, svg, pdf).
func SavePlot(path, title string, poses []lidar.StampedPose, keyframes []lidar.Keyframe) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	if len(poses) > 0 {
		xys := make(plotter.XYs, len(poses))
		for i, sp := range poses {
			xys[i] = plotter.XY{X: sp.Pose.X, Y: sp.Pose.Y}
		}
		ln, err := plotter.NewLine(xys)
		if err != nil {
			return fmt.Errorf("trajectory line: %w", err)
		}
		ln.Width = vg.Points(1)
		ln.Color = color.RGBA{R: 49, G: 104, B: 142, A: 255}
		p.Add(ln)
		p.Legend.Add("trajectory", ln)
	}

	if len(keyframes) > 0 {
		xys := make(plotter.XYs, len(keyframes))
		for i, kf := range keyframes {
			xys[i] = plotter.XY{X: kf.Pose.X, Y: kf.Pose.Y}
		}
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return fmt.Errorf("keyframe scatter: %w", err)
		}
		sc.GlyphStyle.Radius = vg.Points(2)
		sc.GlyphStyle.Color = color.RGBA{R: 53, G: 183, B: 121, A: 255}
		p.Add(sc)
		p.Legend.Add("keyframes", sc)
	}

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}
