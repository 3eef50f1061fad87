package export

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// RenderChart writes a self-contained HTML page plotting the trajectory in
// the x/y plane with keyframes and loop closure edges.
func RenderChart(w io.Writer, title string, poses []lidar.StampedPose, keyframes []lidar.Keyframe, loops []lidar.PoseConstraint) error {
	path := make([]opts.LineData, len(poses))
	for i, sp := range poses {
		path[i] = opts.LineData{Value: []interface{}{sp.Pose.X, sp.Pose.Y}}
	}
	kfs := make([]opts.LineData, len(keyframes))
	bySeq := make(map[int]lidar.Pose, len(keyframes))
	for i, kf := range keyframes {
		kfs[i] = opts.LineData{Name: fmt.Sprintf("kf %d", kf.Seq), Value: []interface{}{kf.Pose.X, kf.Pose.Y}}
		bySeq[kf.Seq] = kf.Pose
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("poses=%d keyframes=%d loops=%d", len(poses), len(keyframes), len(loops))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "X (m)", NameLocation: "middle", NameGap: 25, Scale: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Y (m)", NameLocation: "middle", NameGap: 30, Scale: opts.Bool(true)}),
	)
	line.AddSeries("trajectory", path, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	line.AddSeries("keyframes", kfs, charts.WithLineChartOpts(opts.LineChart{SymbolSize: 6}),
		charts.WithLineStyleOpts(opts.LineStyle{Opacity: opts.Float(0)}))

	for _, c := range loops {
		src, ok1 := bySeq[c.Source]
		dst, ok2 := bySeq[c.Target]
		if !ok1 || !ok2 {
			continue
		}
		line.AddSeries("loops", []opts.LineData{
			{Value: []interface{}{src.X, src.Y}},
			{Value: []interface{}{dst.X, dst.Y}},
		}, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed", Color: "#fde725"}))
	}
	return line.Render(w)
}
