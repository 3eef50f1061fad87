package export

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// WritePCD writes points as an ASCII PCD v0.7 cloud.
func WritePCD(w io.Writer, points []r3.Vector) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# .PCD v0.7 - Point Cloud Data file format")
	fmt.Fprintln(bw, "VERSION 0.7")
	fmt.Fprintln(bw, "FIELDS x y z")
	fmt.Fprintln(bw, "SIZE 4 4 4")
	fmt.Fprintln(bw, "TYPE F F F")
	fmt.Fprintln(bw, "COUNT 1 1 1")
	fmt.Fprintf(bw, "WIDTH %d\n", len(points))
	fmt.Fprintln(bw, "HEIGHT 1")
	fmt.Fprintln(bw, "VIEWPOINT 0 0 0 1 0 0 0")
	fmt.Fprintf(bw, "POINTS %d\n", len(points))
	fmt.Fprintln(bw, "DATA ascii")
	for _, p := range points {
		fmt.Fprintf(bw, "%.4f %.4f %.4f\n", p.X, p.Y, p.Z)
	}
	return bw.Flush()
}

// AssembleMap transforms every keyframe's features into the world frame
// and downsamples the union with the given voxel leaf. A non-positive leaf
// keeps every point.
func AssembleMap(keyframes []lidar.Keyframe, leaf float64) []r3.Vector {
	var out []r3.Vector
	for i := range keyframes {
		out = append(out, keyframes[i].WorldCorners()...)
		out = append(out, keyframes[i].WorldSurfaces()...)
	}
	if leaf <= 0 {
		return out
	}
	return lidar.VoxelFilter(out, leaf)
}

// SavePCD writes points to path. A ".zst" suffix compresses the output.
func SavePCD(path string, points []r3.Vector) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if !strings.HasSuffix(path, ".zst") {
		return WritePCD(f, points)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if err := WritePCD(zw, points); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
