package export

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// TrajectoryHeader is the first line of a trajectory text file.
const TrajectoryHeader = "# timestamp x y z roll pitch yaw"

// formatStamp renders t as decimal seconds without going through float64.
func formatStamp(t time.Time) string {
	ns := t.UnixNano()
	sec, frac := ns/int64(time.Second), ns%int64(time.Second)
	if frac < 0 {
		sec--
		frac += int64(time.Second)
	}
	return fmt.Sprintf("%d.%09d", sec, frac)
}

// WriteTrajectoryText writes one space-separated line per pose.
func WriteTrajectoryText(w io.Writer, poses []lidar.StampedPose) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, TrajectoryHeader)
	for _, sp := range poses {
		p := sp.Pose
		fmt.Fprintf(bw, "%s %.6f %.6f %.6f %.6f %.6f %.6f\n",
			formatStamp(sp.Timestamp), p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw)
	}
	return bw.Flush()
}

// WriteTrajectoryCSV writes the trajectory as CSV. With readableTime a
// UTC RFC 3339 column follows the numeric timestamp.
func WriteTrajectoryCSV(w io.Writer, poses []lidar.StampedPose, readableTime bool) error {
	cw := csv.NewWriter(w)
	header := []string{"timestamp"}
	if readableTime {
		header = append(header, "time")
	}
	header = append(header, "x", "y", "z", "roll", "pitch", "yaw")
	if err := cw.Write(header); err != nil {
		return err
	}

	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	for _, sp := range poses {
		p := sp.Pose
		row := []string{formatStamp(sp.Timestamp)}
		if readableTime {
			row = append(row, sp.Timestamp.UTC().Format(time.RFC3339Nano))
		}
		row = append(row, f(p.X), f(p.Y), f(p.Z), f(p.Roll), f(p.Pitch), f(p.Yaw))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
