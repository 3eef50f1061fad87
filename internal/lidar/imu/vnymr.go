package imu

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

var (
	ErrNotVNYMR = errors.New("imu: not a $VNYMR sentence")
	ErrChecksum = errors.New("imu: checksum mismatch")
)

const vnymrFields = 12 // yaw pitch roll, magnetic xyz, accel xyz, gyro xyz

// ParseVNYMR decodes a VectorNav yaw/pitch/roll, magnetic, acceleration and
// angular rate sentence such as
//
//	$VNYMR,+006.380,+000.023,-001.953,+1.0640,-0.2531,+3.0614,+00.005,+00.344,-09.758,-0.001222,-0.000450,-0.001218*64
//
// The returned sample has no timestamp; the caller stamps it on receipt.
func ParseVNYMR(line string) (Sample, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$VNYMR,") {
		return Sample{}, ErrNotVNYMR
	}
	body, sum, ok := strings.Cut(line[1:], "*")
	if !ok {
		return Sample{}, fmt.Errorf("%w: missing checksum", ErrChecksum)
	}
	want, err := strconv.ParseUint(sum, 16, 8)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %q", ErrChecksum, sum)
	}
	if got := Checksum(body); got != byte(want) {
		return Sample{}, fmt.Errorf("%w: got %02X want %02X", ErrChecksum, got, want)
	}

	fields := strings.Split(body, ",")[1:]
	if len(fields) != vnymrFields {
		return Sample{}, fmt.Errorf("imu: $VNYMR has %d fields, want %d", len(fields), vnymrFields)
	}
	var v [vnymrFields]float64
	for i, f := range fields {
		if v[i], err = strconv.ParseFloat(f, 64); err != nil {
			return Sample{}, fmt.Errorf("imu: $VNYMR field %d: %w", i, err)
		}
	}
	deg := math.Pi / 180
	return Sample{
		Yaw:          v[0] * deg,
		Pitch:        v[1] * deg,
		Roll:         v[2] * deg,
		Acceleration: r3.Vector{X: v[6], Y: v[7], Z: v[8]},
		AngularRate:  r3.Vector{X: v[9], Y: v[10], Z: v[11]},
	}, nil
}

// Checksum is the XOR of every byte of body, the part of a sentence between
// '$' and '*'.
func Checksum(body string) byte {
	var c byte
	for i := 0; i < len(body); i++ {
		c ^= body[i]
	}
	return c
}

// Command frames body as a checksummed VectorNav command.
func Command(body string) string {
	return fmt.Sprintf("$%s*%02X", body, Checksum(body))
}
