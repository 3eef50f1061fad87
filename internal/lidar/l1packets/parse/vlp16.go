package parse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

/*
Velodyne VLP-16 Packet Decoder

The VLP-16 sends 1206-byte UDP data packets (port 2368 by default) at roughly
754 packets per second in single-return mode.

PACKET STRUCTURE (1206 bytes):
├── Data Blocks (1200 bytes) - 12 blocks × 100 bytes
│   └── Each block: 2-byte flag (0xFFEE) + 2-byte azimuth + 32 channels × 3 bytes
│       The 32 channels are two firing sequences of the 16 lasers. The
│       azimuth is that of the first sequence; the second is interpolated.
└── Tail (6 bytes) - 4-byte timestamp (µs past the hour) + return mode + product ID

Distances are in 2 mm units; zero means no return. Laser IDs are interleaved
in elevation (-15°, 1°, -13°, 3°, ...) so the ring index, counted from the
lowest beam, is (elevation + 15) / 2.
*/

const (
	PacketSize        = 1206
	BlocksPerPacket   = 12
	BlockSize         = 100
	LasersPerSequence = 16
	SequencesPerBlock = 2
	ChannelSize       = 3
	TailStart         = BlocksPerPacket * BlockSize

	blockFlag = 0xEEFF // 0xFF 0xEE read little-endian

	DistanceResolution = 0.002 // metres per LSB
	AzimuthResolution  = 0.01  // degrees per LSB
	RotationMaxUnits   = 36000

	FiringInterval   = 2304 * time.Nanosecond  // between consecutive lasers
	SequenceInterval = 55296 * time.Nanosecond // between firing sequences

	ProductVLP16 = 0x22
)

// Return modes carried in the packet tail.
const (
	ReturnStrongest = 0x37
	ReturnLast      = 0x38
	ReturnDual      = 0x39
)

// vlp16Elevation is the elevation in degrees of each laser ID.
var vlp16Elevation = [LasersPerSequence]float64{
	-15, 1, -13, 3, -11, 5, -9, 7, -7, 9, -5, 11, -3, 13, -1, 15,
}

// ErrPacketSize is returned for payloads that are not VLP-16 data packets.
var ErrPacketSize = errors.New("parse: unexpected packet size")

// Point is one decoded return in polar form.
type Point struct {
	Ring      uint16  // 0 is the lowest beam
	Azimuth   float64 // degrees clockwise from +Y, [0, 360)
	Elevation float64 // degrees
	Distance  float64 // metres
	Intensity uint8
	Timestamp time.Time
}

// VLP16Parser decodes VLP-16 data packets. It is not safe for concurrent use.
type VLP16Parser struct {
	returnMode byte
	packets    uint64
	badBlocks  uint64
}

// NewVLP16Parser creates a parser.
func NewVLP16Parser() *VLP16Parser { return &VLP16Parser{} }

// ReturnMode reports the return mode of the last packet.
func (p *VLP16Parser) ReturnMode() byte { return p.returnMode }

// Packets reports how many packets were decoded.
func (p *VLP16Parser) Packets() uint64 { return p.packets }

// ParsePacket decodes one packet. recv is the capture time, used to resolve
// the sensor's hour-relative timestamp to an absolute one.
func (p *VLP16Parser) ParsePacket(data []byte, recv time.Time) ([]Point, error) {
	if len(data) != PacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketSize, len(data))
	}
	usec := binary.LittleEndian.Uint32(data[TailStart:])
	p.returnMode = data[TailStart+4]
	if product := data[TailStart+5]; product != ProductVLP16 && p.packets == 0 {
		logs.Diagf("product id 0x%02x, decoding as VLP-16", product)
	}
	base := packetTime(usec, recv)

	var azimuths [BlocksPerPacket]float64
	for b := 0; b < BlocksPerPacket; b++ {
		off := b * BlockSize
		azimuths[b] = float64(binary.LittleEndian.Uint16(data[off+2:])) * AzimuthResolution
	}

	points := make([]Point, 0, BlocksPerPacket*SequencesPerBlock*LasersPerSequence)
	for b := 0; b < BlocksPerPacket; b++ {
		off := b * BlockSize
		if binary.LittleEndian.Uint16(data[off:]) != blockFlag {
			p.badBlocks++
			logs.Tracef("block %d: bad flag 0x%04x", b, binary.LittleEndian.Uint16(data[off:]))
			continue
		}
		gap := blockGap(azimuths, b)
		blockStart := base.Add(time.Duration(b*SequencesPerBlock) * SequenceInterval)
		for seq := 0; seq < SequencesPerBlock; seq++ {
			for laser := 0; laser < LasersPerSequence; laser++ {
				c := off + 4 + (seq*LasersPerSequence+laser)*ChannelSize
				raw := binary.LittleEndian.Uint16(data[c:])
				if raw == 0 {
					continue
				}
				dt := time.Duration(seq)*SequenceInterval + time.Duration(laser)*FiringInterval
				frac := float64(dt) / float64(2*SequenceInterval)
				points = append(points, Point{
					Ring:      uint16((vlp16Elevation[laser] + 15) / 2),
					Azimuth:   wrapDegrees(azimuths[b] + gap*frac),
					Elevation: vlp16Elevation[laser],
					Distance:  float64(raw) * DistanceResolution,
					Intensity: data[c+2],
					Timestamp: blockStart.Add(dt),
				})
			}
		}
	}
	p.packets++
	return points, nil
}

// blockGap is the azimuth advance from block b to the next, reusing the
// previous gap for the last block.
func blockGap(az [BlocksPerPacket]float64, b int) float64 {
	if b == BlocksPerPacket-1 {
		b--
	}
	g := az[b+1] - az[b]
	if g < 0 {
		g += 360
	}
	return g
}

func wrapDegrees(a float64) float64 {
	for a >= 360 {
		a -= 360
	}
	for a < 0 {
		a += 360
	}
	return a
}

// packetTime resolves microseconds past the hour against the capture time,
// choosing the hour that puts the result closest to recv.
func packetTime(usec uint32, recv time.Time) time.Time {
	t := recv.Truncate(time.Hour).Add(time.Duration(usec) * time.Microsecond)
	switch d := t.Sub(recv); {
	case d > 30*time.Minute:
		t = t.Add(-time.Hour)
	case d < -30*time.Minute:
		t = t.Add(time.Hour)
	}
	return t
}
