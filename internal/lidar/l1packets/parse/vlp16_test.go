package parse

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPacket encodes a packet whose block b starts at azimuth
// start + b*step (hundredths of a degree) and whose every channel returns
// dist (2 mm units).
func buildPacket(start, step uint16, dist uint16, usec uint32) []byte {
	pkt := make([]byte, PacketSize)
	for b := 0; b < BlocksPerPacket; b++ {
		off := b * BlockSize
		binary.LittleEndian.PutUint16(pkt[off:], blockFlag)
		binary.LittleEndian.PutUint16(pkt[off+2:], (start+uint16(b)*step)%RotationMaxUnits)
		for ch := 0; ch < SequencesPerBlock*LasersPerSequence; ch++ {
			c := off + 4 + ch*ChannelSize
			binary.LittleEndian.PutUint16(pkt[c:], dist)
			pkt[c+2] = uint8(ch)
		}
	}
	binary.LittleEndian.PutUint32(pkt[TailStart:], usec)
	pkt[TailStart+4] = ReturnStrongest
	pkt[TailStart+5] = ProductVLP16
	return pkt
}

func TestParsePacketDecodesEveryReturn(t *testing.T) {
	t.Parallel()

	recv := time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)
	pkt := buildPacket(0, 40, 5000, 1_000_000)
	p := NewVLP16Parser()
	pts, err := p.ParsePacket(pkt, recv)
	require.NoError(t, err)
	require.Len(t, pts, BlocksPerPacket*SequencesPerBlock*LasersPerSequence)
	assert.Equal(t, byte(ReturnStrongest), p.ReturnMode())
	assert.Equal(t, uint64(1), p.Packets())

	first := pts[0]
	assert.Equal(t, uint16(0), first.Ring, "laser 0 is the lowest beam")
	assert.Equal(t, -15.0, first.Elevation)
	assert.InDelta(t, 10.0, first.Distance, 1e-9)
	assert.InDelta(t, 0.0, first.Azimuth, 1e-9)
	assert.True(t, first.Timestamp.Equal(recv), "timestamp %v", first.Timestamp)

	assert.Equal(t, uint16(8), pts[1].Ring, "laser 1 points at +1°")
	assert.Equal(t, uint16(15), pts[15].Ring)

	// The second firing sequence sits halfway to the next block.
	second := pts[LasersPerSequence]
	assert.InDelta(t, 0.2, second.Azimuth, 1e-9)
	assert.Equal(t, SequenceInterval, second.Timestamp.Sub(first.Timestamp))
}

func TestParsePacketLastBlockReusesGap(t *testing.T) {
	t.Parallel()

	pkt := buildPacket(35900, 20, 1000, 0)
	pts, err := NewVLP16Parser().ParsePacket(pkt, time.Unix(0, 0).UTC())
	require.NoError(t, err)

	last := pts[len(pts)-1]
	// Block 11 starts at (35900+220) mod 36000 = 120, plus half the 0.2° gap
	// and the firing offset of laser 15 in the second sequence.
	frac := float64(SequenceInterval+15*FiringInterval) / float64(2*SequenceInterval)
	assert.InDelta(t, 1.2+0.2*frac, last.Azimuth, 1e-9)
	for _, p := range pts {
		assert.GreaterOrEqual(t, p.Azimuth, 0.0)
		assert.Less(t, p.Azimuth, 360.0)
	}
}

func TestParsePacketSkipsEmptyReturnsAndBadBlocks(t *testing.T) {
	t.Parallel()

	pkt := buildPacket(0, 20, 1000, 0)
	// No return on laser 3 of block 0.
	binary.LittleEndian.PutUint16(pkt[4+3*ChannelSize:], 0)
	// Corrupt block 5.
	binary.LittleEndian.PutUint16(pkt[5*BlockSize:], 0x1234)

	pts, err := NewVLP16Parser().ParsePacket(pkt, time.Now())
	require.NoError(t, err)
	assert.Len(t, pts, (BlocksPerPacket-1)*SequencesPerBlock*LasersPerSequence-1)
}

func TestParsePacketRejectsWrongSize(t *testing.T) {
	t.Parallel()

	_, err := NewVLP16Parser().ParsePacket(make([]byte, 512), time.Now())
	assert.True(t, errors.Is(err, ErrPacketSize))
}

func TestPacketTimeHourRollover(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		usec uint32
		recv time.Time
		want time.Time
	}{
		{
			name: "same hour",
			usec: uint32((10 * time.Minute) / time.Microsecond),
			recv: time.Date(2024, 5, 1, 12, 10, 0, 500, time.UTC),
			want: time.Date(2024, 5, 1, 12, 10, 0, 0, time.UTC),
		},
		{
			name: "packet stamped just before the hour, received after",
			usec: uint32((59*time.Minute + 59*time.Second) / time.Microsecond),
			recv: time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC),
			want: time.Date(2024, 5, 1, 12, 59, 59, 0, time.UTC),
		},
		{
			name: "receiver clock slightly behind the hour",
			usec: 1000,
			recv: time.Date(2024, 5, 1, 12, 59, 59, 0, time.UTC),
			want: time.Date(2024, 5, 1, 13, 0, 0, 1_000_000, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := packetTime(tt.usec, tt.recv)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}
