package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapngMagic = 0x0A0D0D0A

// ReplayOptions tunes PCAP replay.
type ReplayOptions struct {
	UDPPort int     // only UDP datagrams to this port are decoded
	Speed   float64 // 0 replays as fast as possible; 1 is real time
}

// ReadPCAPFile replays sensor packets from a pcap or pcapng capture. It
// returns nil at the end of the file and ctx.Err() when cancelled.
func ReadPCAPFile(ctx context.Context, path string, opts ReplayOptions, parser Parser, frames FrameBuilder, stats PacketStatsInterface) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return ReadPCAP(ctx, f, opts, parser, frames, stats)
}

// ReadPCAP is ReadPCAPFile over an arbitrary reader.
func ReadPCAP(ctx context.Context, r io.Reader, opts ReplayOptions, parser Parser, frames FrameBuilder, stats PacketStatsInterface) error {
	if stats == nil {
		stats = noopStats{}
	}
	src, link, err := openCapture(r)
	if err != nil {
		return err
	}

	var (
		count, matched int
		firstCap       time.Time
		wallStart      = time.Now()
	)
	for {
		if err := ctx.Err(); err != nil {
			logs.Opsf("PCAP replay cancelled after %d packets", count)
			return err
		}
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			logs.Opsf("PCAP replay complete: %d packets, %d sensor packets in %v", count, matched, time.Since(wallStart))
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading PCAP packet %d: %w", count, err)
		}
		count++

		pkt := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || (opts.UDPPort != 0 && int(udp.DstPort) != opts.UDPPort) {
			continue
		}
		matched++

		if opts.Speed > 0 {
			if firstCap.IsZero() {
				firstCap, wallStart = ci.Timestamp, time.Now()
			}
			due := wallStart.Add(time.Duration(float64(ci.Timestamp.Sub(firstCap)) / opts.Speed))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		handlePacket(udp.Payload, ci.Timestamp, parser, frames, stats)
	}
}

// openCapture sniffs the magic number to choose between pcap and pcapng.
func openCapture(r io.Reader) (gopacket.PacketDataSource, gopacket.Decoder, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, nil, fmt.Errorf("reading capture header: %w", err)
	}
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, nil, fmt.Errorf("opening pcapng: %w", err)
		}
		return ng, ng.LinkType(), nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, nil, fmt.Errorf("opening pcap: %w", err)
	}
	return pr, pr.LinkType(), nil
}
