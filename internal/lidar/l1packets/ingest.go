package l1packets

import (
	"github.com/banshee-data/lidarmap/internal/lidar/l1packets/network"
	"github.com/banshee-data/lidarmap/internal/lidar/l1packets/parse"
)

// Type aliases re-export packet ingestion and parsing types from the
// network/ and parse/ subpackages.

// UDPListener receives sensor packets over UDP.
type UDPListener = network.UDPListener

// UDPListenerConfig configures the UDP listener.
type UDPListenerConfig = network.UDPListenerConfig

// ReplayOptions tunes PCAP replay.
type ReplayOptions = network.ReplayOptions

// Point is one decoded return.
type Point = parse.Point

// VLP16Parser decodes Velodyne VLP-16 packets.
type VLP16Parser = parse.VLP16Parser

var (
	NewUDPListener = network.NewUDPListener
	NewPacketStats = network.NewPacketStats
	ReadPCAPFile   = network.ReadPCAPFile
	NewVLP16Parser = parse.NewVLP16Parser
)
