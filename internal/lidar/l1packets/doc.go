// Package l1packets owns Layer 1 (Packets) of the sensor data model.
//
// Responsibilities: live UDP capture, PCAP replay, and decoding of VLP-16
// data packets into polar returns. This layer produces points consumed by
// L2 (Frames).
//
// Dependency rule: L1 has no inward dependencies on higher layers.
package l1packets
