// Package config holds the build-fixed constants this driver runs on: flash
// geometry, protocol bytes, timeouts and retry budget. These are plain
// values, not a loaded file. The instruction file and CLI flags are the only
// runtime configuration this driver has.
package config

import "time"

const (
	// FlashSize is the total addressable flash size in bytes.
	FlashSize = 262144
	// SectorSize is the size of one programmable/erasable unit.
	SectorSize = 4096
	// NumSectors is the number of sectors in a full flash image.
	NumSectors = FlashSize / SectorSize

	// NumRetries is the number of retries on top of the first attempt (3
	// attempts total for any bounded dialogue).
	NumRetries = 2

	// BaudRate is the fixed serial rate the device expects.
	BaudRate = 115200

	// ACK/NAK/NUL are the single-byte protocol markers on the wire.
	ACK byte = 0x06
	NAK byte = 0x15
	NUL byte = 0x00

	// MaxNAKMessage bounds how many bytes of a NAK diagnostic payload the
	// host will read before giving up on a NUL terminator.
	MaxNAKMessage = 256
)

// NormalTimeout and ExtendedTimeout bound ordinary and long-running device
// exchanges respectively. They are vars, not consts, so tests can shrink
// them around a fake port that never replies, instead of waiting out the
// real multi-second timeout.
var (
	NormalTimeout   = 2000 * time.Millisecond
	ExtendedTimeout = 10000 * time.Millisecond
)
