// Package program drives one sector through Protocol with index-echo then
// data-echo verification: the device echoes back whatever it was sent, and
// the host only ACKs once the echo matches.
package program

import (
	"bytes"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"xtermost/internal/config"
	"xtermost/internal/protocol"
	"xtermost/internal/xerrors"
)

// Programmer drives sector-programming dialogues over a *protocol.Protocol.
type Programmer struct {
	proto *protocol.Protocol
}

// New builds a Programmer bound to proto.
func New(proto *protocol.Protocol) *Programmer {
	return &Programmer{proto: proto}
}

// encodeIndex and decodeIndex reproduce the device firmware's sector-index
// encoding verbatim: a 4-bit shift rather than 8. For indices below 16 this
// is observationally correct; from 16 up it is wrong. The firmware already out
// in the field expects this exact encoding, so matching it beats fixing it.
// See DESIGN.md for the full writeup.
func encodeIndex(index uint16) [2]byte {
	return [2]byte{byte(index & 0xFF), byte((index >> 4) & 0xFF)}
}

func decodeIndex(b [2]byte) uint16 {
	return uint16(b[0]) | (uint16(b[1]) << 4)
}

// ProgramSector sends a full config.SectorSize-byte image to sector index
// through the echo-verify dialogue. image must already be exactly
// config.SectorSize bytes; the caller (the binary writer or plan builder)
// owns zero-padding policy.
func (p *Programmer) ProgramSector(index uint16, image []byte) error {
	if len(image) != config.SectorSize {
		return xerrors.Newf(xerrors.InternalInvariantViolated,
			"sector image must be exactly %d bytes, got %d", config.SectorSize, len(image))
	}

	if err := p.proto.SendCommand("PROGRAMSECTOR"); err != nil {
		return errors.Wrapf(err, "starting PROGRAMSECTOR for sector %d", index)
	}

	if err := p.sendIndexWithEchoVerify(index); err != nil {
		return errors.Wrapf(err, "index exchange for sector %d", index)
	}

	if err := p.sendBodyWithEchoVerify(image); err != nil {
		return errors.Wrapf(err, "body transfer for sector %d", index)
	}

	if err := p.proto.WaitForCompletion("sector programming", true); err != nil {
		return errors.Wrapf(err, "completion wait for sector %d", index)
	}
	return nil
}

func (p *Programmer) sendIndexWithEchoVerify(index uint16) error {
	link := p.proto.Link()
	wire := encodeIndex(index)

	for attempt := 0; attempt <= config.NumRetries; attempt++ {
		p.proto.SetState(protocol.AwaitingACK)
		if err := link.Write(wire[:]); err != nil {
			return err
		}

		b, err := link.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case config.ACK:
			// continue to echo below
		case config.NAK:
			return xerrors.New(xerrors.DeviceReportedError, "device NAKed sector index, cannot retry this index")
		default:
			return xerrors.Newf(xerrors.UnexpectedResponse, "unexpected response 0x%02X to sector index", b)
		}

		p.proto.SetState(protocol.AwaitingEcho)
		var echoed [2]byte
		if err := link.ReadExact(echoed[:], 2); err != nil {
			return err
		}

		if decodeIndex(echoed) == index {
			return link.Write([]byte{config.ACK})
		}

		log.WithFields(log.Fields{"sector": index, "attempt": attempt, "echoed": decodeIndex(echoed)}).
			Warn("sector index echo mismatch, retrying")
		if err := link.Write([]byte{config.NAK}); err != nil {
			return err
		}
		if attempt == config.NumRetries {
			return xerrors.Newf(xerrors.RetriesExhausted, "sector index echo mismatch after %d attempts", attempt+1)
		}
	}
	return xerrors.New(xerrors.RetriesExhausted, "sector index echo mismatch")
}

func (p *Programmer) sendBodyWithEchoVerify(image []byte) error {
	link := p.proto.Link()

	for attempt := 0; attempt <= config.NumRetries; attempt++ {
		if err := link.Write(image); err != nil {
			return err
		}

		p.proto.SetState(protocol.AwaitingEcho)
		echoed := make([]byte, config.SectorSize)
		if err := link.ReadExact(echoed, config.SectorSize); err != nil {
			return err
		}

		if bytes.Equal(echoed, image) {
			return link.Write([]byte{config.ACK})
		}

		log.WithField("attempt", attempt).Warn("sector body echo mismatch, retrying")
		if err := link.Write([]byte{config.NAK}); err != nil {
			return err
		}
		if attempt == config.NumRetries {
			return xerrors.Newf(xerrors.RetriesExhausted, "sector body echo mismatch after %d attempts", attempt+1)
		}
	}
	return xerrors.New(xerrors.RetriesExhausted, "sector body echo mismatch")
}

// indexBytes is exposed for tests that want to assert the wire-level
// encoding directly.
func indexBytes(index uint16) []byte {
	b := encodeIndex(index)
	return b[:]
}
