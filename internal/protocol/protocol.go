// Package protocol drives the request/response state machine for one serial
// session: the bootstrap handshake, generic command exchange, completion
// wait, and NAK payload decoding. It's the only package that knows the wire
// format; the sector programmer, chip eraser and binary writer all drive a
// device exclusively through a *Protocol.
package protocol

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"xtermost/internal/config"
	"xtermost/internal/link"
	"xtermost/internal/xerrors"
)

// State is the protocol's current expected phase. Mutation is single
// threaded by construction: Protocol is never shared across goroutines.
type State int

const (
	Uninitialized State = iota
	Bootstrapping
	Idle
	AwaitingACK
	AwaitingEcho
	AwaitingCompletion
	Terminated
)

// Protocol drives one serial session end to end. It owns no resources of
// its own beyond the Link it was given.
type Protocol struct {
	link  *link.Link
	state State
}

// New wraps link in a Protocol in its initial, Uninitialized state.
func New(l *link.Link) *Protocol {
	return &Protocol{link: l, state: Uninitialized}
}

// State reports the protocol's current phase, mostly useful to tests.
func (p *Protocol) State() State {
	return p.state
}

const waitingMessage = "WAITING\x00"

// Bootstrap waits out the initial handshake and leaves the protocol in Idle.
// The device broadcasts "WAITING\0" once a second until it sees an ACK; its
// first few transmissions are known to drop characters, hence the initial
// settle-and-discard step before we start actually looking for the message.
func (p *Protocol) Bootstrap() error {
	p.state = Bootstrapping
	time.Sleep(1000 * time.Millisecond)
	p.link.DiscardInputBuffer(false)

	pop := p.link.PushReadTimeout(config.NormalTimeout)
	defer pop()

	expected := len(waitingMessage)
	var prelude []byte
	var candidate []byte

	for {
		b, err := p.link.ReadByte()
		if err != nil {
			return errors.Wrap(err, "bootstrap: waiting for device broadcast")
		}
		if len(candidate) == 0 && b != 'W' {
			prelude = append(prelude, b)
		} else {
			candidate = append(candidate, b)
		}
		if len(candidate) == expected || len(prelude) == expected || b == config.NUL {
			break
		}
	}

	if string(candidate) != waitingMessage {
		return xerrors.Newf(xerrors.UnexpectedResponse,
			"bootstrap handshake failed: prelude=% X candidate=% X", prelude, candidate)
	}

	if err := p.link.Write([]byte{config.ACK}); err != nil {
		return errors.Wrap(err, "bootstrap: acking device broadcast")
	}

	time.Sleep(50 * time.Millisecond)
	p.link.DiscardInputBuffer(false)
	p.state = Idle
	return nil
}

// SendCommand sends message NUL-terminated and waits for ACK, retrying on
// NAK up to config.NumRetries times. The read timeout for the whole exchange
// is config.NormalTimeout.
func (p *Protocol) SendCommand(message string) error {
	p.state = AwaitingACK
	defer func() { p.state = Idle }()

	pop := p.link.PushReadTimeout(config.NormalTimeout)
	defer pop()

	attempt := 0
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), config.NumRetries)

	op := func() error {
		attempt++
		if err := p.link.WriteNulTerminated(message); err != nil {
			return backoff.Permanent(errors.Wrapf(err, "sending command %q", message))
		}
		b, err := p.link.ReadByte()
		if err != nil {
			return backoff.Permanent(errors.Wrapf(err, "awaiting ACK for %q", message))
		}
		switch b {
		case config.ACK:
			return nil
		case config.NAK:
			payload, perr := p.readNAKPayload()
			if perr != nil {
				return backoff.Permanent(errors.Wrapf(perr, "reading NAK payload for %q", message))
			}
			log.WithFields(log.Fields{"command": message, "attempt": attempt, "message": payload}).
				Warn("device NAKed command, retrying")
			return xerrors.Newf(xerrors.DeviceReportedError, "device NAKed %q: %s", message, payload)
		default:
			return backoff.Permanent(xerrors.Newf(xerrors.UnexpectedResponse,
				"unexpected response 0x%02X to command %q", b, message))
		}
	}

	if err := backoff.Retry(op, policy); err != nil {
		if xerrors.KindOf(err) == xerrors.DeviceReportedError {
			return xerrors.Newf(xerrors.RetriesExhausted, "command %q: %v", message, err)
		}
		return err
	}
	return nil
}

// WaitForCompletion waits for a terminal ACK after a long-running device
// operation, using config.ExtendedTimeout when extended is true.
func (p *Protocol) WaitForCompletion(operationLabel string, extended bool) error {
	p.state = AwaitingCompletion
	defer func() { p.state = Idle }()

	timeout := config.NormalTimeout
	if extended {
		timeout = config.ExtendedTimeout
	}
	pop := p.link.PushReadTimeout(timeout)
	defer pop()

	b, err := p.link.ReadByte()
	if err != nil {
		return errors.Wrapf(err, "waiting for completion of %s", operationLabel)
	}
	switch b {
	case config.ACK:
		return nil
	case config.NAK:
		payload, perr := p.readNAKPayload()
		if perr != nil {
			return errors.Wrapf(perr, "reading NAK payload for %s", operationLabel)
		}
		return xerrors.Newf(xerrors.DeviceReportedError, "%s failed: %s", operationLabel, payload)
	default:
		return xerrors.Newf(xerrors.UnexpectedResponse,
			"unexpected response 0x%02X waiting for completion of %s", b, operationLabel)
	}
}

// readNAKPayload consumes the NUL-terminated ASCII diagnostic string that
// follows a NAK byte, capped at config.MaxNAKMessage to defend against a
// misbehaving device streaming an unterminated payload.
func (p *Protocol) readNAKPayload() (string, error) {
	var payload []byte
	for len(payload) < config.MaxNAKMessage {
		b, err := p.link.ReadByte()
		if err != nil {
			return "", err
		}
		if b == config.NUL {
			return string(payload), nil
		}
		payload = append(payload, b)
	}
	return string(payload), nil
}

// Link exposes the underlying link so higher layers (SectorProgrammer,
// ChipEraser) can push their own timeout overrides and do raw reads/writes
// for the parts of the wire protocol that aren't a generic command exchange
// (sector bodies, echo verification, the erase confirmation prompt).
func (p *Protocol) Link() *link.Link {
	return p.link
}

// SetState is used by callers (SectorProgrammer, ChipEraser) that need to
// reflect a sub-dialogue's phase in SessionState while they drive the link
// directly.
func (p *Protocol) SetState(s State) {
	p.state = s
}
