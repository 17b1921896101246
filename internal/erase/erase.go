// Package erase drives the whole-chip erase dialogue, including the
// operator confirmation step.
package erase

import (
	"bufio"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"xtermost/internal/config"
	"xtermost/internal/protocol"
	"xtermost/internal/xerrors"
)

const confirmPrompt = "CONFIRM?\x00"

// Eraser drives the chip-erase dialogue over a *protocol.Protocol, prompting
// the operator on console for confirmation.
type Eraser struct {
	proto  *protocol.Protocol
	prompt func() (string, error)
}

// New builds an Eraser that reads the operator's y/n answer from in.
func New(proto *protocol.Protocol, in *bufio.Reader) *Eraser {
	return &Eraser{
		proto: proto,
		prompt: func() (string, error) {
			line, err := in.ReadString('\n')
			return strings.TrimSpace(line), err
		},
	}
}

// Erase runs the ERASECHIP dialogue to completion. Declining ("n") returns
// nil: the device returns to Idle without erasing and that is not an error
// condition.
func (e *Eraser) Erase() error {
	if err := e.proto.SendCommand("ERASECHIP"); err != nil {
		return errors.Wrap(err, "starting ERASECHIP")
	}

	link := e.proto.Link()
	confirm := make([]byte, len(confirmPrompt))
	if err := link.ReadExact(confirm, len(confirmPrompt)); err != nil {
		return errors.Wrap(err, "awaiting erase confirmation prompt")
	}
	if string(confirm) != confirmPrompt {
		return xerrors.Newf(xerrors.UnexpectedResponse,
			"unexpected erase confirmation prompt: % X", confirm)
	}

	confirmed, err := e.askOperator()
	if err != nil {
		return errors.Wrap(err, "reading operator confirmation")
	}

	if !confirmed {
		log.Info("chip erase declined by operator")
		return link.Write([]byte{config.NAK})
	}

	if err := link.Write([]byte{config.ACK}); err != nil {
		return errors.Wrap(err, "confirming chip erase")
	}

	// extended=false: chip-erase completion is awaited under the normal
	// timeout, not the extended one. See DESIGN.md for this choice.
	if err := e.proto.WaitForCompletion("chip erase", false); err != nil {
		return errors.Wrap(err, "waiting for chip erase completion")
	}
	log.Info("chip erase complete")
	return nil
}

// askOperator re-prompts until it sees a case-insensitive y or n.
func (e *Eraser) askOperator() (bool, error) {
	for {
		line, err := e.prompt()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(line) {
		case "y":
			return true, nil
		case "n":
			return false, nil
		default:
			log.Warn("please answer y or n")
		}
	}
}
