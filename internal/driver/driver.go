// Package driver ties the whole session together: it opens the link, runs
// bootstrap, dispatches to whichever operation the caller asked for, sends
// DONE, and exits cleanly. It's the only package that opens a Link and is
// responsible for calling CleanupForExit on every path in or out.
package driver

import (
	"bufio"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"xtermost/internal/erase"
	"xtermost/internal/link"
	"xtermost/internal/plan"
	"xtermost/internal/program"
	"xtermost/internal/protocol"
	"xtermost/internal/writer"
)

const transcriptFileName = "ArduinoDriver.log"

// Mode selects which of the three operations a run performs.
type Mode int

const (
	ModeWrite Mode = iota
	ModeProgram
	ModeErase
)

// Config is everything a run needs: which port, which mode, and the
// mode-specific inputs, passed through Run as a plain value instead of
// package-level globals.
type Config struct {
	Port         string
	Mode         Mode
	BinaryPath   string // ModeWrite
	PlanFile     string // ModeProgram
	AllowOverlap bool   // ModeProgram
	Quiet        bool
}

// Run executes one driver session per cfg and returns nil on success. Any
// non-nil error has already been classified by the layer that produced it
// (see xerrors.Kind); the caller (cmd/xtermost) maps it to an exit code.
func Run(cfg Config) (err error) {
	l, openErr := link.Open(cfg.Port, transcriptFileName)
	if openErr != nil {
		return errors.Wrap(openErr, "opening serial link")
	}
	defer l.CleanupForExit()

	proto := protocol.New(l)

	log.WithField("port", cfg.Port).Info("bootstrapping device")
	if err := proto.Bootstrap(); err != nil {
		return errors.Wrap(err, "bootstrap")
	}

	if err := runOperation(cfg, proto); err != nil {
		return err
	}

	if err := proto.SendCommand("DONE"); err != nil {
		return errors.Wrap(err, "sending DONE")
	}

	log.Info("run complete")
	return nil
}

func runOperation(cfg Config, proto *protocol.Protocol) error {
	switch cfg.Mode {
	case ModeWrite:
		prog := program.New(proto)
		w := writer.New(prog, cfg.Quiet)
		return errors.Wrap(w.Write(cfg.BinaryPath), "binary write")

	case ModeProgram:
		instructions, err := plan.Parse(cfg.PlanFile)
		if err != nil {
			return errors.Wrap(err, "parsing instruction file")
		}
		built, err := plan.Build(instructions, cfg.AllowOverlap)
		if err != nil {
			return errors.Wrap(err, "building plan")
		}
		prog := program.New(proto)
		for index, image := range built {
			if err := prog.ProgramSector(index, image); err != nil {
				return errors.Wrapf(err, "programming sector %d", index)
			}
		}
		return nil

	case ModeErase:
		e := erase.New(proto, bufio.NewReader(os.Stdin))
		return errors.Wrap(e.Erase(), "chip erase")

	default:
		return errors.New("unknown mode")
	}
}
