// Package writer streams a binary file into flash sector by sector starting
// at sector 0, zero-padding the tail.
package writer

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"xtermost/internal/config"
	"xtermost/internal/program"
	"xtermost/internal/xerrors"
)

// Writer streams a binary file into flash through a *program.Programmer.
type Writer struct {
	prog  *program.Programmer
	quiet bool
}

// New builds a Writer bound to prog. When quiet is true no progress bar is
// rendered, so tests and scripted runs stay headless.
func New(prog *program.Programmer, quiet bool) *Writer {
	return &Writer{prog: prog, quiet: quiet}
}

// Write programs path starting at sector 0. Files larger than
// config.FlashSize are rejected before any device traffic.
func (w *Writer) Write(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(xerrors.New(xerrors.Argument, "cannot open binary file"), "%s: %v", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	size := info.Size()
	if size > config.FlashSize {
		return xerrors.Newf(xerrors.InvalidPlan, "%s is %d bytes, exceeds flash size %d", path, size, config.FlashSize)
	}

	wholeSectors := int(size / config.SectorSize)
	remainder := int(size % config.SectorSize)
	totalSectors := wholeSectors
	if remainder > 0 {
		totalSectors++
	}

	var bar *progressbar.ProgressBar
	if !w.quiet {
		bar = progressbar.Default(int64(totalSectors), "writing")
	}

	buf := make([]byte, config.SectorSize)
	for i := 0; i < wholeSectors; i++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			return errors.Wrapf(err, "reading sector %d from %s", i, path)
		}
		if err := w.prog.ProgramSector(uint16(i), buf); err != nil {
			return errors.Wrapf(err, "programming sector %d", i)
		}
		if bar != nil {
			bar.Add(1) //nolint:errcheck
		}
	}

	if remainder > 0 {
		tail := make([]byte, config.SectorSize)
		n, err := io.ReadFull(f, tail[:remainder])
		if err != nil && err != io.ErrUnexpectedEOF {
			return errors.Wrapf(err, "reading trailing partial sector from %s", path)
		}
		if n != remainder {
			return xerrors.Newf(xerrors.InternalInvariantViolated,
				"expected %d trailing bytes, read %d", remainder, n)
		}
		if err := w.prog.ProgramSector(uint16(wholeSectors), tail); err != nil {
			return errors.Wrapf(err, "programming trailing sector %d", wholeSectors)
		}
		if bar != nil {
			bar.Add(1) //nolint:errcheck
		}
	}

	if bar != nil {
		bar.Finish() //nolint:errcheck
	}
	return nil
}
