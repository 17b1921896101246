// Package transcript implements the append-only hex/ASCII byte log that
// records every byte sent, received, or discarded over a serial link. It's
// deliberately hand-rolled rather than built on a general logging library:
// the two-buffer ordering invariant (at most one direction's buffer is
// non-empty at any instant) is a byte-exact format contract, not a log
// level or field set. See DESIGN.md.
package transcript

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

const groupSize = 8

// direction distinguishes the two columns of the transcript.
type direction int

const (
	sent direction = iota
	received
)

// Log is the transcript file for one Link's lifetime. A single internal
// buffer, tagged with the direction it holds, accumulates up to groupSize
// bytes before a line is flushed, so at most one direction is ever pending. The buffer-switch check in append is what makes the transcript
// serialise the real order of the conversation: a buffer is never left
// pending while the other direction receives bytes.
type Log struct {
	file    *os.File
	w       *bufio.Writer
	pending direction
	buf     []byte
	hasBuf  bool
}

// Create truncates/creates path and returns a fresh transcript. A new one
// is created at the start of every run; nothing is ever appended to an old
// transcript from a prior session.
func Create(path string) (*Log, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating transcript %s: %w", path, err)
	}
	return &Log{file: f, w: bufio.NewWriter(f)}, nil
}

// LogSent mirrors bytes written to the port.
func (l *Log) LogSent(b []byte) {
	l.append(sent, b)
}

// LogReceived mirrors bytes read from the port.
func (l *Log) LogReceived(b []byte) {
	l.append(received, b)
}

func (l *Log) append(dir direction, b []byte) {
	if len(b) == 0 {
		return
	}
	if l.hasBuf && l.pending != dir {
		l.flushBuffered()
	}
	l.pending = dir
	l.hasBuf = true
	l.buf = append(l.buf, b...)
	for len(l.buf) >= groupSize {
		l.writeGroup(l.pending, l.buf[:groupSize])
		l.buf = l.buf[groupSize:]
	}
	if len(l.buf) == 0 {
		l.hasBuf = false
	}
}

// flushBuffered writes whatever is left in the pending buffer (fewer than
// groupSize bytes) as a short final group.
func (l *Log) flushBuffered() {
	if !l.hasBuf || len(l.buf) == 0 {
		l.hasBuf = false
		return
	}
	l.writeGroup(l.pending, l.buf)
	l.buf = nil
	l.hasBuf = false
}

// LogDiscard writes a banner, the discarded bytes, and an "End discard."
// marker. Discards always flush any pending sent/received buffer first so
// the discard banner never interleaves with a half-written group.
func (l *Log) LogDiscard(b []byte, exiting bool) {
	l.flushBuffered()
	banner := "Discarded:"
	if exiting {
		banner = "Discarded on exit:"
	}
	fmt.Fprintln(l.w, banner)
	for i := 0; i < len(b); i += groupSize {
		end := i + groupSize
		if end > len(b) {
			end = len(b)
		}
		fmt.Fprintln(l.w, formatGroup(b[i:end]))
	}
	fmt.Fprintln(l.w, "End discard.")
}

func (l *Log) writeGroup(dir direction, b []byte) {
	line := formatGroup(b)
	if dir == sent {
		fmt.Fprintf(l.w, "%-48s\n", line)
	} else {
		fmt.Fprintf(l.w, "%48s\n", line)
	}
}

// formatGroup renders up to groupSize bytes as hex pairs followed by an
// ASCII gutter, non-printable bytes shown as '.'.
func formatGroup(b []byte) string {
	var hex strings.Builder
	var ascii strings.Builder
	for _, c := range b {
		fmt.Fprintf(&hex, "%02X ", c)
		if c >= 0x20 && c < 0x7f {
			ascii.WriteByte(c)
		} else {
			ascii.WriteByte('.')
		}
	}
	return fmt.Sprintf("%-24s |%s|", hex.String(), ascii.String())
}

// Flush writes whichever buffer is non-empty (at most one, by invariant) and
// flushes the underlying writer.
func (l *Log) Flush() error {
	l.flushBuffered()
	return l.w.Flush()
}

// Close flushes and releases the underlying file. Dropping buffered bytes
// on close would silently truncate the transcript, so Close always flushes
// first.
func (l *Log) Close() error {
	if err := l.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}
