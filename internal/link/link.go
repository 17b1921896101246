// Package link wraps a byte-oriented serial port with the read/write
// primitives, timeout-stack discipline, and transcript mirroring this driver
// needs. It's the lowest layer of the driver: Protocol is built on top of a
// *Link and never touches go.bug.st/serial directly.
package link

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"xtermost/internal/config"
	"xtermost/internal/transcript"
	"xtermost/internal/xerrors"
)

// port is the slice of go.bug.st/serial.Port that Link actually uses. Tests
// drive Link through a fake implementing just this interface instead of the
// full serial.Port surface (DTR/RTS lines, modem status bits, breaks) that
// this driver never touches.
type port interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

// Link is a blocking, single-threaded serial connection with a scoped
// read-timeout override stack and an append-only transcript of every byte
// sent, received or discarded.
type Link struct {
	port    port
	log     *transcript.Log
	timeout []time.Duration // stack of prior read timeouts; current is the last element
}

// Open acquires portName at 115200 8-N-1 and creates a fresh transcript at
// transcriptPath. The returned Link owns both the port and the transcript
// for its lifetime; callers must call CleanupForExit on every exit path.
func Open(portName, transcriptPath string) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	sp, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(xerrors.New(xerrors.IO, "port unavailable"), "opening %s: %v", portName, err)
	}

	tlog, err := transcript.Create(transcriptPath)
	if err != nil {
		sp.Close()
		return nil, errors.Wrap(err, "creating transcript")
	}

	l := &Link{
		port:    sp,
		log:     tlog,
		timeout: []time.Duration{config.NormalTimeout},
	}
	if err := l.applyTimeout(); err != nil {
		sp.Close()
		tlog.Close()
		return nil, err
	}
	return l, nil
}

// TestPort is the minimal serial-port surface a fake device must implement
// to drive a Link in tests (protocol, program, erase), without pulling in
// go.bug.st/serial or real hardware.
type TestPort interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

// NewTestLink builds a Link around p with a fresh transcript at
// transcriptPath. Production code always goes through Open.
func NewTestLink(p TestPort, transcriptPath string) (*Link, error) {
	tlog, err := transcript.Create(transcriptPath)
	if err != nil {
		return nil, err
	}
	return &Link{port: p, log: tlog, timeout: []time.Duration{config.NormalTimeout}}, nil
}

func (l *Link) currentTimeout() time.Duration {
	return l.timeout[len(l.timeout)-1]
}

func (l *Link) applyTimeout() error {
	if err := l.port.SetReadTimeout(l.currentTimeout()); err != nil {
		return errors.Wrap(xerrors.New(xerrors.IO, "set read timeout"), err.Error())
	}
	return nil
}

// SetReadTimeout replaces the active timeout outright, without pushing.
func (l *Link) SetReadTimeout(d time.Duration) error {
	l.timeout[len(l.timeout)-1] = d
	return l.applyTimeout()
}

// PushReadTimeout overrides the active read timeout and returns a function
// that restores the previous value. Callers use `defer link.PushReadTimeout(x)()`
// so the timeout stack balances on every exit path, including error returns.
func (l *Link) PushReadTimeout(d time.Duration) func() {
	l.timeout = append(l.timeout, d)
	l.applyTimeout() //nolint:errcheck // SetReadTimeout on an already-open port does not fail in practice
	return func() {
		l.timeout = l.timeout[:len(l.timeout)-1]
		l.applyTimeout() //nolint:errcheck
	}
}

// TimeoutDepth reports the current stack depth; tests use this to assert
// that every push is eventually popped.
func (l *Link) TimeoutDepth() int {
	return len(l.timeout)
}

// Write sends all of b synchronously and mirrors it to the transcript.
func (l *Link) Write(b []byte) error {
	n, err := l.port.Write(b)
	if err != nil {
		return errors.Wrap(xerrors.New(xerrors.IO, "write"), err.Error())
	}
	if n != len(b) {
		return xerrors.Newf(xerrors.IO, "short write: wrote %d of %d bytes", n, len(b))
	}
	l.log.LogSent(b)
	return nil
}

// WriteNulTerminated writes the ASCII bytes of text followed by a single
// NUL, the framing every command and response string on the wire uses.
func (l *Link) WriteNulTerminated(text string) error {
	return l.Write(append([]byte(text), config.NUL))
}

// ReadByte blocks up to the active timeout for exactly one byte.
func (l *Link) ReadByte() (byte, error) {
	buf := make([]byte, 1)
	if err := l.readExactRaw(buf, 1); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadExact blocks until exactly count bytes have been read into buf, or the
// active timeout fires first.
func (l *Link) ReadExact(buf []byte, count int) error {
	return l.readExactRaw(buf, count)
}

func (l *Link) readExactRaw(buf []byte, count int) error {
	deadline := time.Now().Add(l.currentTimeout())
	read := 0
	for read < count {
		remaining := deadline.Sub(time.Now())
		if remaining <= 0 {
			return xerrors.New(xerrors.Timeout, "read timed out")
		}
		// go.bug.st/serial enforces its own per-Read timeout via
		// SetReadTimeout; we additionally bound the loop with a wall
		// clock deadline so a string of short reads can't exceed the
		// timeout in aggregate.
		n, err := l.port.Read(buf[read:count])
		if err != nil {
			return errors.Wrap(xerrors.New(xerrors.IO, "read"), err.Error())
		}
		if n == 0 {
			return xerrors.New(xerrors.Timeout, "read timed out")
		}
		read += n
	}
	l.log.LogReceived(buf[:count])
	return nil
}

// DiscardInputBuffer drains any bytes currently buffered on the port without
// blocking for more than a short grace period, logging the discard distinctly
// depending on whether the process is exiting.
func (l *Link) DiscardInputBuffer(exiting bool) {
	var discarded []byte
	buf := make([]byte, 256)
	prevTimeout := l.currentTimeout()
	l.port.SetReadTimeout(50 * time.Millisecond) //nolint:errcheck
	for {
		n, err := l.port.Read(buf)
		if err != nil || n == 0 {
			break
		}
		discarded = append(discarded, buf[:n]...)
	}
	l.port.SetReadTimeout(prevTimeout) //nolint:errcheck
	l.log.LogDiscard(discarded, exiting)
}

// CleanupForExit sleeps briefly to catch in-flight transmissions, discards
// them, and closes the transcript. It is the scoped-release counterpart to
// Open and must run on every Driver exit path, success or failure.
func (l *Link) CleanupForExit() {
	time.Sleep(50 * time.Millisecond)
	l.DiscardInputBuffer(true)
	if err := l.log.Close(); err != nil {
		logrus.WithError(err).Warn("closing transcript")
	}
	if err := l.port.Close(); err != nil {
		logrus.WithError(err).Warn("closing serial port")
	}
}
