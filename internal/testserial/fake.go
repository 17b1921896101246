// Package testserial provides an in-memory stand-in for go.bug.st/serial.Port
// so protocol, program, erase and writer tests can drive a *link.Link without
// real hardware attached.
package testserial

import "time"

// FakePort implements link.TestPort. Writes are recorded; OnWrite lets a
// test react to a write by enqueueing the device's reply, modelling the
// synchronous request/response shape of the protocol under test.
type FakePort struct {
	pending []byte
	delayed []byte
	Writes  [][]byte
	OnWrite func(written []byte) []byte
	closed  bool
}

// Write records b and, if OnWrite is set, enqueues its returned reply.
func (f *FakePort) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	f.Writes = append(f.Writes, cp)
	if f.OnWrite != nil {
		if reply := f.OnWrite(cp); len(reply) > 0 {
			f.pending = append(f.pending, reply...)
		}
	}
	return len(b), nil
}

// Read drains the pending queue. An empty queue returns (0, nil), matching
// go.bug.st/serial's behaviour on a read-timeout with no data available;
// that empty read also releases any bytes queued by FeedAfterDrain.
func (f *FakePort) Read(b []byte) (int, error) {
	if len(f.pending) == 0 {
		f.pending, f.delayed = f.delayed, nil
		return 0, nil
	}
	n := copy(b, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

// Close marks the fake closed.
func (f *FakePort) Close() error {
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakePort) Closed() bool {
	return f.closed
}

// SetReadTimeout is a no-op; the fake never blocks.
func (f *FakePort) SetReadTimeout(time.Duration) error {
	return nil
}

// Feed enqueues bytes as if the device had sent them unprompted, e.g. the
// bootstrap broadcast.
func (f *FakePort) Feed(b []byte) {
	f.pending = append(f.pending, b...)
}

// FeedAfterDrain enqueues bytes that become readable only after a read has
// found the queue empty, as if the device sent them after the host drained
// its input, e.g. the bootstrap broadcast the device repeats once a second.
func (f *FakePort) FeedAfterDrain(b []byte) {
	f.delayed = append(f.delayed, b...)
}

// WriteCount reports how many separate Write calls were recorded.
func (f *FakePort) WriteCount() int {
	return len(f.Writes)
}
