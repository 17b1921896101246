package protocol

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtermost/internal/config"
	"xtermost/internal/link"
	"xtermost/internal/testserial"
	"xtermost/internal/xerrors"
)

func newTestLink(t *testing.T, fp *testserial.FakePort) *link.Link {
	t.Helper()
	l, err := link.NewTestLink(fp, filepath.Join(t.TempDir(), "transcript.log"))
	require.NoError(t, err)
	return l
}

// TestBootstrapHappyPath checks that a clean WAITING\0 broadcast is ACKed
// and the protocol reaches Idle.
func TestBootstrapHappyPath(t *testing.T) {
	fp := &testserial.FakePort{}
	fp.FeedAfterDrain([]byte("WAITING\x00"))
	l := newTestLink(t, fp)
	p := New(l)

	require.NoError(t, p.Bootstrap())
	assert.Equal(t, Idle, p.State())
	assert.Equal(t, []byte{config.ACK}, fp.Writes[0])
}

// TestBootstrapGarbageThenMessage checks that garbage bytes accumulate in
// the prelude and are discarded once the real broadcast is seen.
func TestBootstrapGarbageThenMessage(t *testing.T) {
	fp := &testserial.FakePort{}
	fp.FeedAfterDrain([]byte{0xff, 0xa5})
	fp.FeedAfterDrain([]byte("WAITING\x00"))
	l := newTestLink(t, fp)
	p := New(l)

	require.NoError(t, p.Bootstrap())
	assert.Equal(t, Idle, p.State())
}

func TestBootstrapFailsOnWrongMessage(t *testing.T) {
	fp := &testserial.FakePort{}
	fp.FeedAfterDrain([]byte("NOTWAITNG\x00"))
	l := newTestLink(t, fp)
	p := New(l)

	err := p.Bootstrap()
	require.Error(t, err)
	assert.Equal(t, xerrors.UnexpectedResponse, xerrors.KindOf(err))
}

// TestSendCommandRetryBudget checks that against a peer that NAKs the first
// N responses and ACKs the rest, SendCommand succeeds iff N <= NumRetries.
func TestSendCommandRetryBudget(t *testing.T) {
	cases := []struct {
		naks      int
		wantError bool
	}{
		{naks: 0, wantError: false},
		{naks: config.NumRetries, wantError: false},
		{naks: config.NumRetries + 1, wantError: true},
	}

	for _, tc := range cases {
		fp := &testserial.FakePort{}
		attempt := 0
		fp.OnWrite = func(written []byte) []byte {
			attempt++
			if attempt <= tc.naks {
				return append([]byte{config.NAK}, []byte("busy\x00")...)
			}
			return []byte{config.ACK}
		}
		l := newTestLink(t, fp)
		p := New(l)

		err := p.SendCommand("PROGRAMSECTOR")
		if tc.wantError {
			require.Error(t, err, "naks=%d", tc.naks)
			assert.Equal(t, xerrors.RetriesExhausted, xerrors.KindOf(err))
		} else {
			require.NoError(t, err, "naks=%d", tc.naks)
		}
	}
}

func TestSendCommandUnexpectedResponseFailsFast(t *testing.T) {
	fp := &testserial.FakePort{}
	fp.OnWrite = func([]byte) []byte {
		return []byte{0x42}
	}
	l := newTestLink(t, fp)
	p := New(l)

	err := p.SendCommand("DONE")
	require.Error(t, err)
	assert.Equal(t, xerrors.UnexpectedResponse, xerrors.KindOf(err))
	assert.Equal(t, 1, fp.WriteCount())
}

func TestSendCommandTimeoutFailsFast(t *testing.T) {
	saved := config.NormalTimeout
	config.NormalTimeout = 20 * time.Millisecond
	defer func() { config.NormalTimeout = saved }()

	fp := &testserial.FakePort{} // never replies
	l := newTestLink(t, fp)
	p := New(l)

	err := p.SendCommand("DONE")
	require.Error(t, err)
	assert.Equal(t, xerrors.Timeout, xerrors.KindOf(err))
}

func TestWaitForCompletionACK(t *testing.T) {
	fp := &testserial.FakePort{}
	fp.Feed([]byte{config.ACK})
	l := newTestLink(t, fp)
	p := New(l)

	require.NoError(t, p.WaitForCompletion("sector programming", true))
}

func TestWaitForCompletionNAKReportsDeviceError(t *testing.T) {
	fp := &testserial.FakePort{}
	fp.Feed(append([]byte{config.NAK}, []byte("erase failed\x00")...))
	l := newTestLink(t, fp)
	p := New(l)

	err := p.WaitForCompletion("chip erase", false)
	require.Error(t, err)
	assert.Equal(t, xerrors.DeviceReportedError, xerrors.KindOf(err))
	assert.Contains(t, err.Error(), "erase failed")
}

// TestTimeoutStackBalance checks that every operation pushes and pops its
// read-timeout override in equal measure, regardless of success or failure.
func TestTimeoutStackBalance(t *testing.T) {
	fp := &testserial.FakePort{}
	fp.FeedAfterDrain([]byte("WAITING\x00"))
	l := newTestLink(t, fp)
	p := New(l)

	depthBefore := l.TimeoutDepth()
	require.NoError(t, p.Bootstrap())
	assert.Equal(t, depthBefore, l.TimeoutDepth())

	fp.OnWrite = func([]byte) []byte { return []byte{config.ACK} }
	require.NoError(t, p.SendCommand("DONE"))
	assert.Equal(t, depthBefore, l.TimeoutDepth())

	fp2 := &testserial.FakePort{}
	fp2.OnWrite = func([]byte) []byte { return []byte{0x42} }
	l2 := newTestLink(t, fp2)
	p2 := New(l2)
	depthBefore2 := l2.TimeoutDepth()
	err := p2.SendCommand("DONE")
	require.Error(t, err)
	assert.Equal(t, depthBefore2, l2.TimeoutDepth())
}
