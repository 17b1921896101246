package erase

import (
	"bufio"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtermost/internal/config"
	"xtermost/internal/link"
	"xtermost/internal/protocol"
	"xtermost/internal/testserial"
	"xtermost/internal/xerrors"
)

func newTestEraser(t *testing.T, fp *testserial.FakePort, answer string) *Eraser {
	t.Helper()
	l, err := link.NewTestLink(fp, filepath.Join(t.TempDir(), "transcript.log"))
	require.NoError(t, err)
	proto := protocol.New(l)
	return New(proto, bufio.NewReader(strings.NewReader(answer)))
}

// TestEraseConfirmed checks the confirm path: the operator answers "y", the
// host ACKs, and completion is awaited.
func TestEraseConfirmed(t *testing.T) {
	fp := &testserial.FakePort{}
	sawConfirm := false
	fp.OnWrite = func(written []byte) []byte {
		switch {
		case len(written) == len("ERASECHIP\x00"):
			return append([]byte{config.ACK}, []byte("CONFIRM?\x00")...)
		case len(written) == 1 && written[0] == config.ACK:
			sawConfirm = true
			return []byte{config.ACK} // chip-erase completion
		}
		return nil
	}

	e := newTestEraser(t, fp, "y\n")
	require.NoError(t, e.Erase())
	assert.True(t, sawConfirm)
}

// TestEraseDeclined checks that the operator answering "n" makes the host
// NAK and Erase return nil: decline is not a failure.
func TestEraseDeclined(t *testing.T) {
	fp := &testserial.FakePort{}
	fp.OnWrite = func(written []byte) []byte {
		if len(written) == len("ERASECHIP\x00") {
			return append([]byte{config.ACK}, []byte("CONFIRM?\x00")...)
		}
		return nil
	}

	e := newTestEraser(t, fp, "n\n")
	require.NoError(t, e.Erase())

	require.Len(t, fp.Writes, 2)
	assert.Equal(t, []byte{config.NAK}, fp.Writes[1])
}

// TestEraseRepromptsOnBadAnswer exercises askOperator's re-prompt loop: a
// garbage line is rejected before a valid y/n is accepted.
func TestEraseRepromptsOnBadAnswer(t *testing.T) {
	fp := &testserial.FakePort{}
	fp.OnWrite = func(written []byte) []byte {
		switch {
		case len(written) == len("ERASECHIP\x00"):
			return append([]byte{config.ACK}, []byte("CONFIRM?\x00")...)
		case len(written) == 1 && written[0] == config.ACK:
			return []byte{config.ACK}
		}
		return nil
	}

	e := newTestEraser(t, fp, "maybe\nY\n")
	require.NoError(t, e.Erase())
	assert.Equal(t, []byte{config.ACK}, fp.Writes[len(fp.Writes)-1])
}

func TestEraseRejectsWrongConfirmationPrompt(t *testing.T) {
	fp := &testserial.FakePort{}
	fp.OnWrite = func(written []byte) []byte {
		if len(written) == len("ERASECHIP\x00") {
			return append([]byte{config.ACK}, []byte("WRONGPROMPT")...)
		}
		return nil
	}

	e := newTestEraser(t, fp, "y\n")
	err := e.Erase()
	require.Error(t, err)
	assert.Equal(t, xerrors.UnexpectedResponse, xerrors.KindOf(err))
}
