package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSentAndReceivedProduceDistinctColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.log")
	l, err := Create(path)
	require.NoError(t, err)

	l.LogSent([]byte("PROGRAMSECTOR\x00"))
	l.LogReceived([]byte{0x06})
	require.NoError(t, l.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(contents)

	assert.Contains(t, text, "50 52 4F")
	assert.Contains(t, text, "|PROGRAMS|")
	assert.Contains(t, text, "06")
}

// TestBufferOrderingInvariant checks that switching direction flushes the
// pending sent bytes before the received byte that followed them, and that
// the discard banners appear in call order with their terminators.
func TestBufferOrderingInvariant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.log")
	l, err := Create(path)
	require.NoError(t, err)

	l.LogSent([]byte{0x01, 0x02, 0x03})
	// Switching direction mid-group must flush the pending sent buffer
	// before any received bytes are recorded.
	l.LogReceived([]byte{0x06})
	l.LogDiscard([]byte{0xFF, 0xFE}, false)
	l.LogDiscard([]byte{0xAA}, true)
	require.NoError(t, l.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(string(contents), "\n")

	// The discard banners must appear, each followed by its bytes and an
	// explicit terminator, and never mid-way through another group's line.
	joined := strings.Join(lines, "\n")
	sentLine := strings.Index(joined, "01 02 03 ")
	receivedLine := strings.Index(joined, "06 ")
	require.True(t, sentLine >= 0 && receivedLine >= 0)
	assert.True(t, sentLine < receivedLine)
	assert.Contains(t, joined, "Discarded:")
	assert.Contains(t, joined, "Discarded on exit:")
	assert.Contains(t, joined, "End discard.")

	// "Discarded:" must come before its own "End discard." and before the
	// second banner, preserving causal order of the three log calls.
	firstBanner := strings.Index(joined, "Discarded:")
	firstEnd := strings.Index(joined, "End discard.")
	secondBanner := strings.Index(joined, "Discarded on exit:")
	assert.True(t, firstBanner < firstEnd)
	assert.True(t, firstEnd < secondBanner)
}

func TestFlushWritesAtMostOnePendingBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.log")
	l, err := Create(path)
	require.NoError(t, err)

	l.LogSent([]byte{0x11, 0x22})
	assert.True(t, l.hasBuf)
	assert.Equal(t, sent, l.pending)

	require.NoError(t, l.Flush())
	assert.False(t, l.hasBuf)
	require.NoError(t, l.Close())
}
