package frame

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderSplitsLines(t *testing.T) {
	dec := NewDecoder(strings.NewReader("WIND_SPEED:10\r\n\nTEMP:20\nPRESSURE:5"), 0)

	var frames []string
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}

	assert.Equal(t, []string{"WIND_SPEED:10", "TEMP:20", "PRESSURE:5"}, frames)
}

func TestDecoderDropsOversizedFrame(t *testing.T) {
	long := strings.Repeat("X", 100)
	dec := NewDecoder(strings.NewReader(long+"\nTEMP:1\n"), 16)

	_, err := dec.Next()
	require.ErrorIs(t, err, ErrFrameTooLong)

	f, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "TEMP:1", f)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderOversizedAcrossBufferBoundary(t *testing.T) {
	long := strings.Repeat("Y", 10000)
	dec := NewDecoder(strings.NewReader(long+"\nOK:1\n"), 5000)

	_, err := dec.Next()
	require.ErrorIs(t, err, ErrFrameTooLong)

	f, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "OK:1", f)
}

func TestWatchdogRequiresBothDirectionsIdle(t *testing.T) {
	start := time.Unix(1000, 0)
	w := NewWatchdog(IdlePolicy{ReadIdle: 30 * time.Second, WriteIdle: 30 * time.Second}, start)

	assert.False(t, w.Expired(start.Add(10*time.Second)))

	w.TouchWrite(start.Add(20 * time.Second))
	assert.False(t, w.Expired(start.Add(31*time.Second)), "recent write keeps connection alive")
	assert.True(t, w.Expired(start.Add(51*time.Second)))

	w.TouchRead(start.Add(60 * time.Second))
	assert.False(t, w.Expired(start.Add(70*time.Second)))
}

func TestWatchdogDisabled(t *testing.T) {
	start := time.Unix(0, 0)
	w := NewWatchdog(IdlePolicy{}, start)
	assert.False(t, w.Expired(start.Add(time.Hour)))

	readOnly := NewWatchdog(IdlePolicy{ReadIdle: time.Second}, start)
	assert.True(t, readOnly.Expired(start.Add(2*time.Second)))
}
