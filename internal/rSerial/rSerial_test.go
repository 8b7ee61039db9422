package rserial

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// chunkReader hands out its data a few bytes at a time, like a slow UART.
type chunkReader struct {
	data  string
	chunk int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.data == "" {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func (c *chunkReader) Close() error { return nil }

func collect(t *testing.T, r io.ReadCloser, maxLine int) ([]string, error) {
	t.Helper()
	queue := make(chan []byte, 32)
	rs := NewRSerialFromReader(r, "test", queue, zap.NewNop(), maxLine, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- rs.Run(context.Background()) }()

	var lines []string
	for line := range queue {
		lines = append(lines, string(line))
	}
	return lines, <-errCh
}

func TestLinesAreFramedAcrossReads(t *testing.T) {
	input := "$GPRMC,a*00\r\n$GPVTG,b*00\r\n$GPGGA,c*00\r\n"
	lines, err := collect(t, &chunkReader{data: input, chunk: 5}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"$GPRMC,a*00", "$GPVTG,b*00", "$GPGGA,c*00"}, lines)
}

func TestMissingCarriageReturnIsDropped(t *testing.T) {
	input := "good one\r\nbad one\ngood two\r\n"
	lines, err := collect(t, io.NopCloser(strings.NewReader(input)), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"good one", "good two"}, lines)
}

func TestOverlongLineResyncs(t *testing.T) {
	input := strings.Repeat("x", 40) + "\r\ntail of garbage\r\nok\r\n"
	lines, err := collect(t, &chunkReader{data: input, chunk: 8}, 16)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, lines)
}

func TestReadLinesReportsOutOfSync(t *testing.T) {
	queue := make(chan []byte, 4)
	rs := NewRSerialFromReader(io.NopCloser(strings.NewReader("abc\n")), "test", queue, zap.NewNop(), 0, nil)

	err := rs.ReadLines(context.Background())
	var oos *OutOfSyncError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, []byte("abc\n"), oos.ByteSequence)
	assert.Empty(t, queue)
}

func TestRunStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	queue := make(chan []byte)
	rs := NewRSerialFromReader(pr, "pipe", queue, zap.NewNop(), 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rs.Run(ctx) }()

	go func() { _, _ = pw.Write([]byte("first\r\n")) }()
	select {
	case line := <-queue:
		assert.Equal(t, "first", string(line))
	case <-time.After(time.Second):
		t.Fatal("no line")
	}

	cancel()
	// unblock the pending Read so the loop can observe the cancellation
	go func() { _, _ = pw.Write([]byte("x")) }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
	_, open := <-queue
	assert.False(t, open)
}
