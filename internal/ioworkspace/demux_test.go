package ioworkspace

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(streamID byte, payload string) []byte {
	header := make([]byte, frameHeaderLen)
	header[0] = streamID
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	return append(header, []byte(payload)...)
}

func TestDemuxStdioMergesStreams(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frame(streamStdout, "line one"))
	buf.Write(frame(streamStderr, "line two"))
	buf.Write(frame(streamStdout, "line three"))

	out, err := DemuxStdio(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\nline three\n", out)
}

func TestDemuxStdioSuppressesEmptySegments(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frame(streamStdout, "hello"))
	buf.Write(frame(streamStdout, ""))
	buf.Write(frame(streamStderr, "world"))

	out, err := DemuxStdio(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", out)
}

func TestDemuxStdioHandlesSplitChunks(t *testing.T) {
	whole := frame(streamStdout, "chunked payload")
	reader := &chunkedReader{chunks: splitBytes(whole, 3)}

	out, err := DemuxStdio(reader, 0)
	require.NoError(t, err)
	assert.Equal(t, "chunked payload\n", out)
}

func TestDemuxStdioRespectsByteLimit(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frame(streamStdout, "0123456789"))

	out, err := DemuxStdio(&buf, 5)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 5)
}

type chunkedReader struct {
	chunks [][]byte
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n == len(r.chunks[0]) {
		r.chunks = r.chunks[1:]
	} else {
		r.chunks[0] = r.chunks[0][n:]
	}
	return n, nil
}

func splitBytes(b []byte, size int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		if size > len(b) {
			size = len(b)
		}
		out = append(out, b[:size])
		b = b[size:]
	}
	return out
}
