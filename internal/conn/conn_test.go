package conn

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T, data string) *Conn {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	go func() {
		client.Write([]byte(data))
		client.Close()
	}()
	return NewConn(server, 7)
}

func TestReadCounters(t *testing.T) {
	c := pipe(t, "\xE0\x30\x02ab")
	b, err := c.Peek(1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xE0), b[0])
	in, _ := c.Stat()
	assert.Zero(t, in)

	buf := make([]byte, 5)
	n, err := c.ReadFull(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	in, _ = c.Stat()
	assert.Equal(t, int64(5), in)
	assert.Equal(t, uint64(7), c.Cid())
}

func TestReadLine(t *testing.T) {
	c := pipe(t, "$E000\r\n$E001:00\n$E0")
	line, err := c.ReadLine(64)
	require.NoError(t, err)
	assert.Equal(t, "$E000\r", string(line))

	line, err = c.ReadLine(64)
	require.NoError(t, err)
	assert.Equal(t, "$E001:00\n", string(line))

	_, err = c.ReadLine(64)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
	in, _ := c.Stat()
	assert.Equal(t, int64(19), in)
}

func TestReadLineTooLong(t *testing.T) {
	c := pipe(t, "$E0123456789\r")
	_, err := c.ReadLine(4)
	assert.Equal(t, ErrLineTooLong, err)
}

func TestWriteCounter(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	c := NewConn(server, 1)
	go io.Copy(io.Discard, client)
	n, err := c.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, out := c.Stat()
	assert.Equal(t, int64(3), out)
	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
}
