package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLinkType(t *testing.T) {
	for _, s := range []string{"serial", "RFCOMM", " ble "} {
		_, err := ParseLinkType(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseLinkType("usb")
	assert.Error(t, err)
}

func TestParseBDAddr(t *testing.T) {
	addr, err := parseBDAddr("00:1D:A5:68:98:8B")
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0x8B, 0x98, 0x68, 0xA5, 0x1D, 0x00}, addr)

	for _, bad := range []string{"", "00:1D:A5:68:98", "00:1D:A5:68:98:ZZ", "001DA568988B"} {
		_, err := parseBDAddr(bad)
		assert.Error(t, err, bad)
	}
}

func TestSerialScan(t *testing.T) {
	d := NewSerialDriver(SerialConfig{
		Ports:    []string{"/dev/rfcomm0"},
		Prefixes: []string{"/dev/rfcomm", "/dev/ttyUSB"},
	})
	d.listPorts = func() ([]string, error) {
		return []string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/rfcomm0"}, nil
	}

	devices, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "/dev/rfcomm0", devices[0].ID)
	assert.Equal(t, "rfcomm0", devices[0].Name)
	assert.Equal(t, "/dev/ttyUSB0", devices[1].Address)
}

type recordingWriter struct {
	chunks [][]byte
}

func (w *recordingWriter) WriteWithoutResponse(p []byte) (int, error) {
	w.chunks = append(w.chunks, append([]byte(nil), p...))
	return len(p), nil
}

func TestBLELink(t *testing.T) {
	tx := &recordingWriter{}
	disconnected := false
	l := newBLELink(tx, func() error { disconnected = true; return nil }, 20*time.Millisecond)

	n, err := l.Write([]byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ\r"))
	require.NoError(t, err)
	assert.Equal(t, 37, n)
	require.Len(t, tx.chunks, 2)
	assert.Len(t, tx.chunks[0], bleMTU)

	buf := make([]byte, 64)
	n, err = l.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	l.push([]byte("41 0C "))
	l.push([]byte("1A 2B\r>"))
	n, err = l.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "41 0C 1A 2B\r>", string(buf[:n]))

	l.push([]byte("STALE>"))
	require.NoError(t, l.Flush())
	n, _ = l.Read(buf)
	assert.Zero(t, n)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.True(t, disconnected)
	_, err = l.Read(buf)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestAwaitDialReturnsResult(t *testing.T) {
	results := make(chan dialResult[string], 1)
	results <- dialResult[string]{conn: "conn"}

	conn, err := awaitDial(context.Background(), results, func(string, error) {
		t.Fatal("release для полученного соединения")
	})
	require.NoError(t, err)
	assert.Equal(t, "conn", conn)
}

func TestAwaitDialReleasesLateConnection(t *testing.T) {
	results := make(chan dialResult[string], 1)
	released := make(chan string, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := awaitDial(ctx, results, func(conn string, err error) {
		if err == nil {
			released <- conn
		}
	})
	require.ErrorIs(t, err, context.Canceled)

	// подключение завершилось уже после отмены
	results <- dialResult[string]{conn: "late"}
	select {
	case conn := <-released:
		assert.Equal(t, "late", conn)
	case <-time.After(time.Second):
		t.Fatal("соединение после отмены не закрыто")
	}
}
