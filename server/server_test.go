package server

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/s00inx/aioqserver/internal/config"
)

// boundPort reads back the ephemeral port the kernel assigned when the
// server was configured with ListenPort 0.
func boundPort(t *testing.T, fd int) int {
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	in4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	return in4.Port
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ListenPort = -1
	_, err := New(cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestServerServesGreetingEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.ListenPort = 0
	cfg.MaxConnections = 32
	cfg.RingBufferBytes = 4096
	cfg.BuddyPoolBytes = 64 * 1024
	cfg.BuddyMinBlock = 4096

	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	port := boundPort(t, srv.listenFd)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	conn, err := net.DialTimeout("tcp4", "127.0.0.1:"+strconv.Itoa(port), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	n, err := readSome(conn, buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "200 OK")

	cancel()
	srv.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after cancellation")
	}
}

func readSome(r io.Reader, buf []byte) (int, error) {
	for {
		n, err := r.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func TestParseIPv4(t *testing.T) {
	got := parseIPv4("127.0.0.1")
	require.NotNil(t, got)
	require.Equal(t, [4]byte{127, 0, 0, 1}, *got)

	require.Nil(t, parseIPv4("not-an-ip"))
	require.Nil(t, parseIPv4("1.2.3.4.5"))
	require.Nil(t, parseIPv4("1.2.3.999"))
}
