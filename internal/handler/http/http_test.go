package http

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/s00inx/aioqserver/internal/conn"
)

type fakeBuffers struct {
	allocated   [][]byte
	deallocated [][]byte
	failNext    bool
}

func (b *fakeBuffers) AllocateBuffer(size int) []byte {
	if b.failNext {
		b.failNext = false
		return nil
	}
	buf := make([]byte, size)
	b.allocated = append(b.allocated, buf)
	return buf
}

func (b *fakeBuffers) DeallocateBuffer(buf []byte) bool {
	b.deallocated = append(b.deallocated, buf)
	return true
}

func newTestConn(t *testing.T, raw string) *conn.Connection {
	c := &conn.Connection{}
	c.EnsureRings(4096, 4096)
	dst := c.ReadRing.WriteTail()
	require.GreaterOrEqual(t, len(dst), len(raw))
	n := copy(dst, raw)
	require.True(t, c.ReadRing.WriteData(n))
	return c
}

func newTestHandler() (*Handler, *fakeBuffers) {
	buffers := &fakeBuffers{}
	h := New("", "aioqserver/1.0", buffers, zerolog.Nop())
	return h, buffers
}

func TestCanClaimRecognizesKnownMethods(t *testing.T) {
	h, _ := newTestHandler()
	c := newTestConn(t, "GET / HTTP/1.1\r\n\r\n")
	require.True(t, h.CanClaim(c))
}

func TestCanClaimRejectsUnknownToken(t *testing.T) {
	h, _ := newTestHandler()
	c := newTestConn(t, "GARBAGE / HTTP/1.1\r\n\r\n")
	require.False(t, h.CanClaim(c))
}

func TestIsFrameCompleteNeedsMoreWithoutHeaderEnd(t *testing.T) {
	h, _ := newTestHandler()
	c := newTestConn(t, "GET / HTTP/1.1\r\nHost: x\r\n")
	require.False(t, h.IsFrameComplete(c))
	require.Equal(t, conn.NeedMore, c.ParseResult)
}

func TestIsFrameCompleteGETIsCompleteAtHeaderEnd(t *testing.T) {
	h, _ := newTestHandler()
	c := newTestConn(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	require.True(t, h.IsFrameComplete(c))
	require.Equal(t, conn.Complete, c.ParseResult)
}

func TestIsFrameCompleteWithContentLengthNeedsMoreThenComplete(t *testing.T) {
	h, _ := newTestHandler()
	c := newTestConn(t, "POST /x HTTP/1.1\r\nContent-Length: 5\r\n\r\nhel")
	require.False(t, h.IsFrameComplete(c))
	require.Equal(t, conn.NeedMore, c.ParseResult)
	require.Equal(t, 2, c.BytesPending)

	dst := c.ReadRing.WriteTail()
	n := copy(dst, "lo")
	c.ReadRing.WriteData(n)

	require.True(t, h.IsFrameComplete(c))
	require.Equal(t, conn.Complete, c.ParseResult)
}

func TestIsFrameCompleteDetectsChunked(t *testing.T) {
	h, _ := newTestHandler()
	c := newTestConn(t, "POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n")
	require.True(t, h.IsFrameComplete(c))
	require.Equal(t, conn.ChunkedUnsupported, c.ParseResult)
}

func TestIsFrameCompleteInvalidContentLength(t *testing.T) {
	h, _ := newTestHandler()
	c := newTestConn(t, "POST /x HTTP/1.1\r\nContent-Length: abc\r\n\r\n")
	require.True(t, h.IsFrameComplete(c))
	require.Equal(t, conn.InvalidFormat, c.ParseResult)
}

func readWriteRing(c *conn.Connection) string {
	seg1, seg2 := c.WriteRing.PeekAll()
	return string(seg1) + string(seg2)
}

func TestHandleServesIndexGreeting(t *testing.T) {
	h, _ := newTestHandler()
	c := newTestConn(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	require.True(t, h.IsFrameComplete(c))
	h.Handle(c)

	resp := readWriteRing(c)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK"))
	require.Contains(t, resp, "aioqserver")
	require.False(t, c.CloseAfterWrite)
}

func TestHandleServesStaticFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page.html"), []byte("<p>hi</p>"), 0o644))

	buffers := &fakeBuffers{}
	h := New(dir, "aioqserver/1.0", buffers, zerolog.Nop())
	c := newTestConn(t, "GET /page.html HTTP/1.1\r\nHost: x\r\n\r\n")
	require.True(t, h.IsFrameComplete(c))
	h.Handle(c)

	resp := readWriteRing(c)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK"))
	require.Contains(t, resp, "<p>hi</p>")
	require.Contains(t, resp, "text/html")
}

func TestHandleStaticFileNotFound(t *testing.T) {
	dir := t.TempDir()
	h, _ := newTestHandler()
	h.Root = dir
	c := newTestConn(t, "GET /missing.html HTTP/1.1\r\nHost: x\r\n\r\n")
	require.True(t, h.IsFrameComplete(c))
	h.Handle(c)

	resp := readWriteRing(c)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 404 Not Found"))
}

func TestHandleRejectsPathTraversal(t *testing.T) {
	h, _ := newTestHandler()
	c := newTestConn(t, "GET /../../etc/passwd HTTP/1.1\r\nHost: x\r\n\r\n")
	require.True(t, h.IsFrameComplete(c))
	h.Handle(c)

	resp := readWriteRing(c)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 400 Bad Request"))
}

func TestHandlePostAcknowledged(t *testing.T) {
	h, _ := newTestHandler()
	c := newTestConn(t, "POST /submit HTTP/1.1\r\nContent-Length: 4\r\n\r\nabcd")
	require.True(t, h.IsFrameComplete(c))
	h.Handle(c)

	resp := readWriteRing(c)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK"))
	require.Contains(t, resp, "POST received")
}

func TestHandleUnknownMethodReturns405(t *testing.T) {
	h, _ := newTestHandler()
	c := newTestConn(t, "DELETE /thing HTTP/1.1\r\nHost: x\r\n\r\n")
	require.True(t, h.IsFrameComplete(c))
	h.Handle(c)

	resp := readWriteRing(c)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 405 Method Not Allowed"))
}

func TestHandleChunkedReturns501AndClosesAfterWrite(t *testing.T) {
	h, _ := newTestHandler()
	c := newTestConn(t, "POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n")
	require.True(t, h.IsFrameComplete(c))
	h.Handle(c)

	resp := readWriteRing(c)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 501 Not Implemented"))
	require.True(t, c.CloseAfterWrite)
}

func TestHandleSpillsOverflowWhenResponseExceedsWriteRing(t *testing.T) {
	buffers := &fakeBuffers{}
	h := New("", "aioqserver/1.0", buffers, zerolog.Nop())

	c := &conn.Connection{}
	c.EnsureRings(4096, 64)
	dst := c.ReadRing.WriteTail()
	body := bytes.Repeat([]byte("x"), 4000)
	req := fmt.Sprintf("POST /echo HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	n := copy(dst, req)
	require.True(t, c.ReadRing.WriteData(n))

	require.True(t, h.IsFrameComplete(c))
	h.Handle(c)

	require.True(t, c.OverflowInUse)
	require.Greater(t, c.BytesPending, 0)
	require.Len(t, buffers.allocated, 1)
	// The handler hands the reactor OverflowAlloc, not Overflow itself,
	// since draining the ring reslices Overflow and would otherwise lose
	// the pointer DeallocateBuffer needs once the ring is fully drained.
	require.Same(t, &buffers.allocated[0][0], &c.OverflowAlloc[0])
	require.Empty(t, buffers.deallocated)
}
