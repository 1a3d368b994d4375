// Package http implements the HTTP/1.1 protocol handler of spec.md §4.H:
// CRLFCRLF + Content-Length framing, request-line/header parsing, a
// fixed greeting for "/" and "/index.html", static file serving out of
// a single root with path-traversal hardening, and a response builder
// that mirrors the teacher's zero-copy protocol/builder.go.
package http

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/s00inx/aioqserver/internal/conn"
)

// Sentinel parse outcomes, ported from the teacher's
// server/protocol/errors.go (errInvalid/errIncomplete) into this
// package's request-line parser.
var (
	errInvalidRequest    = errors.New("http: invalid request")
	errIncompleteRequest = errors.New("http: incomplete request")
)

const (
	maxHeaders  = 64
	writeChunk  = 4096
	crlfcrlf    = "\r\n\r\n"
	contentLenH = "content-length"
	chunkedH    = "transfer-encoding"

	// responseHeaderHint sizes the initial capacity of writeResponse's
	// buffer; it only needs to be in the right ballpark since append
	// grows it anyway.
	responseHeaderHint = 128
)

// appendUint writes n in decimal onto dst with no intermediate
// allocation, adapted from the teacher's server/protocol/builder.go
// IntToBuf (itself built for the same zero-alloc Content-Length framing
// concern this handler now serves).
func appendUint(dst []byte, n uint) []byte {
	if n == 0 {
		return append(dst, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte('0' + n%10)
		n /= 10
	}
	return append(dst, tmp[i:]...)
}

var allowedMethods = [][]byte{
	[]byte("GET"), []byte("POST"), []byte("PUT"),
	[]byte("DELETE"), []byte("HEAD"), []byte("OPTIONS"),
}

var statusReasons = map[int]string{
	200: "200 OK",
	400: "400 Bad Request",
	404: "404 Not Found",
	405: "405 Method Not Allowed",
	500: "500 Internal Server Error",
	501: "501 Not Implemented",
}

var extMIME = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// BufferAllocator is the two-tier pool surface this handler needs to
// size, and later release, the overflow buffer backing a frame too
// large for one ring buffer or a response too large for one write.
type BufferAllocator interface {
	AllocateBuffer(size int) []byte
	DeallocateBuffer(buf []byte) bool
}

type header struct{ key, val []byte }

type requestLine struct {
	method, path, protocol []byte
	headers                []header
	body                   []byte
}

// Handler implements dispatcher.Handler for HTTP/1.1.
type Handler struct {
	Root        string
	ServerToken string

	buffers BufferAllocator
	log     zerolog.Logger
}

// New constructs an HTTP handler. root is the static file directory
// (e.g. "./html"); token is the value sent in the Server header.
func New(root, token string, buffers BufferAllocator, log zerolog.Logger) *Handler {
	return &Handler{Root: root, ServerToken: token, buffers: buffers, log: log}
}

// Name identifies this handler's protocol tag.
func (h *Handler) Name() conn.TaskType { return conn.TaskHTTP }

// CanClaim is a cheap signature probe: the first token in the read
// ring must be one of the methods this handler understands, followed
// by a space. It never mutates conn or advances any cursor.
func (h *Handler) CanClaim(c *conn.Connection) bool {
	seg1, seg2 := c.ReadRing.PeekAll()
	var probe [8]byte
	n := copy(probe[:], seg1)
	if n < len(probe) {
		n += copy(probe[n:], seg2)
	}
	for _, m := range allowedMethods {
		if n > len(m) && bytes.Equal(probe[:len(m)], m) && probe[len(m)] == ' ' {
			return true
		}
	}
	return false
}

// IsFrameComplete implements spec.md §4.H's framing rule: CRLFCRLF
// marks header-end; a parsed Content-Length decides whether the body
// has fully arrived; Transfer-Encoding: chunked is rejected outright.
func (h *Handler) IsFrameComplete(c *conn.Connection) bool {
	c.ReadRing.Compact()
	raw, _ := c.ReadRing.PeekAll()

	headersEnd := bytes.Index(raw, []byte(crlfcrlf))
	if headersEnd == -1 {
		c.ParseResult = conn.NeedMore
		c.BytesPending = 0
		return false
	}
	headerBlock := raw[:headersEnd]

	if clVal, ok := findHeaderValue(headerBlock, contentLenH); ok {
		length, err := parseContentLength(clVal)
		if err != nil {
			c.ParseResult = conn.InvalidFormat
			c.BytesPending = 0
			return true
		}
		total := headersEnd + 4 + length
		if len(raw) >= total {
			c.ParseResult = conn.Complete
			c.BytesPending = 0
			return true
		}
		c.ParseResult = conn.NeedMore
		c.BytesPending = total - len(raw)
		return false
	}

	if hasChunkedEncoding(headerBlock) {
		c.ParseResult = conn.ChunkedUnsupported
		c.BytesPending = 0
		return true
	}

	c.ParseResult = conn.Complete
	c.BytesPending = 0
	return true
}

// Handle parses the completed frame and writes a response into
// c.WriteRing (spilling into an overflow buffer when the response
// outgrows the ring), per spec.md §4.H's Handling/Response
// emission/Post-processing subsections.
func (h *Handler) Handle(c *conn.Connection) {
	switch c.ParseResult {
	case conn.ChunkedUnsupported:
		h.respondAndClose(c, 501, "text/plain; charset=utf-8", []byte("Chunked encoding not supported"))
		return
	case conn.InvalidFormat:
		h.respondAndClose(c, 400, "text/plain; charset=utf-8", []byte("Bad Request"))
		return
	}

	ringReadable := c.ReadRing.ReadableSize()
	raw := rawView(c)

	req, total, err := parseRequest(raw)
	if err != nil {
		h.finishFrame(c, ringReadable)
		h.respondAndClose(c, 400, "text/plain; charset=utf-8", []byte("Bad Request"))
		return
	}

	consumed := total
	if consumed > ringReadable {
		consumed = ringReadable
	}
	h.finishFrame(c, consumed)

	switch {
	case bytes.Equal(req.method, []byte("GET")) && isIndexPath(req.path):
		h.serveGreeting(c)
	case bytes.Equal(req.method, []byte("GET")):
		h.serveStatic(c, string(req.path))
	case bytes.Equal(req.method, []byte("POST")):
		h.respond(c, 200, "text/plain; charset=utf-8", []byte("POST received"))
	default:
		h.respond(c, 405, "text/plain; charset=utf-8", []byte("Method Not Allowed"))
	}
}

func isIndexPath(path []byte) bool {
	return bytes.Equal(path, []byte("/")) || bytes.Equal(path, []byte("/index.html"))
}

// rawView returns a contiguous view of the current frame's bytes. When
// the frame spilled into an overflow buffer during a prior incomplete
// read, the ring's contents and the overflow are concatenated, per
// spec.md §4.H's "concatenate with any overflow_buf contents."
func rawView(c *conn.Connection) []byte {
	seg1, _ := c.ReadRing.PeekAll()
	if !c.OverflowInUse || len(c.Overflow) == 0 {
		return seg1
	}
	combined := make([]byte, 0, len(seg1)+len(c.Overflow))
	combined = append(combined, seg1...)
	combined = append(combined, c.Overflow...)
	return combined
}

// finishFrame advances read_ring.head past the bytes this frame
// consumed and releases any read overflow buffer, per spec.md §4.H's
// Post-processing subsection.
func (h *Handler) finishFrame(c *conn.Connection, consumedFromRing int) {
	c.ReadRing.ReadData(consumedFromRing)
	c.BytesConsumedTotal += uint64(consumedFromRing)
	if c.OverflowInUse {
		h.buffers.DeallocateBuffer(c.OverflowAlloc)
		c.Overflow = nil
		c.OverflowAlloc = nil
		c.OverflowInUse = false
		c.BytesPending = 0
	}
	c.ParseResult = conn.NeedMore
}

func (h *Handler) serveGreeting(c *conn.Connection) {
	body := fmt.Sprintf(
		"<html><body><h1>aioqserver</h1><p>It is %s.</p></body></html>",
		time.Now().Format(time.RFC1123),
	)
	h.respond(c, 200, "text/html; charset=utf-8", []byte(body))
}

func (h *Handler) serveStatic(c *conn.Connection, reqPath string) {
	if !safePath(reqPath) {
		h.respond(c, 400, "text/plain; charset=utf-8", []byte("Bad Request"))
		return
	}

	full := filepath.Join(h.Root, filepath.Clean("/"+reqPath))
	body, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			h.respond(c, 404, "text/plain; charset=utf-8", []byte("Not Found"))
			return
		}
		h.log.Error().Err(err).Str("path", full).Msg("http: static file read failed")
		h.respond(c, 500, "text/plain; charset=utf-8", []byte("Internal Server Error"))
		return
	}
	h.respond(c, 200, contentTypeFor(full), body)
}

// safePath implements SPEC_FULL.md §D.4: reject any path carrying a
// ".." segment, a NUL byte, or one that escapes the static root once
// cleaned, before any os.Open call.
func safePath(reqPath string) bool {
	if strings.ContainsRune(reqPath, 0) {
		return false
	}
	for _, seg := range strings.Split(reqPath, "/") {
		if seg == ".." {
			return false
		}
	}
	cleaned := filepath.Clean("/" + reqPath)
	return !strings.Contains(cleaned, "..")
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := extMIME[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (h *Handler) respond(c *conn.Connection, code int, contentType string, body []byte) {
	h.writeResponse(c, code, contentType, body, false)
}

func (h *Handler) respondAndClose(c *conn.Connection, code int, contentType string, body []byte) {
	h.writeResponse(c, code, contentType, body, true)
}

// writeResponse builds the status line, the fixed header set required
// by spec.md §6, and the body into one buffer, then copies it into
// c.WriteRing in writeChunk-sized steps. Anything that doesn't fit is
// spilled into an overflow buffer for the reactor to drain on
// subsequent write completions, resolving the source's "handler loses
// progress on partial write" issue noted in spec.md §4.H.
func (h *Handler) writeResponse(c *conn.Connection, code int, contentType string, body []byte, closeAfter bool) {
	reason, ok := statusReasons[code]
	if !ok {
		code, reason = 500, statusReasons[500]
	}

	buf := make([]byte, 0, responseHeaderHint+len(body))
	buf = append(buf, "HTTP/1.1 "...)
	buf = append(buf, reason...)
	buf = append(buf, "\r\n"...)
	buf = append(buf, "Content-Type: "...)
	buf = append(buf, contentType...)
	buf = append(buf, "\r\n"...)
	buf = append(buf, "Content-Length: "...)
	buf = appendUint(buf, uint(len(body)))
	buf = append(buf, "\r\n"...)
	if closeAfter {
		buf = append(buf, "Connection: close\r\n"...)
	} else {
		buf = append(buf, "Connection: keep-alive\r\n"...)
	}
	buf = append(buf, "Server: "...)
	buf = append(buf, h.ServerToken...)
	buf = append(buf, "\r\n\r\n"...)
	buf = append(buf, body...)

	full := buf
	written := 0
	for written < len(full) {
		end := written + writeChunk
		if end > len(full) {
			end = len(full)
		}
		chunk := full[written:end]
		dst := c.WriteRing.WriteTail()
		if len(dst) == 0 {
			break
		}
		n := copy(dst, chunk)
		c.WriteRing.WriteData(n)
		written += n
		if n < len(chunk) {
			break
		}
	}

	if written < len(full) {
		remainder := full[written:]
		overflow := h.buffers.AllocateBuffer(len(remainder))
		if overflow == nil {
			h.log.Error().Int("fd", c.Fd).Int("remaining", len(remainder)).Msg("http: response overflow allocation failed")
		} else {
			copy(overflow, remainder)
			c.Overflow = overflow[:len(remainder)]
			c.OverflowAlloc = overflow
			c.OverflowInUse = true
			c.BytesPending = len(remainder)
		}
	}
	c.CloseAfterWrite = closeAfter
}

func findHeaderValue(headerBlock []byte, key string) ([]byte, bool) {
	lines := bytes.Split(headerBlock, []byte("\r\n"))
	for _, line := range lines {
		idx := bytes.IndexByte(line, ':')
		if idx == -1 {
			continue
		}
		if !bytes.EqualFold(bytes.TrimSpace(line[:idx]), []byte(key)) {
			continue
		}
		return bytes.TrimSpace(line[idx+1:]), true
	}
	return nil, false
}

func hasChunkedEncoding(headerBlock []byte) bool {
	val, ok := findHeaderValue(headerBlock, chunkedH)
	if !ok {
		return false
	}
	return bytes.Contains(bytes.ToLower(val), []byte("chunked"))
}

func parseContentLength(val []byte) (int, error) {
	trimmed := bytes.TrimSpace(val)
	if len(trimmed) == 0 {
		return 0, fmt.Errorf("%w: empty content-length", errInvalidRequest)
	}
	for _, ch := range trimmed {
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("%w: invalid content-length byte %q", errInvalidRequest, ch)
		}
	}
	n, err := strconv.Atoi(string(trimmed))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return n, nil
}

// parseRequest parses the request line, headers and body out of raw,
// adapted from the teacher's server/protocol/parser.go zero-alloc
// scanner. It returns the total byte length of the frame it consumed
// (header-end + 4 + content-length) alongside the parsed request.
func parseRequest(raw []byte) (requestLine, int, error) {
	var req requestLine
	var hbuf [maxHeaders]header
	req.headers = hbuf[:0]

	findsep := func(start int, sep byte) int {
		idx := bytes.IndexByte(raw[start:], sep)
		if idx == -1 {
			return -1
		}
		return start + idx
	}

	crs := 0
	sep := findsep(crs, ' ')
	if sep == -1 {
		return req, 0, errIncompleteRequest
	}
	req.method = raw[crs:sep]
	if !isAllowedMethod(req.method) {
		return req, 0, errInvalidRequest
	}
	crs = sep + 1

	sep = findsep(crs, ' ')
	if sep == -1 {
		return req, 0, errIncompleteRequest
	}
	req.path = raw[crs:sep]
	if len(req.path) == 0 || req.path[0] != '/' {
		fixed := make([]byte, 0, len(req.path)+1)
		fixed = append(fixed, '/')
		fixed = append(fixed, req.path...)
		req.path = fixed
	}
	crs = sep + 1

	sep = findsep(crs, '\n')
	if sep == -1 {
		return req, 0, errIncompleteRequest
	}
	if sep == crs || raw[sep-1] != '\r' {
		return req, 0, errInvalidRequest
	}
	req.protocol = raw[crs : sep-1]
	crs = sep + 1

	var contentLen int
	for {
		if crs+1 >= len(raw) {
			return req, 0, errIncompleteRequest
		}
		if raw[crs] == '\r' && raw[crs+1] == '\n' {
			crs += 2
			break
		}

		lf := findsep(crs, '\n')
		if lf == -1 || raw[lf-1] != '\r' {
			return req, 0, errIncompleteRequest
		}
		lineEnd := lf - 1
		colon := findsep(crs, ':')
		if colon == -1 || colon > lineEnd {
			return req, 0, errInvalidRequest
		}
		valStart := colon + 1
		for valStart < lineEnd && raw[valStart] == ' ' {
			valStart++
		}
		key := raw[crs:colon]
		val := raw[valStart:lineEnd]

		if len(req.headers) < cap(hbuf) {
			req.headers = append(req.headers, header{key: key, val: val})
		}
		if bytes.EqualFold(key, []byte("Content-Length")) {
			n, err := parseContentLength(val)
			if err == nil {
				contentLen = n
			}
		}
		crs = lf + 1
	}

	total := crs + contentLen
	if contentLen > 0 {
		if total > len(raw) {
			return req, 0, errIncompleteRequest
		}
		req.body = raw[crs:total]
	}

	return req, total, nil
}

func isAllowedMethod(m []byte) bool {
	for _, a := range allowedMethods {
		if bytes.Equal(a, m) {
			return true
		}
	}
	return false
}
