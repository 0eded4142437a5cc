// Package transport speaks the client side of HTTP/1.1 over a dedicated
// TLS connection: one connection for request/response calls and one for
// the long-poll sync stream. Bodies may be fixed-length or chunked, read
// either fully or as a stream. A readiness probe with a short deadline
// stands in for non-blocking reads so the sync connection can be
// multiplexed against a command queue.
package transport

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrProtocol marks unrecoverable protocol violations: malformed status
// line, non-2xx status, missing keep-alive, corrupt chunk framing. The
// connection is dead and retrying cannot help.
var ErrProtocol = errors.New("transport: protocol violation")

// DialFunc opens the underlying connection. Production code dials TLS;
// tests substitute a plain TCP or in-memory pipe.
type DialFunc func() (net.Conn, error)

// TLSDialer returns a DialFunc for addr ("host:port") pinned to roots.
// A nil roots pool uses the system roots.
func TLSDialer(addr string, conf *tls.Config) DialFunc {
	return func() (net.Conn, error) {
		return tls.Dial("tcp", addr, conf)
	}
}

// Conn is one HTTP/1.1 connection with explicit framing control.
type Conn struct {
	dial     DialFunc
	host     string
	conn     net.Conn
	br       *bufio.Reader
	logger   *log.Logger
	blocking bool
}

// Response is a parsed HTTP response. Body is set when the full body was
// requested; Stream when the caller reads the body incrementally. The
// stream must be drained before the connection is reused.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
	Stream  io.Reader
}

// Dial opens a connection. host is sent as the Host header.
func Dial(host string, dial DialFunc, logger *log.Logger) (*Conn, error) {
	c := &Conn{dial: dial, host: host, logger: logger, blocking: true}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) connect() error {
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("transport: dial: %w", err)
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)
	return nil
}

// Close shuts the connection down.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// SetBlocking toggles between blocking reads and probe mode. A no-op when
// the requested mode is already active.
func (c *Conn) SetBlocking(blocking bool) error {
	if c.blocking == blocking {
		return nil
	}
	c.blocking = blocking
	if blocking {
		if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			return fmt.Errorf("transport: clear deadline: %w", err)
		}
	}
	return nil
}

// Poll reports whether response bytes are ready on the connection,
// waiting at most wait. A deadline expiry means "not ready"; any other
// read failure is a hard error and the caller should reconnect.
func (c *Conn) Poll(wait time.Duration) (bool, error) {
	if err := c.SetBlocking(false); err != nil {
		return false, err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return false, fmt.Errorf("transport: set deadline: %w", err)
	}
	_, err := c.br.Peek(1)
	if err == nil {
		return true, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false, nil
	}
	return false, fmt.Errorf("transport: poll: %w", err)
}

// Send writes the request line, headers and body in blocking mode.
func (c *Conn) Send(method, path string, headers map[string]string, body []byte) error {
	if err := c.SetBlocking(true); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&b, "Host: %s\r\n", c.host)
	fmt.Fprintf(&b, "Connection: keep-alive\r\n")
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if len(body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(c.conn, b.String()); err != nil {
		return fmt.Errorf("transport: write request: %w", err)
	}
	if len(body) > 0 {
		if _, err := c.conn.Write(body); err != nil {
			return fmt.Errorf("transport: write body: %w", err)
		}
	}
	logf(c.logger, "transport: > %s %s (%d bytes)", method, path, len(body))
	return nil
}

// Recv reads a response in blocking mode. A non-2xx status or an explicit
// Connection: close is ErrProtocol. With wantBody the body is read fully;
// otherwise Response.Stream yields it incrementally with the same framing
// rules (fixed-length or chunked).
func (c *Conn) Recv(wantBody bool) (*Response, error) {
	if err := c.SetBlocking(true); err != nil {
		return nil, err
	}

	line, err := c.readLine()
	if err != nil {
		return nil, fmt.Errorf("transport: read status line: %w", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return nil, fmt.Errorf("%w: malformed status line %q", ErrProtocol, line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: status %q", ErrProtocol, parts[1])
	}

	headers := map[string]string{}
	for {
		h, err := c.readLine()
		if err != nil {
			return nil, fmt.Errorf("transport: read header: %w", err)
		}
		if h == "" {
			break
		}
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed header %q", ErrProtocol, h)
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrProtocol, status)
	}
	if strings.EqualFold(headers["connection"], "close") {
		return nil, fmt.Errorf("%w: server refused keep-alive", ErrProtocol)
	}

	resp := &Response{Status: status, Headers: headers}
	logf(c.logger, "transport: < %d", status)

	if headers["content-type"] == "" {
		resp.Body = []byte{}
		return resp, nil
	}

	var stream io.Reader
	switch {
	case strings.EqualFold(headers["transfer-encoding"], "chunked"):
		stream = &chunkedReader{c: c}
	case headers["content-length"] != "":
		n, err := strconv.ParseInt(headers["content-length"], 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: content-length %q", ErrProtocol, headers["content-length"])
		}
		stream = io.LimitReader(c.br, n)
	default:
		resp.Body = []byte{}
		return resp, nil
	}

	if !wantBody {
		resp.Stream = stream
		return resp, nil
	}
	resp.Body, err = io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("transport: read body: %w", err)
	}
	return resp, nil
}

// Request composes Send and a blocking Recv with a retry budget of one:
// any non-fatal failure tears the connection down, reconnects and replays
// the whole request once. A second failure, or any ErrProtocol, is fatal.
func (c *Conn) Request(method, path string, headers map[string]string, body []byte) (*Response, error) {
	resp, err := c.roundTrip(method, path, headers, body)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, ErrProtocol) {
		return nil, err
	}
	logf(c.logger, "transport: %s %s failed (%v), reconnecting", method, path, err)
	if rerr := c.Reconnect(); rerr != nil {
		return nil, fmt.Errorf("transport: reconnect after %v: %w", err, rerr)
	}
	resp, err = c.roundTrip(method, path, headers, body)
	if err != nil {
		return nil, fmt.Errorf("transport: retry budget exhausted: %w", err)
	}
	return resp, nil
}

func (c *Conn) roundTrip(method, path string, headers map[string]string, body []byte) (*Response, error) {
	if err := c.Send(method, path, headers, body); err != nil {
		return nil, err
	}
	return c.Recv(true)
}

// Reconnect tears down and re-establishes the connection.
func (c *Conn) Reconnect() error {
	if c.conn != nil {
		c.conn.Close()
	}
	c.blocking = true
	return c.connect()
}

func (c *Conn) readLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// chunkedReader decodes Transfer-Encoding: chunked incrementally: hex
// size lines of at most 7 digits, each chunk followed by CRLF, ended by a
// zero-size chunk and its trailing CRLF.
type chunkedReader struct {
	c         *Conn
	remaining int
	done      bool
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if r.remaining == 0 {
		size, err := r.readChunkSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := r.expectCRLF(); err != nil {
				return 0, err
			}
			r.done = true
			return 0, io.EOF
		}
		r.remaining = size
	}
	if len(p) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.c.br.Read(p)
	r.remaining -= n
	if err != nil {
		return n, fmt.Errorf("transport: chunk body: %w", err)
	}
	if r.remaining == 0 {
		if err := r.expectCRLF(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r *chunkedReader) readChunkSize() (int, error) {
	line, err := r.c.readLine()
	if err != nil {
		return 0, fmt.Errorf("transport: chunk size: %w", err)
	}
	if len(line) == 0 || len(line) > 7 {
		return 0, fmt.Errorf("%w: chunk size line %q", ErrProtocol, line)
	}
	size, err := strconv.ParseInt(line, 16, 32)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: chunk size %q", ErrProtocol, line)
	}
	return int(size), nil
}

func (r *chunkedReader) expectCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(r.c.br, crlf[:]); err != nil {
		return fmt.Errorf("transport: chunk trailer: %w", err)
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return fmt.Errorf("%w: chunk trailer %q", ErrProtocol, crlf)
	}
	return nil
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
