// Package transport implements the minimal request/response and streaming
// API the device and server peers speak: hand-rolled HTTP/1.1 framing over
// one long-lived TCP connection, with automatic reconnection when the link
// drops unexpectedly.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/aerolink/mediasync/internal/constants"
	"github.com/aerolink/mediasync/internal/logging"
)

// readBufferSize is the accumulation read size while hunting for the header
// terminator. Body streaming uses constants.ChunkSize.
const readBufferSize = 4 * 1024

// Transport owns one reusable connection to a single peer. All framed
// operations (Send, SendFile, DownloadToFile) are serialized: the wire
// carries at most one request/response exchange at a time.
//
// Any I/O error while connected moves the transport to StateLost, tears the
// connection down, and starts the reconnection loop; the error is surfaced
// to the in-flight caller, who must not assume the transport is reusable
// without re-checking State().
type Transport struct {
	name   string
	logger *logging.Logger

	mu        sync.Mutex
	conn      net.Conn
	state     State
	observers []StateObserver

	// Dial parameters, remembered for reconnection
	host      string
	port      int
	timeout   time.Duration
	keepAlive bool

	// generation invalidates reconnect loops spawned before a clean close
	generation int

	reconnectDelay time.Duration

	sendCancel     context.CancelFunc
	downloadCancel context.CancelFunc

	// ioMu serializes framed operations on the wire
	ioMu sync.Mutex
}

// New creates a transport in StateStarted. The name tags log lines and
// state events ("device", "server").
func New(name string, logger *logging.Logger) *Transport {
	return &Transport{
		name:           name,
		state:          StateStarted,
		logger:         logger,
		reconnectDelay: constants.ReconnectDelay,
	}
}

// SetReconnectDelay overrides the pause between reconnection attempts.
// Tests shorten it; production uses the default.
func (t *Transport) SetReconnectDelay(d time.Duration) {
	t.mu.Lock()
	t.reconnectDelay = d
	t.mu.Unlock()
}

// Name returns the link name this transport was created with.
func (t *Transport) Name() string { return t.name }

// Open establishes the connection, blocking until it is usable or the dial
// fails. The parameters are remembered for transparent reconnection.
func (t *Transport) Open(host string, port int, timeout time.Duration, keepAlive bool) error {
	if timeout <= 0 {
		timeout = constants.DialTimeout
	}

	t.mu.Lock()
	t.host = host
	t.port = port
	t.timeout = timeout
	t.keepAlive = keepAlive
	gen := t.generation
	t.mu.Unlock()

	conn, err := t.dial()
	if err != nil {
		return fmt.Errorf("connect %s:%d: %w", host, port, err)
	}

	t.mu.Lock()
	if gen != t.generation {
		// Terminated while dialing; discard the late connection.
		t.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()

	t.setState(StateConnected)
	return nil
}

func (t *Transport) dial() (net.Conn, error) {
	t.mu.Lock()
	addr := net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))
	timeout := t.timeout
	keepAlive := t.keepAlive
	t.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetKeepAlive(keepAlive); err != nil {
			t.logger.Warn().Err(err).Str("link", t.name).Msg("failed to set keepalive")
		} else if keepAlive {
			if err := tcpConn.SetKeepAlivePeriod(constants.KeepAlivePeriod); err != nil {
				t.logger.Warn().Err(err).Str("link", t.name).Msg("failed to set keepalive period")
			}
		}
		tcpConn.SetNoDelay(true)
	}

	return conn, nil
}

// Terminate closes the connection. With tryRestart set, a fresh connection
// is opened with the same parameters once the close completes, and
// observers see the transient Lost state during the gap; otherwise this is
// a clean, requested close.
func (t *Transport) Terminate(tryRestart bool) {
	t.mu.Lock()
	t.generation++
	gen := t.generation
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if tryRestart {
		t.setState(StateLost)
		go t.reconnectLoop(gen)
	} else {
		t.setState(StateDisconnected)
	}
}

// handleIOError is the shared failure path for any wire error while
// connected: drop to Lost, close the connection, start reconnecting.
func (t *Transport) handleIOError(err error) {
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return
	}
	t.generation++
	gen := t.generation
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.logger.Warn().Err(err).Str("link", t.name).Msg("connection error, reconnecting")

	if conn != nil {
		conn.Close()
	}
	t.setState(StateLost)
	go t.reconnectLoop(gen)
}

// reconnectLoop redials until the connection is restored or the transport
// is terminated. Only the loop matching the current generation may install
// a connection.
func (t *Transport) reconnectLoop(gen int) {
	for {
		t.mu.Lock()
		delay := t.reconnectDelay
		t.mu.Unlock()
		time.Sleep(delay)

		t.mu.Lock()
		stale := gen != t.generation || t.state != StateLost
		t.mu.Unlock()
		if stale {
			return
		}

		conn, err := t.dial()
		if err != nil {
			t.logger.Debug().Err(err).Str("link", t.name).Msg("reconnect attempt failed")
			continue
		}

		t.mu.Lock()
		if gen != t.generation || t.state != StateLost {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conn = conn
		t.mu.Unlock()

		t.setState(StateConnected)
		return
	}
}

// active returns the live connection or ErrNotConnected.
func (t *Transport) active() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateConnected || t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

// Send writes a fully-materialized request and accumulates the complete
// response: headers up to the terminator, then Content-Length body bytes
// (or until the peer closes when the header is absent). Returns the raw
// accumulated bytes; use ParseResponse to interpret them.
func (t *Transport) Send(req *Request) ([]byte, error) {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	conn, err := t.active()
	if err != nil {
		return nil, err
	}

	if err := t.writeAll(conn, req.encode(t.host, -1)); err != nil {
		t.handleIOError(err)
		return nil, fmt.Errorf("write request: %w", err)
	}

	raw, err := t.readFullResponse(conn)
	if err != nil {
		t.handleIOError(err)
		return nil, err
	}
	return raw, nil
}

// SendFile streams req with the file's remaining bytes as body, in fixed
// 64 KiB chunks so the file is never materialized in memory. Each chunk's
// size is reported through onSent for byte accounting. Cancellation is
// checked before every chunk; a cancelled upload tears the connection down
// and schedules reconnection, since the peer will treat the truncated body
// as malformed.
//
// The file is streamed from its current offset, which is how a resumed
// upload skips already-sent bytes.
func (t *Transport) SendFile(req *Request, f *os.File, onSent func(int)) ([]byte, error) {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	conn, err := t.active()
	if err != nil {
		return nil, err
	}

	remaining, err := remainingBytes(f)
	if err != nil {
		return nil, fmt.Errorf("stat upload source: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.sendCancel = cancel
	t.mu.Unlock()
	defer func() {
		cancel()
		t.mu.Lock()
		t.sendCancel = nil
		t.mu.Unlock()
	}()

	if err := t.writeAll(conn, req.encode(t.host, remaining)); err != nil {
		t.handleIOError(err)
		return nil, fmt.Errorf("write request: %w", err)
	}

	buf := make([]byte, constants.ChunkSize)
	for sent := int64(0); sent < remaining; {
		if ctx.Err() != nil {
			// The peer has seen a Content-Length we will not honor; the
			// only safe recovery is a fresh connection.
			t.Terminate(true)
			return nil, ErrCancelled
		}

		want := int64(len(buf))
		if remaining-sent < want {
			want = remaining - sent
		}
		n, err := io.ReadFull(f, buf[:want])
		if err != nil {
			t.Terminate(true)
			return nil, fmt.Errorf("%w: read upload source: %v", ErrLocalIO, err)
		}

		if err := t.writeAll(conn, buf[:n]); err != nil {
			t.handleIOError(err)
			return nil, fmt.Errorf("write body chunk: %w", err)
		}
		sent += int64(n)
		if onSent != nil {
			onSent(n)
		}
	}

	raw, err := t.readFullResponse(conn)
	if err != nil {
		t.handleIOError(err)
		return nil, err
	}
	return raw, nil
}

// DownloadToFile writes the request, parses response headers, and streams
// the body directly into dst instead of accumulating it. Any body bytes
// that arrived past the header terminator are flushed to dst before
// streaming continues. Each received chunk's size is reported through
// onReceived. Cancellation is checked at every chunk boundary; the caller
// owns removal of the partially written destination.
//
// A request carrying a Range header may still be answered with a plain 200:
// a peer is free to ignore the range and send the whole file. In that case
// dst is truncated and rewound to byte zero before streaming, and onRestart
// (if non-nil) is invoked so the caller can reset its own offset accounting.
func (t *Transport) DownloadToFile(req *Request, dst *os.File, onReceived func(int), onRestart func()) error {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()

	conn, err := t.active()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.downloadCancel = cancel
	t.mu.Unlock()
	defer func() {
		cancel()
		t.mu.Lock()
		t.downloadCancel = nil
		t.mu.Unlock()
	}()

	if err := t.writeAll(conn, req.encode(t.host, -1)); err != nil {
		t.handleIOError(err)
		return fmt.Errorf("write request: %w", err)
	}

	resp, leftover, err := t.readHeader(conn)
	if err != nil {
		t.handleIOError(err)
		return err
	}
	// 206 covers ranged reads when the request resumes mid-file.
	if resp.StatusCode != 200 && resp.StatusCode != 206 {
		return fmt.Errorf("%w: status %s", ErrProtocol, resp.Status)
	}
	if _, ranged := req.Headers["Range"]; ranged && resp.StatusCode == 200 {
		// The peer ignored the range and is sending the file from the start.
		// Appending its body at the resume offset would corrupt the file.
		if err := dst.Truncate(0); err != nil {
			t.Terminate(true)
			return fmt.Errorf("%w: truncate destination: %v", ErrLocalIO, err)
		}
		if _, err := dst.Seek(0, io.SeekStart); err != nil {
			t.Terminate(true)
			return fmt.Errorf("%w: seek destination: %v", ErrLocalIO, err)
		}
		if onRestart != nil {
			onRestart()
		}
	}

	contentLength := resp.ContentLength()
	var received int64

	// Flush body bytes that rode in with the headers.
	if len(leftover) > 0 {
		if contentLength >= 0 && int64(len(leftover)) > contentLength {
			leftover = leftover[:contentLength]
		}
		if _, err := dst.Write(leftover); err != nil {
			t.Terminate(true)
			return fmt.Errorf("%w: write destination: %v", ErrLocalIO, err)
		}
		received = int64(len(leftover))
		if onReceived != nil {
			onReceived(len(leftover))
		}
	}

	buf := make([]byte, constants.ChunkSize)
	for contentLength < 0 || received < contentLength {
		if ctx.Err() != nil {
			if contentLength >= 0 && contentLength-received <= constants.DownloadCancelDrainLimit {
				// Cheap to read the remainder off the wire and keep the
				// connection alive for the next exchange.
				t.drainBody(conn, contentLength-received)
				return ErrCancelled
			}
			// The unread remainder of the body would poison the next
			// exchange on this connection.
			t.Terminate(true)
			return ErrCancelled
		}

		want := int64(len(buf))
		if contentLength >= 0 && contentLength-received < want {
			want = contentLength - received
		}

		conn.SetReadDeadline(time.Now().Add(constants.ReadTimeout))
		n, err := conn.Read(buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				t.Terminate(true)
				return fmt.Errorf("%w: write destination: %v", ErrLocalIO, werr)
			}
			received += int64(n)
			if onReceived != nil {
				onReceived(n)
			}
		}
		if err != nil {
			if err == io.EOF && contentLength < 0 {
				// Peer signalled completion by closing; not an error when
				// the response carried no Content-Length.
				return nil
			}
			if err == io.EOF && received == contentLength {
				return nil
			}
			t.handleIOError(err)
			return fmt.Errorf("read body: %w", err)
		}
	}

	return nil
}

// drainBody reads and discards n remaining body bytes so the connection
// stays usable. A read failure mid-drain escalates to the usual lost-
// connection handling.
func (t *Transport) drainBody(conn net.Conn, n int64) {
	buf := make([]byte, constants.ChunkSize)
	for n > 0 {
		want := int64(len(buf))
		if n < want {
			want = n
		}
		conn.SetReadDeadline(time.Now().Add(constants.ReadTimeout))
		m, err := conn.Read(buf[:want])
		n -= int64(m)
		if err != nil {
			if err == io.EOF && n == 0 {
				return
			}
			t.handleIOError(err)
			return
		}
	}
}

// CancelSendFile requests cancellation of the in-flight upload stream. The
// flag is observed at the next chunk boundary.
func (t *Transport) CancelSendFile() {
	t.mu.Lock()
	cancel := t.sendCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelDownloadFile requests cancellation of the in-flight download
// stream. The flag is observed at the next chunk boundary.
func (t *Transport) CancelDownloadFile() {
	t.mu.Lock()
	cancel := t.downloadCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// writeAll writes b fully with the write deadline applied.
func (t *Transport) writeAll(conn net.Conn, b []byte) error {
	conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
	for len(b) > 0 {
		n, err := conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// readHeader accumulates from the wire until the header terminator is
// found, parses the header block, and returns any extra bytes already read
// past the terminator (they belong to the body).
func (t *Transport) readHeader(conn net.Conn) (*Response, []byte, error) {
	var accum bytes.Buffer
	buf := make([]byte, readBufferSize)

	for {
		conn.SetReadDeadline(time.Now().Add(constants.ReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			accum.Write(buf[:n])
			if idx := bytes.Index(accum.Bytes(), headerTerminator); idx >= 0 {
				resp, perr := parseHeaderBlock(accum.Bytes()[:idx])
				if perr != nil {
					return nil, nil, perr
				}
				leftover := make([]byte, accum.Len()-idx-len(headerTerminator))
				copy(leftover, accum.Bytes()[idx+len(headerTerminator):])
				return resp, leftover, nil
			}
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read response header: %w", err)
		}
	}
}

// readFullResponse accumulates a complete response: header block, then
// Content-Length body bytes, or everything up to EOF when the header is
// absent. Returns the raw bytes exactly as received.
func (t *Transport) readFullResponse(conn net.Conn) ([]byte, error) {
	var accum bytes.Buffer
	buf := make([]byte, readBufferSize)

	// Phase one: hunt for the header terminator.
	headerEnd := -1
	for headerEnd < 0 {
		conn.SetReadDeadline(time.Now().Add(constants.ReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			accum.Write(buf[:n])
			headerEnd = bytes.Index(accum.Bytes(), headerTerminator)
		}
		if err != nil && headerEnd < 0 {
			return nil, fmt.Errorf("read response header: %w", err)
		}
	}

	resp, err := parseHeaderBlock(accum.Bytes()[:headerEnd])
	if err != nil {
		return nil, err
	}

	// Phase two: the rest of the body, framed by Content-Length when
	// present, otherwise everything until the peer closes.
	contentLength := resp.ContentLength()
	bodyStart := int64(headerEnd + len(headerTerminator))

	for {
		if contentLength >= 0 && int64(accum.Len())-bodyStart >= contentLength {
			break
		}
		conn.SetReadDeadline(time.Now().Add(constants.ReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			accum.Write(buf[:n])
		}
		if err != nil {
			if err == io.EOF && (contentLength < 0 || int64(accum.Len())-bodyStart >= contentLength) {
				break
			}
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}

	return accum.Bytes(), nil
}

// remainingBytes returns the byte count from the file's current offset to
// its end.
func remainingBytes(f *os.File) (int64, error) {
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size() - pos, nil
}
