package transport

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aerolink/mediasync/internal/logging"
)

// fakePeer is a loopback listener with a per-connection handler.
type fakePeer struct {
	listener net.Listener
	port     int
}

func newFakePeer(t *testing.T, handler func(conn net.Conn)) *fakePeer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handler(conn)
		}
	}()
	t.Cleanup(func() { listener.Close() })
	return &fakePeer{
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
	}
}

func openTransport(t *testing.T, peer *fakePeer) *Transport {
	t.Helper()
	tr := New("device", logging.NewDefaultLogger())
	if err := tr.Open("127.0.0.1", peer.port, time.Second, false); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { tr.Terminate(false) })
	return tr
}

// readRequest consumes an HTTP request (headers plus Content-Length body)
// from the connection and returns it.
func readRequest(conn net.Conn) ([]byte, error) {
	var accum bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			accum.Write(buf[:n])
			if idx := bytes.Index(accum.Bytes(), headerTerminator); idx >= 0 {
				header := string(accum.Bytes()[:idx])
				contentLength := int64(0)
				for _, line := range strings.Split(header, "\r\n") {
					if strings.HasPrefix(strings.ToLower(line), "content-length:") {
						fmt.Sscanf(strings.TrimSpace(line[len("content-length:"):]), "%d", &contentLength)
					}
				}
				total := int64(idx+len(headerTerminator)) + contentLength
				for int64(accum.Len()) < total {
					n, err := conn.Read(buf)
					if n > 0 {
						accum.Write(buf[:n])
					}
					if err != nil {
						return accum.Bytes(), err
					}
				}
				return accum.Bytes(), nil
			}
		}
		if err != nil {
			return accum.Bytes(), err
		}
	}
}

func TestRequestEncode(t *testing.T) {
	req := NewPost("/upload", []byte("hello"))
	req.Headers["X-File-Name"] = "a.jpg"
	req.Headers["Connection"] = "keep-alive"

	frame := string(req.encode("198.51.100.7", -1))

	if !strings.HasPrefix(frame, "POST /upload HTTP/1.1\r\n") {
		t.Errorf("bad request line: %q", frame)
	}
	if !strings.Contains(frame, "Host: 198.51.100.7\r\n") {
		t.Errorf("missing host header: %q", frame)
	}
	if !strings.Contains(frame, "Content-Length: 5\r\n") {
		t.Errorf("missing content-length: %q", frame)
	}
	// Headers are emitted sorted.
	if strings.Index(frame, "Connection:") > strings.Index(frame, "X-File-Name:") {
		t.Errorf("headers not sorted: %q", frame)
	}
	if !strings.HasSuffix(frame, "\r\n\r\nhello") {
		t.Errorf("body not appended after terminator: %q", frame)
	}
}

func TestRequestEncodeStreamedBodyLength(t *testing.T) {
	req := NewPost("/upload", nil)
	frame := string(req.encode("host", 4096))
	if !strings.Contains(frame, "Content-Length: 4096\r\n") {
		t.Errorf("streamed content-length not used: %q", frame)
	}
	if !strings.HasSuffix(frame, "\r\n\r\n") {
		t.Errorf("streamed frame should carry no body bytes: %q", frame)
	}
}

func TestParseResponse(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nContent-Length: 4\r\nX-Media-Count: 12\r\n\r\nbody")
	resp, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Headers["x-media-count"] != "12" {
		t.Errorf("header not parsed: %v", resp.Headers)
	}
	if string(resp.Body) != "body" {
		t.Errorf("body not split: %q", resp.Body)
	}
	if resp.ContentLength() != 4 {
		t.Errorf("content length: %d", resp.ContentLength())
	}
}

func TestParseResponseMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte("no terminator"),
		[]byte("GARBAGE 200\r\n\r\n"),
		[]byte("HTTP/1.1 abc OK\r\n\r\n"),
		[]byte("HTTP/1.1 200 OK\r\nbad header line\r\n\r\n"),
	}
	for _, raw := range cases {
		if _, err := ParseResponse(raw); err == nil {
			t.Errorf("expected protocol error for %q", raw)
		}
	}
}

func TestSendRoundTrip(t *testing.T) {
	peer := newFakePeer(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := readRequest(conn); err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 11\r\n\r\nmedia-index"))
	})
	tr := openTransport(t, peer)

	raw, err := tr.Send(NewGet("/media/list"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(resp.Body) != "media-index" {
		t.Errorf("expected body, got %q", resp.Body)
	}
}

func TestSendBodySplitAcrossWrites(t *testing.T) {
	peer := newFakePeer(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := readRequest(conn); err != nil {
			return
		}
		// Headers plus the first body half, then the rest after a pause.
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n01234"))
		time.Sleep(30 * time.Millisecond)
		conn.Write([]byte("56789"))
	})
	tr := openTransport(t, peer)

	raw, err := tr.Send(NewGet("/media/list"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, _ := ParseResponse(raw)
	if string(resp.Body) != "0123456789" {
		t.Errorf("expected reassembled body, got %q", resp.Body)
	}
}

func TestDownloadToFile(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 32*1024) // 256 KiB, spans chunks
	peer := newFakePeer(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := readRequest(conn); err != nil {
			return
		}
		header := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", len(payload))
		// Deliberately send the header plus the body head in one write so
		// the leftover-flush path is exercised.
		conn.Write(append([]byte(header), payload[:100]...))
		conn.Write(payload[100:])
	})
	tr := openTransport(t, peer)

	dstPath := filepath.Join(t.TempDir(), "dl_IMG_0001.JPG")
	dst, err := os.Create(dstPath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var mu sync.Mutex
	var receivedSum int
	err = tr.DownloadToFile(NewGet("/media/IMG_0001.JPG"), dst, func(n int) {
		mu.Lock()
		receivedSum += n
		mu.Unlock()
	}, nil)
	dst.Close()
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("downloaded file differs: %d bytes vs %d", len(got), len(payload))
	}
	if receivedSum != len(payload) {
		t.Errorf("byte accounting: reported %d, expected %d", receivedSum, len(payload))
	}
}

func TestDownloadFullBodyAnswerToRangedRequest(t *testing.T) {
	payload := []byte("0123456789abcdef")
	peer := newFakePeer(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := readRequest(conn); err != nil {
			return
		}
		// Answer the ranged request with the whole file and a plain 200.
		conn.Write([]byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", len(payload))))
		conn.Write(payload)
	})
	tr := openTransport(t, peer)

	// Destination primed the way a resumed download leaves it: the first
	// bytes on disk and the write cursor parked at the resume offset.
	dstPath := filepath.Join(t.TempDir(), "dl_clip.bin")
	if err := os.WriteFile(dstPath, payload[:6], 0644); err != nil {
		t.Fatalf("seed destination: %v", err)
	}
	dst, err := os.OpenFile(dstPath, os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open destination: %v", err)
	}
	if _, err := dst.Seek(6, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}

	req := NewGet("/media/clip.bin")
	req.Headers["Range"] = "bytes=6-"
	restarts := 0
	err = tr.DownloadToFile(req, dst, nil, func() { restarts++ })
	dst.Close()
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	if restarts != 1 {
		t.Errorf("restart callback fired %d times, want 1", restarts)
	}
	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("destination = %q (%d bytes), want %q (%d bytes)", got, len(got), payload, len(payload))
	}
}

func TestSendFileStreamsBody(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5a}, 200*1024) // 200 KiB, several chunks

	bodyCh := make(chan []byte, 1)
	peer := newFakePeer(t, func(conn net.Conn) {
		defer conn.Close()
		req, err := readRequest(conn)
		if err != nil {
			return
		}
		idx := bytes.Index(req, headerTerminator)
		bodyCh <- req[idx+len(headerTerminator):]
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	})
	tr := openTransport(t, peer)

	srcPath := filepath.Join(t.TempDir(), "IMG_0002.JPG")
	if err := os.WriteFile(srcPath, payload, 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer src.Close()

	var mu sync.Mutex
	var sentSum int
	raw, err := tr.SendFile(NewPost("/upload/IMG_0002.JPG", nil), src, func(n int) {
		mu.Lock()
		sentSum += n
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("send file: %v", err)
	}
	resp, _ := ParseResponse(raw)
	if string(resp.Body) != "ok" {
		t.Errorf("expected peer ack, got %q", resp.Body)
	}

	body := <-bodyCh
	if !bytes.Equal(body, payload) {
		t.Errorf("peer received %d bytes, expected %d", len(body), len(payload))
	}
	if sentSum != len(payload) {
		t.Errorf("byte accounting: reported %d, expected %d", sentSum, len(payload))
	}
}

func TestSendFileResumesFromOffset(t *testing.T) {
	payload := []byte("0123456789")

	bodyCh := make(chan []byte, 1)
	peer := newFakePeer(t, func(conn net.Conn) {
		defer conn.Close()
		req, err := readRequest(conn)
		if err != nil {
			return
		}
		idx := bytes.Index(req, headerTerminator)
		bodyCh <- req[idx+len(headerTerminator):]
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	})
	tr := openTransport(t, peer)

	srcPath := filepath.Join(t.TempDir(), "partial.bin")
	if err := os.WriteFile(srcPath, payload, 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer src.Close()

	// Seek past the bytes a previous attempt already delivered.
	if _, err := src.Seek(4, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}

	if _, err := tr.SendFile(NewPost("/upload/partial.bin", nil), src, nil); err != nil {
		t.Fatalf("send file: %v", err)
	}

	body := <-bodyCh
	if string(body) != "456789" {
		t.Errorf("expected resumed tail, got %q", body)
	}
}

func TestCancelDownload(t *testing.T) {
	peer := newFakePeer(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := readRequest(conn); err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 1000000\r\n\r\n"))
		// Drip-feed so the download loop keeps iterating.
		for i := 0; i < 10000; i++ {
			if _, err := conn.Write([]byte("x")); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	})
	tr := openTransport(t, peer)

	dstPath := filepath.Join(t.TempDir(), "dl_big.bin")
	dst, err := os.Create(dstPath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer dst.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- tr.DownloadToFile(NewGet("/media/big.bin"), dst, nil, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	tr.CancelDownloadFile()

	select {
	case err := <-errCh:
		if !IsCancelled(err) {
			t.Errorf("expected cancellation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("download did not observe cancellation")
	}
}

func TestCancelDownloadDrainsSmallRemainder(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 4000)
	peer := newFakePeer(t, func(conn net.Conn) {
		defer conn.Close()
		served := 0
		for {
			if _, err := readRequest(conn); err != nil {
				return
			}
			served++
			if served == 1 {
				conn.Write([]byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", len(payload))))
				for i := 0; i < len(payload); i += 40 {
					end := i + 40
					if end > len(payload) {
						end = len(payload)
					}
					if _, err := conn.Write(payload[i:end]); err != nil {
						return
					}
					time.Sleep(time.Millisecond)
				}
				continue
			}
			conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		}
	})
	tr := openTransport(t, peer)

	dstPath := filepath.Join(t.TempDir(), "dl_small.bin")
	dst, err := os.Create(dstPath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer dst.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- tr.DownloadToFile(NewGet("/media/small.bin"), dst, nil, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	tr.CancelDownloadFile()

	select {
	case err := <-errCh:
		if !IsCancelled(err) {
			t.Fatalf("expected cancellation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("download did not observe cancellation")
	}

	// The small remainder was drained, so the connection survives and the
	// next exchange rides the same connection.
	if tr.State() != StateConnected {
		t.Fatalf("expected connection to survive the cancel, state %v", tr.State())
	}
	raw, err := tr.Send(NewGet("/media/list"))
	if err != nil {
		t.Fatalf("send after drained cancel: %v", err)
	}
	resp, err := ParseResponse(raw)
	if err != nil || string(resp.Body) != "ok" {
		t.Errorf("unexpected reply after drained cancel: %v %q", err, raw)
	}
}

func TestStateObserverSuppressesDuplicates(t *testing.T) {
	tr := New("device", logging.NewDefaultLogger())

	var mu sync.Mutex
	var transitions []State
	tr.AddStateObserver(func(old, new State) {
		mu.Lock()
		transitions = append(transitions, new)
		mu.Unlock()
	})

	tr.setState(StateConnected)
	tr.setState(StateConnected) // duplicate, must be suppressed
	tr.setState(StateLost)
	tr.setState(StateLost) // duplicate
	tr.setState(StateConnected)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnected, StateLost, StateConnected}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %v, got %v", i, want[i], transitions[i])
		}
	}
}

func TestTerminateCleanClose(t *testing.T) {
	peer := newFakePeer(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
		conn.Close()
	})
	tr := openTransport(t, peer)

	tr.Terminate(false)
	if tr.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %v", tr.State())
	}
	if _, err := tr.Send(NewGet("/media/list")); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestIOErrorTriggersLostAndReconnect(t *testing.T) {
	var mu sync.Mutex
	closeNext := true
	peer := newFakePeer(t, func(conn net.Conn) {
		mu.Lock()
		shouldClose := closeNext
		closeNext = false
		mu.Unlock()
		if shouldClose {
			// First connection dies before answering.
			conn.Close()
			return
		}
		defer conn.Close()
		if _, err := readRequest(conn); err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	})
	tr := openTransport(t, peer)

	stateCh := make(chan State, 16)
	tr.AddStateObserver(func(old, new State) { stateCh <- new })

	if _, err := tr.Send(NewGet("/media/list")); err == nil {
		t.Fatal("expected send to fail on dead connection")
	}

	sawLost := false
	deadline := time.After(10 * time.Second)
	for {
		select {
		case s := <-stateCh:
			if s == StateLost {
				sawLost = true
			}
			if s == StateConnected {
				if !sawLost {
					t.Error("expected Lost before reconnect")
				}
				// Reconnected transport must be usable again.
				if _, err := tr.Send(NewGet("/media/list")); err != nil {
					t.Errorf("send after reconnect: %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("transport did not reconnect")
		}
	}
}
