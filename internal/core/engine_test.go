package core

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aerolink/mediasync/internal/config"
	"github.com/aerolink/mediasync/internal/logging"
	"github.com/aerolink/mediasync/internal/transport"
)

// fakePeer answers both the device and server endpoints so one listener can
// play either role.
type fakePeer struct {
	ln net.Listener

	mu       sync.Mutex
	media    map[string][]byte // GET /media/<name>
	uploaded map[string][]byte // POST /files/<name>
	index    []string          // GET /files
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &fakePeer{ln: ln, media: make(map[string][]byte), uploaded: make(map[string][]byte)}
	go p.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *fakePeer) port() int { return p.ln.Addr().(*net.TCPAddr).Port }

func (p *fakePeer) addMedia(name string, data []byte) {
	p.mu.Lock()
	p.media[name] = data
	p.mu.Unlock()
}

func (p *fakePeer) uploadedFile(name string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploaded[name]
}

func (p *fakePeer) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.serve(conn)
	}
}

func (p *fakePeer) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		var reqLine string
		headers := make(map[string]string)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if reqLine == "" {
				reqLine = strings.TrimSpace(line)
			}
			if i := strings.Index(line, ":"); i > 0 {
				headers[strings.ToLower(strings.TrimSpace(line[:i]))] = strings.TrimSpace(line[i+1 : len(line)-2])
			}
			if line == "\r\n" {
				break
			}
		}
		fields := strings.Fields(reqLine)
		if len(fields) < 2 {
			return
		}
		method, path := fields[0], fields[1]

		var body []byte
		if cl := headers["content-length"]; cl != "" {
			n, _ := strconv.Atoi(cl)
			body = make([]byte, n)
			if _, err := io.ReadFull(r, body); err != nil {
				return
			}
		}

		if err := p.respond(conn, method, path, body); err != nil {
			return
		}
	}
}

func (p *fakePeer) respond(conn net.Conn, method, path string, body []byte) error {
	switch {
	case method == "GET" && path == "/media/list":
		type entry struct {
			Name    string    `json:"name"`
			Size    int64     `json:"size"`
			Created time.Time `json:"created"`
			Valid   bool      `json:"valid"`
		}
		p.mu.Lock()
		entries := make([]entry, 0, len(p.media))
		for name, data := range p.media {
			entries = append(entries, entry{Name: name, Size: int64(len(data)), Created: time.Now(), Valid: true})
		}
		p.mu.Unlock()
		payload, _ := json.Marshal(entries)
		return writeResp(conn, "200 OK", payload)

	case method == "GET" && strings.HasPrefix(path, "/media/"):
		name := strings.TrimPrefix(path, "/media/")
		p.mu.Lock()
		data, ok := p.media[name]
		p.mu.Unlock()
		if !ok {
			return writeResp(conn, "404 Not Found", nil)
		}
		return writeResp(conn, "200 OK", data)

	case method == "GET" && path == "/files":
		p.mu.Lock()
		payload, _ := json.Marshal(p.index)
		p.mu.Unlock()
		return writeResp(conn, "200 OK", payload)

	case method == "POST" && strings.HasPrefix(path, "/files/"):
		name := strings.TrimPrefix(path, "/files/")
		p.mu.Lock()
		p.uploaded[name] = body
		p.mu.Unlock()
		return writeResp(conn, "200 OK", nil)
	}
	return writeResp(conn, "404 Not Found", nil)
}

func writeResp(conn net.Conn, status string, body []byte) error {
	if _, err := fmt.Fprintf(conn, "HTTP/1.1 %s\r\nContent-Length: %d\r\n\r\n", status, len(body)); err != nil {
		return err
	}
	_, err := conn.Write(body)
	return err
}

func newTestEngine(t *testing.T, devicePeer, serverPeer *fakePeer) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Device.Host = "127.0.0.1"
	cfg.Device.Port = devicePeer.port()
	cfg.Device.ConnectTimeoutSeconds = 1
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = serverPeer.port()
	cfg.Server.ConnectTimeoutSeconds = 1
	cfg.Transfer.MediaDir = t.TempDir()
	cfg.Notifications.Enabled = false

	e, err := New(cfg, logging.NewLogger(io.Discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e
}

func waitIdle(t *testing.T, e *Engine, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.Idle() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("engine never went idle")
}

func makeBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestEngineSyncRelaysDeviceMedia(t *testing.T) {
	devicePeer := newFakePeer(t)
	serverPeer := newFakePeer(t)
	data1 := makeBytes(600)
	data2 := makeBytes(150)
	devicePeer.addMedia("v1.mp4", data1)
	devicePeer.addMedia("v2.mp4", data2)

	e := newTestEngine(t, devicePeer, serverPeer)
	n, err := e.Sync(false)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 2 {
		t.Fatalf("Sync queued %d files, want 2", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if serverPeer.uploadedFile("v1.mp4") != nil && serverPeer.uploadedFile("v2.mp4") != nil && e.Idle() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := serverPeer.uploadedFile("v1.mp4"); !bytes.Equal(got, data1) {
		t.Errorf("v1.mp4 relay incomplete: %d bytes", len(got))
	}
	if got := serverPeer.uploadedFile("v2.mp4"); !bytes.Equal(got, data2) {
		t.Errorf("v2.mp4 relay incomplete: %d bytes", len(got))
	}
	// keepLocal was false, so the intermediate copies are gone.
	dl, _ := e.Snapshots()
	if dl.Active {
		t.Error("download leg still active after sync")
	}
	if _, err := os.Stat(filepath.Join(e.cfg.Transfer.MediaDir, "v1.mp4")); !os.IsNotExist(err) {
		t.Error("temporary local copy of v1.mp4 survived")
	}
}

func TestEngineSyncSkipsAlreadyRelayed(t *testing.T) {
	devicePeer := newFakePeer(t)
	serverPeer := newFakePeer(t)
	devicePeer.addMedia("old.mp4", makeBytes(100))
	devicePeer.addMedia("new.mp4", makeBytes(200))
	serverPeer.index = []string{"old.mp4"}

	e := newTestEngine(t, devicePeer, serverPeer)
	n, err := e.Sync(false)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 1 {
		t.Errorf("Sync queued %d files, want 1 (old.mp4 already relayed)", n)
	}

	waitIdle(t, e, 5*time.Second)
	if serverPeer.uploadedFile("new.mp4") == nil {
		t.Error("new.mp4 never reached the server")
	}
	if serverPeer.uploadedFile("old.mp4") != nil {
		t.Error("old.mp4 was re-uploaded")
	}
}

func TestEngineKeepLocalDownloadsEverything(t *testing.T) {
	devicePeer := newFakePeer(t)
	serverPeer := newFakePeer(t)
	data := makeBytes(300)
	devicePeer.addMedia("keep.mp4", data)

	e := newTestEngine(t, devicePeer, serverPeer)
	if _, err := e.Sync(true); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if serverPeer.uploadedFile("keep.mp4") != nil && e.Idle() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := os.ReadFile(filepath.Join(e.cfg.Transfer.MediaDir, "keep.mp4"))
	if err != nil {
		t.Fatalf("local copy missing: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("local copy differs from device media")
	}
	if !bytes.Equal(serverPeer.uploadedFile("keep.mp4"), data) {
		t.Error("server copy differs from device media")
	}
}

func TestEngineLegControls(t *testing.T) {
	devicePeer := newFakePeer(t)
	serverPeer := newFakePeer(t)
	e := newTestEngine(t, devicePeer, serverPeer)

	// Unknown leg names are ignored, not panics.
	e.Pause("sideways")
	e.Resume("sideways")
	e.Stop("sideways")

	if !e.Idle() {
		t.Error("fresh engine not idle")
	}
	if e.DeviceState() != transport.StateConnected {
		t.Errorf("device state = %v", e.DeviceState())
	}
	if e.ServerState() != transport.StateConnected {
		t.Errorf("server state = %v", e.ServerState())
	}
}
