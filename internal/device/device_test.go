package device

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/aerolink/mediasync/internal/logging"
	"github.com/aerolink/mediasync/internal/transport"
)

// servePaths runs a one-shot peer answering each listed path with the given
// JSON body and returns the connected transport.
func servePaths(t *testing.T, bodies map[string]string) *transport.Transport {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			var path string
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.HasPrefix(line, "GET ") {
					path = strings.Fields(line)[1]
				}
				if line == "\r\n" {
					break
				}
			}
			body, ok := bodies[path]
			status := "200 OK"
			if !ok {
				status = "404 Not Found"
			}
			fmt.Fprintf(conn, "HTTP/1.1 %s\r\nContent-Length: %d\r\n\r\n%s", status, len(body), body)
		}
	}()

	tr := transport.New("test", logging.NewLogger(io.Discard))
	port := ln.Addr().(*net.TCPAddr).Port
	if err := tr.Open("127.0.0.1", port, time.Second, false); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { tr.Terminate(false) })
	return tr
}

func TestListMedia(t *testing.T) {
	tr := servePaths(t, map[string]string{
		"/media/list": `[
			{"name":"clip1.mp4","size":1048576,"created":"2026-08-01T10:00:00Z","valid":true},
			{"name":"broken.mp4","size":0,"created":"2026-08-02T11:30:00Z","valid":false}
		]`,
	})

	files, err := NewClient(tr).ListMedia()
	if err != nil {
		t.Fatalf("ListMedia: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if files[0].Name != "clip1.mp4" || files[0].Size != 1048576 || !files[0].Valid {
		t.Errorf("unexpected first descriptor: %+v", files[0])
	}
	if files[1].Valid {
		t.Error("invalid entry decoded as valid")
	}
}

func TestListMediaBadJSON(t *testing.T) {
	tr := servePaths(t, map[string]string{"/media/list": `{not json`})
	if _, err := NewClient(tr).ListMedia(); err == nil {
		t.Error("expected decode error")
	}
}

func TestListMediaErrorStatus(t *testing.T) {
	tr := servePaths(t, map[string]string{})
	if _, err := NewClient(tr).ListMedia(); err == nil {
		t.Error("expected error for non-200 status")
	}
}

func TestListFiles(t *testing.T) {
	tr := servePaths(t, map[string]string{
		"/files": `["old1.mp4","old2.mp4"]`,
	})

	names, err := NewServerClient(tr).ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(names) != 2 || names[0] != "old1.mp4" {
		t.Errorf("got %v", names)
	}
}
