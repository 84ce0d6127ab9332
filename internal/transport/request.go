package transport

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// headerTerminator separates the HTTP header block from the body.
var headerTerminator = []byte("\r\n\r\n")

// Request is the minimal HTTP request value the transport knows how to
// frame: method line, headers, optional body. Only the GET/POST subset the
// device and server peers actually speak.
type Request struct {
	Path    string
	Method  string // "GET" or "POST"
	Headers map[string]string
	Body    []byte
}

// NewGet creates a GET request for the given path.
func NewGet(path string) *Request {
	return &Request{Path: path, Method: "GET", Headers: make(map[string]string)}
}

// NewPost creates a POST request with the given body.
func NewPost(path string, body []byte) *Request {
	return &Request{Path: path, Method: "POST", Headers: make(map[string]string), Body: body}
}

// encode serializes the request line, headers, and body into wire bytes.
// contentLength overrides the Content-Length header for streamed bodies
// whose bytes are not part of the returned frame; pass -1 to derive it
// from len(Body).
func (r *Request) encode(host string, contentLength int64) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", r.Method, r.Path)
	fmt.Fprintf(&buf, "Host: %s\r\n", host)

	// Deterministic header order keeps request frames reproducible in tests.
	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, r.Headers[k])
	}

	if contentLength < 0 {
		contentLength = int64(len(r.Body))
	}
	if contentLength > 0 || r.Method == "POST" {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", contentLength)
	}

	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}

// Response is a parsed HTTP response.
type Response struct {
	StatusCode int
	Status     string // e.g. "200 OK"
	Headers    map[string]string
	Body       []byte
}

// ContentLength returns the Content-Length header value, or -1 when absent
// or malformed.
func (r *Response) ContentLength() int64 {
	v, ok := r.Headers["content-length"]
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// ParseResponse parses raw accumulated response bytes (as returned by Send)
// into a structured response.
func ParseResponse(raw []byte) (*Response, error) {
	headerEnd := bytes.Index(raw, headerTerminator)
	if headerEnd < 0 {
		return nil, fmt.Errorf("%w: missing header terminator", ErrProtocol)
	}

	resp, err := parseHeaderBlock(raw[:headerEnd])
	if err != nil {
		return nil, err
	}
	resp.Body = raw[headerEnd+len(headerTerminator):]
	return resp, nil
}

// parseHeaderBlock parses the status line and headers (colon-space
// separated, case-insensitive keys) from the bytes before the terminator.
func parseHeaderBlock(block []byte) (*Response, error) {
	lines := strings.Split(string(block), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("%w: empty response", ErrProtocol)
	}

	// Status line: "HTTP/1.1 200 OK"
	statusLine := lines[0]
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return nil, fmt.Errorf("%w: malformed status line %q", ErrProtocol, statusLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed status code %q", ErrProtocol, parts[1])
	}

	resp := &Response{
		StatusCode: code,
		Status:     strings.TrimSpace(statusLine[len(parts[0]):]),
		Headers:    make(map[string]string),
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			return nil, fmt.Errorf("%w: malformed header %q", ErrProtocol, line)
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		resp.Headers[key] = strings.TrimSpace(line[idx+1:])
	}

	return resp, nil
}
