package upload

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint is the collector address split for a stream transport
type Endpoint struct {
	Host string
	Port int
	Path string
	TLS  bool
}

// ParseEndpoint splits a collector URL such as https://host/api/data.
// The port defaults to 443 for https and 80 for http.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse collector url: %w", err)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("collector url %q has no host", raw)
	}

	ep := Endpoint{Host: u.Hostname(), Path: u.RequestURI()}
	switch u.Scheme {
	case "https":
		ep.TLS = true
		ep.Port = 443
	case "http":
		ep.Port = 80
	default:
		return Endpoint{}, fmt.Errorf("collector url scheme %q not supported", u.Scheme)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("collector port %q: %w", p, err)
		}
		ep.Port = port
	}
	return ep, nil
}

// HostHeader returns the Host header value, omitting default ports
func (e Endpoint) HostHeader() string {
	if (e.TLS && e.Port == 443) || (!e.TLS && e.Port == 80) {
		return e.Host
	}
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// RequestMeta carries the per-request header values
type RequestMeta struct {
	APIKey      string
	ContentType string
	RequestID   string
	BootID      string
}

// BuildRequest renders a complete HTTP/1.1 POST for body
func BuildRequest(ep Endpoint, meta RequestMeta, body []byte) []byte {
	var b bytes.Buffer
	b.Grow(256 + len(body))

	path := ep.Path
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(&b, "POST %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", ep.HostHeader())
	fmt.Fprintf(&b, "Content-Type: %s\r\n", meta.ContentType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	if meta.APIKey != "" {
		fmt.Fprintf(&b, "Authorization: Bearer %s\r\n", meta.APIKey)
	}
	if meta.RequestID != "" {
		fmt.Fprintf(&b, "X-Request-ID: %s\r\n", meta.RequestID)
	}
	if meta.BootID != "" {
		fmt.Fprintf(&b, "X-Node-Boot: %s\r\n", meta.BootID)
	}
	b.WriteString("Connection: keep-alive\r\n\r\n")
	b.Write(body)
	return b.Bytes()
}

// ParseStatus extracts the status code from an HTTP status line such as
// "HTTP/1.1 201 Created".
func ParseStatus(line string) (int, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}

// Delivered reports whether the collector confirmed the upload
func Delivered(code int) bool {
	return code >= 200 && code < 300
}
