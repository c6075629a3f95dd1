package http

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/mercury/internal/pkg/fingerprint"
)

func TestParseRequest(t *testing.T) {
	raw := []byte("GET /index.html HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"User-Agent: curl/8.0\r\n" +
		"Accept: */*\r\n" +
		"X-Forwarded-For: 10.1.2.3\r\n" +
		"\r\n")

	req := ParseRequest(raw)
	require.True(t, req.Valid)
	assert.Equal(t, "GET", string(req.Method))
	assert.Equal(t, "/index.html", string(req.URI))
	assert.Equal(t, "HTTP/1.1", string(req.Version))
	assert.Equal(t, "example.com", string(req.Host))
	assert.Equal(t, "curl/8.0", string(req.UserAgent))
	assert.Equal(t, "10.1.2.3", string(req.XForwardedFor))
	assert.Equal(t, fingerprint.TypeHTTP, req.Fingerprint.Type)

	want := "http/(" + hex.EncodeToString([]byte("GET")) + ")(" +
		hex.EncodeToString([]byte("HTTP/1.1")) + ")((" +
		hex.EncodeToString([]byte("Host")) + ")(" +
		hex.EncodeToString([]byte("User-Agent")) + ")(" +
		hex.EncodeToString([]byte("Accept")) + "))"
	assert.Equal(t, want, req.Fingerprint.Str)
}

func TestParseRequestValuePolicy(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\nConnection: keep-alive\n\n")

	req := ParseRequest(raw)
	require.True(t, req.Valid)
	want := "http/(" + hex.EncodeToString([]byte("GET")) + ")(" +
		hex.EncodeToString([]byte("HTTP/1.1")) + ")((" +
		hex.EncodeToString([]byte("Connection: keep-alive")) + "))"
	assert.Equal(t, want, req.Fingerprint.Str)
}

func TestParseRequestToleratesBareLF(t *testing.T) {
	raw := []byte("POST /submit HTTP/1.0\nHost: h\n\n")
	req := ParseRequest(raw)
	require.True(t, req.Valid)
	assert.Equal(t, "POST", string(req.Method))
	assert.Equal(t, "h", string(req.Host))
}

func TestParseRequestRejectsNonHTTP(t *testing.T) {
	assert.False(t, ParseRequest([]byte{0x16, 0x03, 0x03, 0x00, 0x10, 0, 0, 0}).Valid)
	assert.False(t, ParseRequest([]byte("NOTAVERB / HTTP/1.1\r\n\r\n")).Valid)
	assert.False(t, ParseRequest(nil).Valid)
}

func TestParseResponse(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\n" +
		"Server: nginx\r\n" +
		"Content-Type: text/html\r\n" +
		"Content-Length: 42\r\n" +
		"\r\n")

	resp := ParseResponse(raw)
	require.True(t, resp.Valid)
	assert.Equal(t, "HTTP/1.1", string(resp.Version))
	assert.Equal(t, "200 OK", string(resp.Status))
	assert.Equal(t, "nginx", string(resp.Server))
	assert.Equal(t, "text/html", string(resp.ContentType))
	assert.Equal(t, "42", string(resp.ContentLength))
}

func TestFingerprintStableAcrossParses(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\nHost: a\r\nAccept: */*\r\n\r\n")
	a := ParseRequest(raw)
	b := ParseRequest(raw)
	require.True(t, a.Valid)
	assert.Equal(t, a.Fingerprint.Str, b.Fingerprint.Str)
}
