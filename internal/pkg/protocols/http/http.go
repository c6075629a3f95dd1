// Package http parses HTTP/1.x request and response heads far enough to
// fingerprint them and pull out the handful of headers the analyzer uses.
// The parser tolerates a missing \r before \n.
package http

import (
	"bytes"
	"encoding/binary"

	"github.com/endorses/mercury/internal/pkg/fingerprint"
)

// Request-line prefilters: the first eight bytes of the payload, masked and
// compared in one operation before any per-byte work happens.
type prefilter struct {
	mask  uint64
	value uint64
}

func littleEndian8(s string) uint64 {
	var b [8]byte
	copy(b[:], s)
	return binary.LittleEndian.Uint64(b[:])
}

var requestPrefilters = []prefilter{
	{mask: 0x00000000ffffffff, value: littleEndian8("GET ")},
	{mask: 0x000000ffffffffff, value: littleEndian8("POST ")},
	{mask: 0x00000000ffffffff, value: littleEndian8("PUT ")},
	{mask: 0x000000ffffffffff, value: littleEndian8("HEAD ")},
	{mask: 0xffffffffffffffff, value: littleEndian8("CONNECT ")},
	{mask: 0x0000ffffffffffff, value: littleEndian8("DELETE")},
	{mask: 0x00ffffffffffffff, value: littleEndian8("OPTIONS")},
}

var responsePrefilter = prefilter{
	mask:  0x00000000ffffffff,
	value: littleEndian8("HTTP"),
}

func matchesPrefilter(data []byte, filters []prefilter) bool {
	if len(data) < 8 {
		return false
	}
	v := binary.LittleEndian.Uint64(data)
	for _, f := range filters {
		if v&f.mask == f.value {
			return true
		}
	}
	return false
}

// Header policy for the request fingerprint.
const (
	policySkip      = iota
	policyNameOnly  // header name contributes
	policyNameValue // name and value contribute
)

// requestFingerprintPolicy maps lowercase header names to their fingerprint
// contribution.
var requestFingerprintPolicy = map[string]int{
	"accept-encoding":           policyNameValue,
	"connection":                policyNameValue,
	"dnt":                       policyNameValue,
	"dpr":                       policyNameValue,
	"upgrade-insecure-requests": policyNameValue,
	"x-requested-with":          policyNameValue,
	"accept":                    policyNameOnly,
	"accept-charset":            policyNameOnly,
	"accept-language":           policyNameOnly,
	"authorization":             policyNameOnly,
	"cache-control":             policyNameOnly,
	"host":                      policyNameOnly,
	"if-modified-since":         policyNameOnly,
	"keep-alive":                policyNameOnly,
	"user-agent":                policyNameOnly,
	"x-flash-version":           policyNameOnly,
	"x-p2p-peerdist":            policyNameOnly,
}

// Request is a parsed request head. All byte fields are views.
type Request struct {
	Valid   bool
	Method  []byte
	URI     []byte
	Version []byte

	UserAgent     []byte
	Host          []byte
	XForwardedFor []byte
	Via           []byte
	Upgrade       []byte
	Referer       []byte

	Fingerprint fingerprint.Fingerprint
}

// Response is a parsed response head.
type Response struct {
	Valid   bool
	Version []byte
	Status  []byte

	ContentType   []byte
	ContentLength []byte
	Server        []byte
	Via           []byte
}

// ParseRequest parses an HTTP/1.x request head from the start of a TCP
// payload.
func ParseRequest(data []byte) Request {
	if !matchesPrefilter(data, requestPrefilters) {
		return Request{}
	}
	line, rest, ok := cutLine(data)
	if !ok {
		return Request{}
	}
	method, line, ok := cutToken(line, ' ')
	if !ok {
		return Request{}
	}
	uri, version, ok := cutToken(line, ' ')
	if !ok {
		return Request{}
	}

	req := Request{Valid: true, Method: method, URI: uri, Version: version}

	b := fingerprint.NewBuilder("http/")
	b.OpenParen()
	b.HexBytes(method)
	b.CloseParen()
	b.OpenParen()
	b.HexBytes(version)
	b.CloseParen()
	b.OpenParen()

	walkHeaders(rest, func(name, value []byte) {
		lower := lowerName(name)
		switch lower {
		case "user-agent":
			req.UserAgent = value
		case "host":
			req.Host = value
		case "x-forwarded-for":
			req.XForwardedFor = value
		case "via":
			req.Via = value
		case "upgrade":
			req.Upgrade = value
		case "referer":
			req.Referer = value
		}
		switch requestFingerprintPolicy[lower] {
		case policyNameOnly:
			b.OpenParen()
			b.HexBytes(name)
			b.CloseParen()
		case policyNameValue:
			b.OpenParen()
			b.HexBytes(name)
			b.HexBytes([]byte{':', ' '})
			b.HexBytes(value)
			b.CloseParen()
		}
	})
	b.CloseParen()

	if b.Valid() {
		req.Fingerprint = fingerprint.Fingerprint{Type: fingerprint.TypeHTTP, Str: b.String()}
	}
	return req
}

// ParseResponse parses an HTTP/1.x response head.
func ParseResponse(data []byte) Response {
	if !matchesPrefilter(data, []prefilter{responsePrefilter}) {
		return Response{}
	}
	line, rest, ok := cutLine(data)
	if !ok {
		return Response{}
	}
	version, status, ok := cutToken(line, ' ')
	if !ok {
		return Response{}
	}

	resp := Response{Valid: true, Version: version, Status: status}
	walkHeaders(rest, func(name, value []byte) {
		switch lowerName(name) {
		case "content-type":
			resp.ContentType = value
		case "content-length":
			resp.ContentLength = value
		case "server":
			resp.Server = value
		case "via":
			resp.Via = value
		}
	})
	return resp
}

// cutLine splits off the first line, accepting LF or CRLF endings.
func cutLine(data []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, nil, false
	}
	line = data[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, data[i+1:], true
}

func cutToken(data []byte, sep byte) (token, rest []byte, ok bool) {
	i := bytes.IndexByte(data, sep)
	if i < 0 {
		if len(data) == 0 {
			return nil, nil, false
		}
		return data, nil, true
	}
	return data[:i], data[i+1:], true
}

// walkHeaders iterates "name: value" lines until the blank terminator or
// the end of the captured bytes.
func walkHeaders(data []byte, fn func(name, value []byte)) {
	for {
		line, rest, ok := cutLine(data)
		if !ok || len(line) == 0 {
			return
		}
		data = rest
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		name := line[:colon]
		value := line[colon+1:]
		for len(value) > 0 && (value[0] == ' ' || value[0] == '\t') {
			value = value[1:]
		}
		fn(name, value)
	}
}

// lowerName lowercases an ASCII header name without allocating for the
// common already-lowercase case.
func lowerName(name []byte) string {
	needsLower := false
	for _, c := range name {
		if c >= 'A' && c <= 'Z' {
			needsLower = true
			break
		}
	}
	if !needsLower {
		return string(name)
	}
	out := make([]byte, len(name))
	for i, c := range name {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
