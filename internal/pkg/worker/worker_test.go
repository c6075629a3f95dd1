package worker

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/mercury/internal/pkg/config"
	"github.com/endorses/mercury/internal/pkg/flow"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.MetadataOutput = true
	cfg.DNSJSONOutput = true
	return cfg
}

func popJSON(t *testing.T, w *Worker) map[string]any {
	t.Helper()
	require.True(t, w.Ring.FrontReady(), "expected a record in the ring")
	var record map[string]any
	var raw []byte
	err := w.Ring.PopFront(func(_, _ int64, _ uint32, payload []byte) error {
		raw = append([]byte{}, payload...)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &record), "record must be valid JSON: %s", raw)
	return record
}

// tcpPacket builds Ethernet/IPv4/TCP with the given flags and payload.
func tcpPacket(t *testing.T, seq uint32, flags byte, payload []byte) *flow.Packet {
	t.Helper()
	eth := []byte{
		0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11,
		0x08, 0x00,
	}
	ipLen := 20 + 20 + len(payload)
	ip := []byte{
		0x45, 0x00, byte(ipLen >> 8), byte(ipLen),
		0, 1, 0, 0, 64, 6, 0, 0,
		10, 0, 0, 1,
		93, 184, 216, 34,
	}
	tcp := []byte{
		0xc7, 0x38, 0x01, 0xbb, // 51000 -> 443
		byte(seq >> 24), byte(seq >> 16), byte(seq >> 8), byte(seq),
		0, 0, 0, 0,
		0x50, flags,
		0xff, 0xff, 0, 0, 0, 0,
	}
	data := append(append(append([]byte{}, eth...), ip...), tcp...)
	data = append(data, payload...)
	return &flow.Packet{
		Sec: 1700000000, Nsec: 500,
		CapLen: uint32(len(data)), WireLen: uint32(len(data)),
		LinkType: layers.LinkTypeEthernet,
		Data:     data,
	}
}

func TestSYNProducesTCPRecord(t *testing.T) {
	w := New(0, testConfig(), nil)
	w.ProcessPacket(tcpPacket(t, 0x12345678, 0x02, nil))

	rec := popJSON(t, w)
	fps := rec["fingerprints"].(map[string]any)
	assert.Contains(t, fps, "tcp")
	assert.Equal(t, "10.0.0.1", rec["src_ip"])
	assert.Equal(t, "93.184.216.34", rec["dst_ip"])
	assert.Equal(t, float64(6), rec["protocol"])
	assert.Equal(t, float64(51000), rec["src_port"])
	assert.Equal(t, float64(443), rec["dst_port"])
	assert.InDelta(t, 1700000000.0000005, rec["event_start"].(float64), 1e-6)
}

// buildClientHelloRecord assembles a TLS record carrying a ClientHello with
// the given SNI.
func buildClientHelloRecord(sni string) []byte {
	name := []byte(sni)
	sniData := make([]byte, 5+len(name))
	binary.BigEndian.PutUint16(sniData[0:], uint16(3+len(name)))
	sniData[2] = 0
	binary.BigEndian.PutUint16(sniData[3:], uint16(len(name)))
	copy(sniData[5:], name)

	var exts []byte
	exts = binary.BigEndian.AppendUint16(exts, 0)
	exts = binary.BigEndian.AppendUint16(exts, uint16(len(sniData)))
	exts = append(exts, sniData...)

	var body []byte
	body = binary.BigEndian.AppendUint16(body, 0x0303)
	body = append(body, make([]byte, 32)...)
	body = append(body, 0)
	body = binary.BigEndian.AppendUint16(body, 2)
	body = binary.BigEndian.AppendUint16(body, 0x1301)
	body = append(body, 1, 0)
	body = binary.BigEndian.AppendUint16(body, uint16(len(exts)))
	body = append(body, exts...)

	hs := []byte{1, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	hs = append(hs, body...)
	rec := []byte{22, 0x03, 0x03, byte(len(hs) >> 8), byte(len(hs))}
	return append(rec, hs...)
}

func TestClientHelloSingleSegment(t *testing.T) {
	w := New(0, testConfig(), nil)
	w.ProcessPacket(tcpPacket(t, 1000, 0x18, buildClientHelloRecord("example.com")))

	rec := popJSON(t, w)
	fps := rec["fingerprints"].(map[string]any)
	assert.Contains(t, fps, "tls")
	tlsObj := rec["tls"].(map[string]any)
	client := tlsObj["client"].(map[string]any)
	assert.Equal(t, "example.com", client["server_name"])
}

func TestClientHelloSpanningTwoSegments(t *testing.T) {
	w := New(0, testConfig(), nil)

	full := buildClientHelloRecord("split.example.com")
	// Pad the hello so it is large enough to split meaningfully.
	require.Greater(t, len(full), 60)
	cut := 40

	// First segment: no output, reassembler retains.
	w.ProcessPacket(tcpPacket(t, 1000, 0x18, full[:cut]))
	assert.False(t, w.Ring.FrontReady())

	// Second segment completes the handshake.
	w.ProcessPacket(tcpPacket(t, 1000+uint32(cut), 0x18, full[cut:]))
	rec := popJSON(t, w)
	fps := rec["fingerprints"].(map[string]any)
	assert.Contains(t, fps, "tls")
	client := rec["tls"].(map[string]any)["client"].(map[string]any)
	assert.Equal(t, "split.example.com", client["server_name"])
}

func TestHTTPRequestRecord(t *testing.T) {
	w := New(0, testConfig(), nil)
	payload := []byte("GET /x HTTP/1.1\r\nHost: example.com\r\nUser-Agent: curl/8\r\n\r\n")
	w.ProcessPacket(tcpPacket(t, 1, 0x18, payload))

	rec := popJSON(t, w)
	assert.Contains(t, rec["fingerprints"].(map[string]any), "http")
	req := rec["http"].(map[string]any)["request"].(map[string]any)
	assert.Equal(t, "GET", req["method"])
	assert.Equal(t, "example.com", req["host"])
	assert.Equal(t, "curl/8", req["user_agent"])
}

// udpPacket builds Ethernet/IPv4/UDP.
func udpPacket(t *testing.T, srcPort, dstPort uint16, payload []byte) *flow.Packet {
	t.Helper()
	eth := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 0x08, 0x00}
	ipLen := 20 + 8 + len(payload)
	ip := []byte{
		0x45, 0x00, byte(ipLen >> 8), byte(ipLen),
		0, 1, 0, 0, 64, 17, 0, 0,
		192, 168, 1, 2,
		8, 8, 8, 8,
	}
	udp := []byte{
		byte(srcPort >> 8), byte(srcPort),
		byte(dstPort >> 8), byte(dstPort),
		byte((8 + len(payload)) >> 8), byte(8 + len(payload)),
		0, 0,
	}
	data := append(append(append([]byte{}, eth...), ip...), udp...)
	data = append(data, payload...)
	return &flow.Packet{
		Sec: 1700000001, Nsec: 0,
		CapLen: uint32(len(data)), WireLen: uint32(len(data)),
		LinkType: layers.LinkTypeEthernet,
		Data:     data,
	}
}

func TestDNSRecord(t *testing.T) {
	query := []byte{
		0x12, 0x34, 0x01, 0x00,
		0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x07, 'e', 'x', 'a', 'm', 'p', 'l', 'e',
		0x03, 'c', 'o', 'm', 0x00,
		0x00, 0x01, 0x00, 0x01,
	}
	w := New(0, testConfig(), nil)
	w.ProcessPacket(udpPacket(t, 51234, 53, query))

	rec := popJSON(t, w)
	dnsObj := rec["dns"].(map[string]any)
	q := dnsObj["question"].([]any)[0].(map[string]any)
	assert.Equal(t, "example.com", q["name"])
}

func TestDNSBase64OptOut(t *testing.T) {
	cfg := testConfig()
	cfg.DNSJSONOutput = false
	query := []byte{
		0x12, 0x34, 0x01, 0x00,
		0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x01, 'x', 0x00,
		0x00, 0x01, 0x00, 0x01,
	}
	w := New(0, cfg, nil)
	w.ProcessPacket(udpPacket(t, 51234, 53, query))

	rec := popJSON(t, w)
	dnsObj := rec["dns"].(map[string]any)
	assert.Contains(t, dnsObj, "base64")
}

func TestPCAPModePassthrough(t *testing.T) {
	cfg := testConfig()
	cfg.OutputMode = config.OutputPCAP
	w := New(0, cfg, nil)

	pkt := tcpPacket(t, 7, 0x02, nil)
	w.ProcessPacket(pkt)

	require.True(t, w.Ring.FrontReady())
	err := w.Ring.PopFront(func(sec, nsec int64, wire uint32, payload []byte) error {
		assert.Equal(t, pkt.Sec, sec)
		assert.Equal(t, pkt.Data, payload)
		assert.Equal(t, pkt.WireLen, wire)
		return nil
	})
	require.NoError(t, err)
}

func TestNonHandshakePayloadEmitsNothing(t *testing.T) {
	w := New(0, testConfig(), nil)
	w.ProcessPacket(tcpPacket(t, 1, 0x18, []byte{0x17, 0x03, 0x03, 0x00, 0x04, 1, 2, 3, 4}))
	assert.False(t, w.Ring.FrontReady())
}
