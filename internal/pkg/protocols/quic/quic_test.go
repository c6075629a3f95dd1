package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/mercury/internal/pkg/datum"
	"github.com/endorses/mercury/internal/pkg/fingerprint"
)

// RFC 9001 Appendix A uses DCID 0x8394c8f03e515708 with QUIC v1.
var rfcDCID = []byte{0x83, 0x94, 0xc8, 0xf0, 0x3e, 0x51, 0x57, 0x08}

func TestInitialKeySchedule(t *testing.T) {
	keys, ok := deriveInitialKeys(0x00000001, rfcDCID)
	require.True(t, ok)

	// Expected values from RFC 9001 Appendix A.1 (client direction).
	assert.Equal(t, "1f369613dd76d5467730efcbe3b1a22d", hex.EncodeToString(keys.key))
	assert.Equal(t, "fa044b2f42a3fd3b46fb255c", hex.EncodeToString(keys.iv))
	assert.Equal(t, "9f50449e04a0e810283a1e9933adedd2", hex.EncodeToString(keys.hp))
}

func TestReadVarint(t *testing.T) {
	tests := []struct {
		in   []byte
		want uint64
	}{
		{[]byte{0x25}, 37},
		{[]byte{0x40, 0x25}, 37},
		{[]byte{0x7b, 0xbd}, 15293},
		{[]byte{0x9d, 0x7f, 0x3e, 0x7d}, 494878333},
		{[]byte{0xc2, 0x19, 0x7c, 0x5e, 0xff, 0x14, 0xe8, 0x8c}, 151288809941952652},
	}
	for _, tc := range tests {
		d := datum.New(tc.in)
		v, ok := readVarint(&d)
		require.True(t, ok)
		assert.Equal(t, tc.want, v)
		assert.Equal(t, 0, d.Len())
	}

	short := datum.New([]byte{0x40})
	_, ok := readVarint(&short)
	assert.False(t, ok)
}

func appendVarint16(buf []byte, v uint16) []byte {
	return append(buf, 0x40|byte(v>>8), byte(v))
}

// buildTestClientHello builds a raw TLS handshake message (no record layer).
func buildTestClientHello(sni string) []byte {
	name := []byte(sni)
	sniData := make([]byte, 5+len(name))
	binary.BigEndian.PutUint16(sniData[0:], uint16(3+len(name)))
	sniData[2] = 0
	binary.BigEndian.PutUint16(sniData[3:], uint16(len(name)))
	copy(sniData[5:], name)

	var exts []byte
	exts = binary.BigEndian.AppendUint16(exts, 0) // server_name
	exts = binary.BigEndian.AppendUint16(exts, uint16(len(sniData)))
	exts = append(exts, sniData...)
	exts = binary.BigEndian.AppendUint16(exts, 43) // supported_versions
	exts = binary.BigEndian.AppendUint16(exts, 3)
	exts = append(exts, 0x02, 0x03, 0x04)

	var body []byte
	body = binary.BigEndian.AppendUint16(body, 0x0303)
	body = append(body, make([]byte, 32)...)
	body = append(body, 0)
	body = binary.BigEndian.AppendUint16(body, 2)
	body = binary.BigEndian.AppendUint16(body, 0x1301)
	body = append(body, 1, 0)
	body = binary.BigEndian.AppendUint16(body, uint16(len(exts)))
	body = append(body, exts...)

	hs := []byte{0x01, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	return append(hs, body...)
}

// encryptInitial builds a protected v1 Initial carrying the given frames.
func encryptInitial(t *testing.T, dcid []byte, frames []byte) []byte {
	t.Helper()
	keys, ok := deriveInitialKeys(0x00000001, dcid)
	require.True(t, ok)

	const pnLen = 4
	pn := []byte{0x00, 0x00, 0x00, 0x02}

	header := []byte{0xc3} // long header, Initial, pn length 4
	header = binary.BigEndian.AppendUint32(header, 0x00000001)
	header = append(header, byte(len(dcid)))
	header = append(header, dcid...)
	header = append(header, 0x00) // empty SCID
	header = append(header, 0x00) // empty token (varint 0)
	header = appendVarint16(header, uint16(pnLen+len(frames)+16))

	aad := append(append([]byte{}, header...), pn...)

	nonce := make([]byte, ivSize)
	copy(nonce, keys.iv)
	for i := 0; i < pnLen; i++ {
		nonce[ivSize-pnLen+i] ^= pn[i]
	}
	block, err := aes.NewCipher(keys.key)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)
	ct := aead.Seal(nil, nonce, frames, aad)

	pkt := append(append(append([]byte{}, header...), pn...), ct...)

	// Apply header protection.
	pnOff := len(header)
	hpBlock, err := aes.NewCipher(keys.hp)
	require.NoError(t, err)
	var mask [16]byte
	hpBlock.Encrypt(mask[:], pkt[pnOff+4:pnOff+4+16])
	pkt[0] ^= mask[0] & 0x0f
	for i := 0; i < pnLen; i++ {
		pkt[pnOff+i] ^= mask[1+i]
	}
	return pkt
}

func TestDecryptRoundTrip(t *testing.T) {
	ch := buildTestClientHello("quic.example")

	var frames []byte
	frames = append(frames, frameCrypto, 0x00) // offset 0
	frames = appendVarint16(frames, uint16(len(ch)))
	frames = append(frames, ch...)
	frames = append(frames, make([]byte, 64)...) // PADDING

	pkt := encryptInitial(t, rfcDCID, frames)

	res := Parse(pkt)
	require.True(t, res.Valid)
	assert.False(t, res.DecryptFailed)
	assert.Equal(t, "quic.example", res.SNI)
	assert.Equal(t, fingerprint.TypeQUIC, res.Fingerprint.Type)
	assert.Equal(t,
		"quic/(00000001)(tls/1/(0303)(1301)((0000)(002b0003020304)))",
		res.Fingerprint.Str)
}

func TestCryptoFragmentsOutOfOrder(t *testing.T) {
	ch := buildTestClientHello("frag.example")
	cut := len(ch) / 2

	var frames []byte
	// Second half first.
	frames = append(frames, frameCrypto)
	frames = appendVarint16(frames, uint16(cut))
	frames = appendVarint16(frames, uint16(len(ch)-cut))
	frames = append(frames, ch[cut:]...)
	// PING between fragments.
	frames = append(frames, framePing)
	// First half.
	frames = append(frames, frameCrypto, 0x00)
	frames = appendVarint16(frames, uint16(cut))
	frames = append(frames, ch[:cut]...)

	pkt := encryptInitial(t, rfcDCID, frames)

	res := Parse(pkt)
	require.True(t, res.Valid)
	assert.Equal(t, "frag.example", res.SNI)
	assert.True(t, res.Fingerprint.Valid())
}

func TestDecryptFailureEmitsMetadata(t *testing.T) {
	ch := buildTestClientHello("tamper.example")
	var frames []byte
	frames = append(frames, frameCrypto, 0x00)
	frames = appendVarint16(frames, uint16(len(ch)))
	frames = append(frames, ch...)

	pkt := encryptInitial(t, rfcDCID, frames)
	pkt[len(pkt)-1] ^= 0xff // break the AEAD tag

	res := Parse(pkt)
	require.True(t, res.Valid)
	assert.True(t, res.DecryptFailed)
	assert.False(t, res.Fingerprint.Valid())
}

func TestGoogleQUICRecognizedNotDecrypted(t *testing.T) {
	pkt := make([]byte, 32)
	pkt[0] = 0xc3
	binary.BigEndian.PutUint32(pkt[1:], 0x51303433) // Q043

	res := Parse(pkt)
	require.True(t, res.Valid)
	assert.Equal(t, uint32(0x51303433), res.Version)
	assert.False(t, res.Fingerprint.Valid())
}

func TestNonInitialRejected(t *testing.T) {
	// Short header packet.
	res := Parse([]byte{0x43, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07})
	assert.False(t, res.Valid)

	// Unknown version.
	pkt := make([]byte, 32)
	pkt[0] = 0xc3
	binary.BigEndian.PutUint32(pkt[1:], 0xdeadbeef)
	assert.False(t, Parse(pkt).Valid)
}

func TestUnknownFrameStopsParsing(t *testing.T) {
	ch := buildTestClientHello("stop.example")
	var frames []byte
	// Unknown frame type first: parsing stops before the CRYPTO frame.
	frames = append(frames, 0x20)
	frames = append(frames, frameCrypto, 0x00)
	frames = appendVarint16(frames, uint16(len(ch)))
	frames = append(frames, ch...)

	pkt := encryptInitial(t, rfcDCID, frames)
	res := Parse(pkt)
	require.True(t, res.Valid)
	assert.False(t, res.Fingerprint.Valid())
}
