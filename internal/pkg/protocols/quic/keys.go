package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	secretSize = 32
	keySize    = 16
	ivSize     = 12
)

// Initial salts per version range (RFC 9001 and its drafts).
var (
	saltDraft22 = []byte{
		0x7f, 0xbc, 0xdb, 0x0e, 0x7c, 0x66, 0xbb, 0xe9, 0x19, 0x3a,
		0x96, 0xcd, 0x21, 0x51, 0x9e, 0xbd, 0x7a, 0x02, 0x64, 0x4a,
	}
	saltDraft23 = []byte{
		0xc3, 0xee, 0xf7, 0x12, 0xc7, 0x2e, 0xbb, 0x5a, 0x11, 0xa7,
		0xd2, 0x43, 0x2b, 0xb4, 0x63, 0x65, 0xbe, 0xf9, 0xf5, 0x02,
	}
	saltDraft29 = []byte{
		0xaf, 0xbf, 0xec, 0x28, 0x99, 0x93, 0xd2, 0x4c, 0x9e, 0x97,
		0x86, 0xf1, 0x9c, 0x61, 0x11, 0xe0, 0x43, 0x90, 0xa8, 0x99,
	}
	saltV1 = []byte{
		0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
		0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
	}
)

// initialSalt returns the version's initial salt, or nil for versions we do
// not decrypt.
func initialSalt(version uint32) []byte {
	switch {
	case version == 0x00000001:
		return saltV1
	case version == 0xff000016: // draft-22
		return saltDraft22
	case version >= 0xff000017 && version <= 0xff00001c: // draft-23..28
		return saltDraft23
	case version >= 0xff00001d && version <= 0xff000020: // draft-29..32
		return saltDraft29
	case version >= 0xff000021 && version <= 0xff000022: // draft-33..34
		return saltV1
	}
	return nil
}

// hkdfExpandLabel implements the TLS 1.3 HKDF-Expand-Label construction
// with the mandatory "tls13 " prefix.
func hkdfExpandLabel(secret []byte, label string, outLen int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 2+1+len(fullLabel)+1)
	info[0] = byte(outLen >> 8)
	info[1] = byte(outLen)
	info[2] = byte(len(fullLabel))
	copy(info[3:], fullLabel)
	// trailing zero byte: empty context

	out := make([]byte, outLen)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), out); err != nil {
		return nil
	}
	return out
}

// initialKeys holds the client Initial protection keys for one connection.
type initialKeys struct {
	key []byte // AEAD key
	iv  []byte // AEAD IV, XORed with the packet number
	hp  []byte // header protection key
}

// deriveInitialKeys runs the RFC 9001 §5.2 schedule for the client
// direction: initial_secret = HKDF-Extract(salt, DCID), then client-in,
// key, iv, hp.
func deriveInitialKeys(version uint32, dcid []byte) (initialKeys, bool) {
	salt := initialSalt(version)
	if salt == nil {
		return initialKeys{}, false
	}
	initialSecret := hkdf.Extract(sha256.New, dcid, salt)
	clientSecret := hkdfExpandLabel(initialSecret, "client in", secretSize)
	return initialKeys{
		key: hkdfExpandLabel(clientSecret, "quic key", keySize),
		iv:  hkdfExpandLabel(clientSecret, "quic iv", ivSize),
		hp:  hkdfExpandLabel(clientSecret, "quic hp", keySize),
	}, true
}

// Decrypt removes header protection and AEAD-decrypts the Initial payload.
// Returns ok=false when the tag does not verify; per the error contract the
// caller still emits metadata.
func (in *Initial) Decrypt() ([]byte, bool) {
	keys, ok := deriveInitialKeys(in.Version, in.DCID)
	if !ok {
		return nil, false
	}

	pkt := in.packet
	pnOff := in.pnOffset
	// Sample 16 bytes past an assumed 4-byte packet number.
	if pnOff+4+16 > in.end {
		return nil, false
	}
	hpBlock, err := aes.NewCipher(keys.hp)
	if err != nil {
		return nil, false
	}
	var mask [16]byte
	hpBlock.Encrypt(mask[:], pkt[pnOff+4:pnOff+4+16])

	// Long header: low 4 bits of the first octet are protected.
	first := pkt[0] ^ (mask[0] & 0x0f)
	pnLen := int(first&0x03) + 1
	if pnOff+pnLen > in.end {
		return nil, false
	}
	var pn [4]byte
	for i := 0; i < pnLen; i++ {
		pn[i] = pkt[pnOff+i] ^ mask[1+i]
	}

	// AAD is the unprotected header: everything before the payload with the
	// first octet and packet number unmasked.
	aad := make([]byte, pnOff+pnLen)
	copy(aad, pkt[:pnOff])
	aad[0] = first
	copy(aad[pnOff:], pn[:pnLen])

	// Nonce: IV XOR right-aligned packet number.
	nonce := make([]byte, ivSize)
	copy(nonce, keys.iv)
	for i := 0; i < pnLen; i++ {
		nonce[ivSize-pnLen+i] ^= pn[i]
	}

	block, err := aes.NewCipher(keys.key)
	if err != nil {
		return nil, false
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, false
	}
	plain, err := aead.Open(nil, nonce, pkt[pnOff+pnLen:in.end], aad)
	if err != nil {
		return nil, false
	}
	return plain, true
}
