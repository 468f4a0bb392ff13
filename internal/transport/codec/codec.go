package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed datagram header length. The header doubles as
	// the AES-CTR IV for the payload that follows it.
	HeaderSize = 16

	// PacketTypeAudio is the only packet type carried on the data plane.
	PacketTypeAudio = 1
)

var (
	// ErrPacketShort indicates a datagram smaller than the header.
	ErrPacketShort = errors.New("audio packet shorter than header")
	// ErrPacketType indicates a datagram whose type byte is not audio.
	ErrPacketType = errors.New("unsupported audio packet type")
	// ErrStalePacket indicates a sequence number behind the remote counter.
	ErrStalePacket = errors.New("stale audio packet sequence")
)

// DecodeHex parses a hex-encoded key or nonce from a server hello.
func DecodeHex(value string) ([]byte, error) {
	out, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode hex field: %w", err)
	}
	return out, nil
}

// CryptoContext owns the symmetric key, the base nonce template and both
// sequence counters for one audio channel. A new context is derived on every
// handshake. It is not safe for concurrent use; the owning transport guards
// it together with the datagram socket.
type CryptoContext struct {
	block     cipher.Block
	nonce     []byte
	localSeq  uint32
	remoteSeq uint32
}

// NewCryptoContext builds a context from the hex key and nonce of a server
// hello. The nonce must be exactly HeaderSize bytes since it is the header
// template.
func NewCryptoContext(keyHex string, nonceHex string) (*CryptoContext, error) {
	key, err := DecodeHex(keyHex)
	if err != nil {
		return nil, err
	}
	nonce, err := DecodeHex(nonceHex)
	if err != nil {
		return nil, err
	}
	if len(nonce) != HeaderSize {
		return nil, fmt.Errorf("nonce length %d, want %d", len(nonce), HeaderSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes cipher: %w", err)
	}
	return &CryptoContext{block: block, nonce: nonce}, nil
}

// Seal encrypts one encoded audio frame into a wire packet. The header is
// the nonce template with the payload length and the incremented local
// sequence patched in; the same bytes serve as the CTR IV.
func (c *CryptoContext) Seal(payload []byte) []byte {
	c.localSeq++

	header := make([]byte, HeaderSize)
	copy(header, c.nonce)
	binary.BigEndian.PutUint16(header[2:4], uint16(len(payload)))
	binary.BigEndian.PutUint32(header[12:16], c.localSeq)

	packet := make([]byte, HeaderSize+len(payload))
	copy(packet, header)
	stream := cipher.NewCTR(c.block, header)
	stream.XORKeyStream(packet[HeaderSize:], payload)
	return packet
}

// Open validates and decrypts one wire packet. Stale packets (sequence
// behind the remote counter) fail with ErrStalePacket and leave the context
// untouched. A sequence gap is tolerated: the packet is still decrypted and
// the counter jumps forward, with gap=true so the caller can log it.
func (c *CryptoContext) Open(packet []byte) (payload []byte, gap bool, err error) {
	if len(packet) < HeaderSize {
		return nil, false, ErrPacketShort
	}
	if packet[0] != PacketTypeAudio {
		return nil, false, ErrPacketType
	}

	sequence := binary.BigEndian.Uint32(packet[12:16])
	if sequence < c.remoteSeq {
		return nil, false, ErrStalePacket
	}
	gap = sequence != c.remoteSeq+1

	payload = make([]byte, len(packet)-HeaderSize)
	stream := cipher.NewCTR(c.block, packet[:HeaderSize])
	stream.XORKeyStream(payload, packet[HeaderSize:])

	c.remoteSeq = sequence
	return payload, gap, nil
}

// LocalSequence executes the localSequence method.
func (c *CryptoContext) LocalSequence() uint32 {
	return c.localSeq
}

// RemoteSequence executes the remoteSequence method.
func (c *CryptoContext) RemoteSequence() uint32 {
	return c.remoteSeq
}
