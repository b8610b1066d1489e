package kasa

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// initialKey seeds the autokey XOR stream of the legacy protocol.
const initialKey byte = 171

// headerSize is the length prefix in front of every TCP message.
const headerSize = 4

// maxFrameSize guards against garbage length prefixes.
const maxFrameSize = 1 << 20

// Encrypt applies the autokey cipher. Each output byte becomes the next key.
func Encrypt(plain []byte) []byte {
	out := make([]byte, len(plain))
	key := initialKey
	for i, b := range plain {
		key ^= b
		out[i] = key
	}
	return out
}

// Decrypt reverses Encrypt. The key advances from the ciphertext byte,
// not from the plaintext produced.
func Decrypt(cipher []byte) []byte {
	out := make([]byte, len(cipher))
	key := initialKey
	for i, b := range cipher {
		out[i] = key ^ b
		key = b
	}
	return out
}

// Encode frames a payload for the wire: big-endian plaintext length, then ciphertext.
func Encode(payload []byte) []byte {
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], Encrypt(payload))
	return frame
}

// ReadFrame reads one length-prefixed message from r and returns the decrypted payload.
// The payload may arrive split across any number of reads.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Wrap(err, "read length prefix")
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return nil, errors.Errorf("frame length %d exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrapf(err, "read %d byte payload", n)
	}
	return Decrypt(body), nil
}
