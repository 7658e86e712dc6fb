package rfb

import (
	"crypto/des"
	"fmt"
)

// vncAuthResponse encrypts the 16-byte server challenge with the classic
// VNC scheme: DES-ECB keyed by the first 8 password bytes, each byte with
// its bit order reversed.
func vncAuthResponse(challenge []byte, password string) ([]byte, error) {
	if len(challenge) != 16 {
		return nil, fmt.Errorf("rfb: challenge must be 16 bytes, got %d", len(challenge))
	}

	key := make([]byte, 8)
	copy(key, password)
	for i, b := range key {
		key[i] = reverseBits(b)
	}

	block, err := des.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("rfb: des cipher: %w", err)
	}

	response := make([]byte, 16)
	block.Encrypt(response[:8], challenge[:8])
	block.Encrypt(response[8:], challenge[8:])
	return response, nil
}

func reverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r = r<<1 | b&1
		b >>= 1
	}
	return r
}
