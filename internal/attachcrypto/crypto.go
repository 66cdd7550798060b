// Package attachcrypto encrypts attachment payloads before upload.
//
// A key is 64 bytes: a 32-byte AES-256 key followed by a 32-byte HMAC-SHA256
// key. The encrypted payload is iv || AES-CBC(PKCS#7(plaintext)) || mac, where
// mac authenticates iv and ciphertext. The digest is SHA-256 of the whole
// encrypted payload.
package attachcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the length of an attachment key.
	KeySize = 64
	macSize = sha256.Size
)

var (
	ErrKeySize   = errors.New("attachment key must be 64 bytes")
	ErrMAC       = errors.New("attachment mac mismatch")
	ErrMalformed = errors.New("malformed encrypted attachment")
)

// Result is an encrypted attachment.
type Result struct {
	Ciphertext []byte
	Digest     []byte
}

// NewKey returns a fresh random attachment key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Encrypt reads r to the end and encrypts it under key.
func Encrypt(r io.Reader, key []byte) (*Result, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}

	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, err
	}
	padded := pad(plaintext, aes.BlockSize)

	out := make([]byte, aes.BlockSize+len(padded), aes.BlockSize+len(padded)+macSize)
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	mac := hmac.New(sha256.New, key[32:])
	mac.Write(out)
	out = mac.Sum(out)

	digest := sha256.Sum256(out)
	return &Result{Ciphertext: out, Digest: digest[:]}, nil
}

// Decrypt verifies digest (when non-nil) and the mac, then returns the plaintext.
func Decrypt(payload, key, digest []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	if len(payload) < aes.BlockSize*2+macSize || (len(payload)-macSize)%aes.BlockSize != 0 {
		return nil, ErrMalformed
	}
	if digest != nil {
		sum := sha256.Sum256(payload)
		if !hmac.Equal(sum[:], digest) {
			return nil, fmt.Errorf("digest mismatch: %w", ErrMalformed)
		}
	}

	body, tag := payload[:len(payload)-macSize], payload[len(payload)-macSize:]
	mac := hmac.New(sha256.New, key[32:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrMAC
	}

	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, err
	}
	iv, ct := body[:aes.BlockSize], body[aes.BlockSize:]
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	return unpad(plain, aes.BlockSize)
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrMalformed
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrMalformed
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrMalformed
		}
	}
	return b[:len(b)-n], nil
}
