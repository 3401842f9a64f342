// Package crypto provides the symmetric encryption primitives for gated
// recipe content. Each gated record is encrypted under its own random
// 32-byte key with AES-256 in CBC mode and PKCS#7 padding; the key is held
// in server-side escrow and disclosed only after payment is verified. CBC
// with an explicit IV is used (rather than an AEAD mode) because the
// ciphertext format is shared with pre-existing gated records and the
// unlock clients that decrypt them — the IV and ciphertext cross the module
// boundary as hex strings and must round-trip symmetrically.
//
// A consequence of CBC is that decryption failures are detected through
// padding and length checks instead of an authentication tag. Every such
// failure is reported as ErrDecryptionFailed; callers must treat it as
// "access denied", never as recoverable output.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
)

const (
	// KeySize is the required secret key length in bytes (AES-256).
	KeySize = 32
	// IVSize is the CBC initialization vector length in bytes (one AES block).
	IVSize = aes.BlockSize
)

var (
	// ErrKeyLengthInvalid is returned when a secret key is not exactly 32 bytes.
	// This is a programmer error: keys are only ever produced by GenerateSecretKey.
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when the IV or ciphertext fails hex
	// decoding or has an impossible length for CBC.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted")
	// ErrDecryptionFailed is returned when decryption produces invalid PKCS#7
	// padding, indicating a wrong key or tampered ciphertext.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
)

// GenerateSecretKey returns a fresh cryptographically secure 32-byte key.
func GenerateSecretKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt encrypts plaintext with AES-256-CBC under key and returns the IV
// and ciphertext as hex strings. A fresh random IV is generated on every
// call; an IV is never reused for the same key.
func Encrypt(plaintext string, key []byte) (ivHex, ciphertextHex string, err error) {
	if len(key) != KeySize {
		return "", "", ErrKeyLengthInvalid
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", "", err
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv), hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. It returns ErrCiphertextCorrupted for malformed
// hex or impossible lengths and ErrDecryptionFailed when the padding check
// fails (wrong key or tampered data). It never returns garbage plaintext.
func Decrypt(ivHex, ciphertextHex string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", ErrKeyLengthInvalid
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != IVSize {
		return "", ErrCiphertextCorrupted
	}
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrCiphertextCorrupted
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(unpadded), nil
}

// EncodeKey converts a raw key to its hex representation for storage and
// disclosure to buyers.
func EncodeKey(key []byte) string {
	return hex.EncodeToString(key)
}

// DecodeKey parses a hex-encoded key and validates its length.
func DecodeKey(keyHex string) ([]byte, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, ErrKeyLengthInvalid
	}
	if len(key) != KeySize {
		return nil, ErrKeyLengthInvalid
	}
	return key, nil
}

// pkcs7Pad appends PKCS#7 padding so the result is a whole number of blocks.
// Input that is already block-aligned gains a full block of padding.
func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// pkcs7Unpad strips PKCS#7 padding, validating every padding byte.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrDecryptionFailed
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrDecryptionFailed
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrDecryptionFailed
		}
	}
	return data[:len(data)-n], nil
}
