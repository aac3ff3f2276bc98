// Package clientcrypto contains client-side primitives for key derivation, sealing and AEAD.
package clientcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sizes
const (
	KeyLen  = 32
	SaltLen = 16
)

// KDFParams are the Argon2id cost parameters. They travel with sealed data.
type KDFParams struct {
	Time    uint32 `mapstructure:"time"`
	Memory  uint32 `mapstructure:"memory"` // KiB
	Threads uint8  `mapstructure:"threads"`
}

// DefaultParams mirror interactive Argon2id settings.
var DefaultParams = KDFParams{Time: 3, Memory: 64 * 1024, Threads: 1}

// Upper bounds for parameters read from sealed data and archive headers.
const (
	MaxTime    = 16
	MaxMemory  = 1 << 20 // KiB
	MaxThreads = 16
)

// Validate rejects parameters argon2 cannot run with and costs above the maxima.
func (p KDFParams) Validate() error {
	if p.Time == 0 || p.Threads == 0 || p.Memory < 8*uint32(p.Threads) {
		return fmt.Errorf("bad kdf params t=%d m=%d p=%d", p.Time, p.Memory, p.Threads)
	}
	if p.Time > MaxTime || p.Memory > MaxMemory || p.Threads > MaxThreads {
		return fmt.Errorf("kdf params over limit t=%d m=%d p=%d", p.Time, p.Memory, p.Threads)
	}
	return nil
}

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKey derives a KEK from password and salt using Argon2id.
func DeriveKey(password, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, KeyLen)
}

// DeriveSubkey derives a purpose-bound key via HKDF-SHA256 using info as context.
func DeriveSubkey(key []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, key, nil, []byte(info))
	out := make([]byte, KeyLen)
	_, err := r.Read(out)
	return out, err
}

// EncryptBlob encrypts plaintext with XChaCha20-Poly1305, output is nonce||ciphertext.
func EncryptBlob(key, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return out, nil
}

// DecryptBlob decrypts a blob using the same AAD as during encryption.
func DecryptBlob(key, aad, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("blob too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}
