package clientcrypto

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/and161185/vaultbridge/internal/errs"
	"github.com/and161185/vaultbridge/internal/model"
)

const sealVersion = "v1"

var sealAAD = []byte("vaultbridge/sealed/v1")

// Sealer encrypts credential blobs under a master password.
// New blobs use the configured params; Unseal reads params from the blob.
type Sealer struct {
	params KDFParams
}

// NewSealer constructs a Sealer. Zero params fall back to DefaultParams.
func NewSealer(p KDFParams) *Sealer {
	if p == (KDFParams{}) {
		p = DefaultParams
	}
	return &Sealer{params: p}
}

// Seal encrypts plaintext under pw with a fresh salt.
// Format: v1$t=<time>,m=<memory>,p=<threads>$base64(salt||nonce||ciphertext).
func (s *Sealer) Seal(plaintext []byte, pw Password) (model.Sealed, error) {
	if pw.Empty() {
		return "", fmt.Errorf("seal: empty password: %w", errs.ErrInvalidCredentials)
	}
	if err := s.params.Validate(); err != nil {
		return "", err
	}
	salt, err := Rand(SaltLen)
	if err != nil {
		return "", err
	}
	key := DeriveKey(pw.Bytes(), salt, s.params)
	blob, err := EncryptBlob(key, sealAAD, plaintext)
	if err != nil {
		return "", err
	}
	raw := append(salt, blob...)
	return model.Sealed(fmt.Sprintf("%s$t=%d,m=%d,p=%d$%s",
		sealVersion, s.params.Time, s.params.Memory, s.params.Threads,
		base64.RawStdEncoding.EncodeToString(raw))), nil
}

// Unseal decrypts a sealed blob. Any mismatch or corruption is ErrInvalidCredentials.
func (s *Sealer) Unseal(sealed model.Sealed, pw Password) ([]byte, error) {
	if pw.Empty() {
		return nil, fmt.Errorf("unseal: empty password: %w", errs.ErrInvalidCredentials)
	}
	p, raw, err := parseSealed(string(sealed))
	if err != nil {
		return nil, fmt.Errorf("unseal: %v: %w", err, errs.ErrInvalidCredentials)
	}
	key := DeriveKey(pw.Bytes(), raw[:SaltLen], p)
	out, err := DecryptBlob(key, sealAAD, raw[SaltLen:])
	if err != nil {
		return nil, fmt.Errorf("unseal: %w", errs.ErrInvalidCredentials)
	}
	return out, nil
}

func parseSealed(s string) (KDFParams, []byte, error) {
	parts := strings.Split(s, "$")
	if len(parts) != 3 || parts[0] != sealVersion {
		return KDFParams{}, nil, fmt.Errorf("malformed sealed data")
	}
	var p KDFParams
	if _, err := fmt.Sscanf(parts[1], "t=%d,m=%d,p=%d", &p.Time, &p.Memory, &p.Threads); err != nil {
		return KDFParams{}, nil, fmt.Errorf("malformed kdf params")
	}
	if err := p.Validate(); err != nil {
		return KDFParams{}, nil, err
	}
	raw, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(raw) <= SaltLen {
		return KDFParams{}, nil, fmt.Errorf("malformed payload")
	}
	return p, raw, nil
}
