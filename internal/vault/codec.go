package vault

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/vaultbridge/internal/crypto/clientcrypto"
	"github.com/and161185/vaultbridge/internal/errs"
)

const (
	formatName = "vaultbridge/v1"
	contentKey = "vaultbridge/vault/content"
)

var magic = []byte("BCV1")

// header: magic(4) | time(4) | memory(4) | threads(1) | salt
const headerLen = 4 + 4 + 4 + 1 + clientcrypto.SaltLen

type document struct {
	Format  string `json:"format"`
	ID      string `json:"id"`
	History []Op   `json:"history"`
}

// Serialize renders the vault history as JSON.
func (v *Vault) Serialize() ([]byte, error) {
	return json.Marshal(document{Format: formatName, ID: v.ID(), History: v.History()})
}

// Parse rebuilds a vault from Serialize output.
func Parse(data []byte) (*Vault, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("vault: decode: %w", err)
	}
	if doc.Format != formatName {
		return nil, fmt.Errorf("vault: unsupported format %q", doc.Format)
	}
	return FromHistory(doc.ID, doc.History)
}

// Key is the derived content key of one archive. It holds no password.
type Key struct {
	params clientcrypto.KDFParams
	salt   []byte
	key    []byte
}

// NewKey derives a key for a new archive with a fresh salt.
func NewKey(pw clientcrypto.Password, p clientcrypto.KDFParams) (*Key, error) {
	if pw.Empty() {
		return nil, fmt.Errorf("vault key: empty password: %w", errs.ErrInvalidCredentials)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	salt, err := clientcrypto.Rand(clientcrypto.SaltLen)
	if err != nil {
		return nil, err
	}
	return deriveKey(pw, p, salt)
}

func deriveKey(pw clientcrypto.Password, p clientcrypto.KDFParams, salt []byte) (*Key, error) {
	sub, err := clientcrypto.DeriveSubkey(clientcrypto.DeriveKey(pw.Bytes(), salt, p), contentKey)
	if err != nil {
		return nil, err
	}
	return &Key{params: p, salt: salt, key: sub}, nil
}

func (k *Key) header() []byte {
	h := make([]byte, 0, headerLen)
	h = append(h, magic...)
	h = binary.BigEndian.AppendUint32(h, k.params.Time)
	h = binary.BigEndian.AppendUint32(h, k.params.Memory)
	h = append(h, k.params.Threads)
	return append(h, k.salt...)
}

// Encrypt serializes and encrypts the vault: header || nonce || ciphertext.
func Encrypt(v *Vault, k *Key) ([]byte, error) {
	plain, err := v.Serialize()
	if err != nil {
		return nil, err
	}
	h := k.header()
	blob, err := clientcrypto.EncryptBlob(k.key, h, plain)
	if err != nil {
		return nil, err
	}
	return append(h, blob...), nil
}

// Decrypt opens archive content with a password and returns the vault with its key.
func Decrypt(data []byte, pw clientcrypto.Password) (*Vault, *Key, error) {
	p, salt, err := readHeader(data)
	if err != nil {
		return nil, nil, err
	}
	k, err := deriveKey(pw, p, salt)
	if err != nil {
		return nil, nil, err
	}
	v, err := k.Decrypt(data)
	if err != nil {
		return nil, nil, err
	}
	return v, k, nil
}

// Decrypt opens archive content written under the same key.
// Content re-keyed elsewhere fails with ErrInvalidCredentials.
func (k *Key) Decrypt(data []byte) (*Vault, error) {
	if _, _, err := readHeader(data); err != nil {
		return nil, err
	}
	h := k.header()
	if !bytes.Equal(data[:headerLen], h) {
		return nil, fmt.Errorf("vault: archive re-keyed: %w", errs.ErrInvalidCredentials)
	}
	plain, err := clientcrypto.DecryptBlob(k.key, h, data[headerLen:])
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", errs.ErrInvalidCredentials)
	}
	return Parse(plain)
}

var errBadHeader = errors.New("vault: not an archive")

func readHeader(data []byte) (clientcrypto.KDFParams, []byte, error) {
	if len(data) < headerLen || !bytes.Equal(data[:4], magic) {
		return clientcrypto.KDFParams{}, nil, errBadHeader
	}
	p := clientcrypto.KDFParams{
		Time:    binary.BigEndian.Uint32(data[4:8]),
		Memory:  binary.BigEndian.Uint32(data[8:12]),
		Threads: data[12],
	}
	if err := p.Validate(); err != nil {
		return clientcrypto.KDFParams{}, nil, fmt.Errorf("%w: %v", errBadHeader, err)
	}
	salt := bytes.Clone(data[13:headerLen])
	return p, salt, nil
}
