package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/goliatone/go-ingress/core"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var ErrDecryptFailed = errors.New("security: ciphertext authentication failed")

// Vault encrypts secrets with AES-256-GCM under numbered master keys. The
// stored layout is nonce ‖ tag ‖ encryptedBytes and the key version travels
// next to the ciphertext, not inside it.
type Vault struct {
	keys    map[int][]byte
	current int
	random  io.Reader
}

type VaultOption func(*Vault)

// WithRandom overrides the nonce source.
func WithRandom(reader io.Reader) VaultOption {
	return func(v *Vault) {
		if reader != nil {
			v.random = reader
		}
	}
}

func NewVault(keys map[int][]byte, opts ...VaultOption) (*Vault, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("security: at least one master key is required: %w", core.ErrVaultKeyMissing)
	}
	vault := &Vault{
		keys:   make(map[int][]byte, len(keys)),
		random: rand.Reader,
	}
	for version, key := range keys {
		if version <= 0 {
			return nil, fmt.Errorf("security: key version must be positive, got %d", version)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("security: key version %d must be %d bytes, got %d", version, KeySize, len(key))
		}
		copied := make([]byte, KeySize)
		copy(copied, key)
		vault.keys[version] = copied
		if version > vault.current {
			vault.current = version
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(vault)
		}
	}
	return vault, nil
}

// CurrentVersion is the version new ciphertext is written under.
func (v *Vault) CurrentVersion() int {
	if v == nil {
		return 0
	}
	return v.current
}

func (v *Vault) Versions() []int {
	if v == nil {
		return nil
	}
	versions := make([]int, 0, len(v.keys))
	for version := range v.keys {
		versions = append(versions, version)
	}
	sort.Ints(versions)
	return versions
}

// Encrypt seals plaintext under version, or under the current version when
// none is given.
func (v *Vault) Encrypt(_ context.Context, plaintext []byte, version ...int) ([]byte, int, error) {
	if v == nil {
		return nil, 0, fmt.Errorf("security: vault is nil")
	}
	keyVersion := v.current
	if len(version) > 0 && version[0] > 0 {
		keyVersion = version[0]
	}
	gcm, err := v.aead(keyVersion)
	if err != nil {
		return nil, 0, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(v.random, nonce); err != nil {
		return nil, 0, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	body := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, NonceSize+TagSize+len(body))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, body...)
	return out, keyVersion, nil
}

func (v *Vault) Decrypt(_ context.Context, ciphertext []byte, keyVersion int) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("security: vault is nil")
	}
	gcm, err := v.aead(keyVersion)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < NonceSize+TagSize {
		return nil, ErrDecryptFailed
	}
	nonce := ciphertext[:NonceSize]
	tag := ciphertext[NonceSize : NonceSize+TagSize]
	body := ciphertext[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(body)+TagSize)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func (v *Vault) aead(keyVersion int) (cipher.AEAD, error) {
	key, ok := v.keys[keyVersion]
	if !ok {
		return nil, fmt.Errorf("security: key version %d: %w", keyVersion, core.ErrKeyVersionNotFound)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}
