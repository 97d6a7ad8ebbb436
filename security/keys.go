package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goliatone/go-ingress/core"
	glog "github.com/goliatone/go-logger/glog"
)

// KeySource supplies versioned master keys once at startup.
type KeySource interface {
	LoadKeys(ctx context.Context) (map[int][]byte, error)
}

type StaticKeySource map[int][]byte

func (s StaticKeySource) LoadKeys(context.Context) (map[int][]byte, error) {
	out := make(map[int][]byte, len(s))
	for version, key := range s {
		out[version] = append([]byte(nil), key...)
	}
	return out, nil
}

// EnvKeySource reads PREFIX_1..PREFIX_N. A bare PREFIX variable is accepted
// as version 1 when PREFIX_1 is absent. Values are base64 or hex encoded
// 32-byte keys.
type EnvKeySource struct {
	Prefix  string
	Environ func() []string
}

func NewEnvKeySource(prefix string) EnvKeySource {
	return EnvKeySource{Prefix: prefix, Environ: os.Environ}
}

func (s EnvKeySource) LoadKeys(context.Context) (map[int][]byte, error) {
	prefix := strings.TrimSpace(s.Prefix)
	if prefix == "" {
		return nil, fmt.Errorf("security: key env prefix is required")
	}
	environ := s.Environ
	if environ == nil {
		environ = os.Environ
	}

	keys := map[int][]byte{}
	var legacy string
	for _, entry := range environ() {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if name == prefix {
			legacy = value
			continue
		}
		suffix, found := strings.CutPrefix(name, prefix+"_")
		if !found {
			continue
		}
		version, err := strconv.Atoi(suffix)
		if err != nil || version <= 0 {
			continue
		}
		key, err := DecodeKey(value)
		if err != nil {
			return nil, fmt.Errorf("security: %s: %w", name, err)
		}
		keys[version] = key
	}
	if _, ok := keys[1]; !ok && legacy != "" {
		key, err := DecodeKey(legacy)
		if err != nil {
			return nil, fmt.Errorf("security: %s: %w", prefix, err)
		}
		keys[1] = key
	}
	return keys, nil
}

// DecodeKey accepts hex or base64 (standard or URL alphabet) key material
// and requires exactly 32 decoded bytes.
func DecodeKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("key material is empty")
	}
	candidates := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
	}
	for _, decode := range candidates {
		decoded, err := decode(value)
		if err == nil && len(decoded) == KeySize {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("key material must decode to %d bytes", KeySize)
}

type VaultOptions struct {
	// Persistent marks deployments whose ciphertext must outlive the
	// process. Such deployments never run on an ephemeral key.
	Persistent bool
	Logger     core.Logger
	Random     io.Reader
}

// NewVaultFromSource loads keys from source and builds a vault. Without keys a
// persistent deployment fails with core.ErrVaultKeyMissing; anything else gets
// an in-memory key and a warning.
func NewVaultFromSource(ctx context.Context, source KeySource, options VaultOptions) (*Vault, error) {
	logger := glog.Ensure(options.Logger)
	keys := map[int][]byte{}
	if source != nil {
		loaded, err := source.LoadKeys(ctx)
		if err != nil {
			return nil, err
		}
		keys = loaded
	}

	if len(keys) == 0 {
		if options.Persistent {
			return nil, fmt.Errorf("security: no master key configured for persistent environment: %w", core.ErrVaultKeyMissing)
		}
		random := options.Random
		if random == nil {
			random = rand.Reader
		}
		ephemeral := make([]byte, KeySize)
		if _, err := io.ReadFull(random, ephemeral); err != nil {
			return nil, fmt.Errorf("security: ephemeral key generation failed: %w", err)
		}
		logger.Warn("security: no master key configured, using ephemeral key; encrypted secrets will not survive restart")
		keys = map[int][]byte{1: ephemeral}
	}

	var opts []VaultOption
	if options.Random != nil {
		opts = append(opts, WithRandom(options.Random))
	}
	return NewVault(keys, opts...)
}
