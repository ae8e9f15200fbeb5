package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/trakbridge/trakbridge/internal/secret"
)

// encPrefix marks an encrypted plugin-config value at rest.
const encPrefix = "enc:v1:"

// FieldCrypt encrypts the sensitive values of plugin configurations with
// AES-256-GCM before they hit the database, and decrypts them on load. Which
// keys are sensitive is decided by secret.IsSensitiveKey.
type FieldCrypt struct {
	aead cipher.AEAD
}

// NewFieldCrypt builds a FieldCrypt from a hex-encoded 32-byte key.
func NewFieldCrypt(hexKey string) (*FieldCrypt, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("store: decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("store: encryption key is %d bytes, want 32", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("store: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: init GCM: %w", err)
	}
	return &FieldCrypt{aead: aead}, nil
}

// encryptValue seals plaintext into "enc:v1:" + base64(nonce ‖ ciphertext).
func (fc *FieldCrypt) encryptValue(plaintext string) (string, error) {
	nonce := make([]byte, fc.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("store: nonce: %w", err)
	}
	sealed := fc.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// decryptValue reverses encryptValue. Values without the prefix pass through
// unchanged, so pre-encryption rows keep loading.
func (fc *FieldCrypt) decryptValue(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("store: decode encrypted value: %w", err)
	}
	ns := fc.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("store: encrypted value too short")
	}
	plain, err := fc.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("store: decrypt value: %w", err)
	}
	return string(plain), nil
}

// EncryptConfig returns a copy of cfg with every sensitive string value
// encrypted. Nested maps are walked. A nil FieldCrypt passes cfg through.
func (fc *FieldCrypt) EncryptConfig(cfg map[string]any) (map[string]any, error) {
	if fc == nil || cfg == nil {
		return cfg, nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		switch vv := v.(type) {
		case string:
			if secret.IsSensitiveKey(k) && vv != "" {
				enc, err := fc.encryptValue(vv)
				if err != nil {
					return nil, err
				}
				out[k] = enc
				continue
			}
			out[k] = vv
		case map[string]any:
			nested, err := fc.EncryptConfig(vv)
			if err != nil {
				return nil, err
			}
			out[k] = nested
		default:
			out[k] = v
		}
	}
	return out, nil
}

// DecryptConfig reverses EncryptConfig. A nil FieldCrypt passes cfg through.
func (fc *FieldCrypt) DecryptConfig(cfg map[string]any) (map[string]any, error) {
	if fc == nil || cfg == nil {
		return cfg, nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		switch vv := v.(type) {
		case string:
			plain, err := fc.decryptValue(vv)
			if err != nil {
				return nil, err
			}
			out[k] = plain
		case map[string]any:
			nested, err := fc.DecryptConfig(vv)
			if err != nil {
				return nil, err
			}
			out[k] = nested
		default:
			out[k] = v
		}
	}
	return out, nil
}
