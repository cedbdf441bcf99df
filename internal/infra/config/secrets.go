package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"golang.org/x/crypto/argon2"

	"konvo/internal/domain"
)

// SecretPrefix marks a value encrypted with EncryptValue.
const SecretPrefix = "enc:"

// decryptSecrets replaces every "enc:..." provider env value and the
// Discord token with its plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	for _, name := range slices.Sorted(maps.Keys(cfg.Providers)) {
		p := cfg.Providers[name]
		if len(p.Env) == 0 {
			continue
		}
		env := make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			plain, err := decryptField(v, passphrase)
			if err != nil {
				return fmt.Errorf("provider %s env %s: %w", name, k, err)
			}
			env[k] = plain
		}
		p.Env = env
		cfg.Providers[name] = p
	}

	token, err := decryptField(cfg.Discord.Token, passphrase)
	if err != nil {
		return fmt.Errorf("discord token: %w", err)
	}
	cfg.Discord.Token = token
	return nil
}

func decryptField(v, passphrase string) (string, error) {
	if !strings.HasPrefix(v, SecretPrefix) {
		return v, nil
	}
	return DecryptValue(strings.TrimPrefix(v, SecretPrefix), passphrase)
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext), without the
// SecretPrefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("%w: generate salt: %v", domain.ErrEncryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEncryption, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", domain.ErrEncryption, err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	n := gcm.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
// Provider commands are read from them, so they are as sensitive as code.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
