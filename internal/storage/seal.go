// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// SealedPrefix marks a sealed value (format: ENC:base64(nonce|ciphertext|tag)).
const SealedPrefix = "ENC:"

const (
	// KeySize is the AES-256 key size.
	KeySize = 32

	// SaltSize is the size of the PBKDF2 salt.
	SaltSize = 32

	// DefaultIterations is the PBKDF2-SHA-256 iteration count.
	DefaultIterations = 600000

	// saltKey stores the salt next to the data it protects.
	saltKey = "__salt"
)

var (
	// ErrInvalidCiphertext indicates the sealed value is not well formed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")

	// ErrDecryptionFailed indicates a wrong key or tampered data.
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
)

// =============================================================================
// SEALER
// =============================================================================

// Sealer encrypts values with AES-256-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// DeriveKey derives an AES key from passphrase and salt.
func DeriveKey(passphrase string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New)
}

// NewSealerWithKey creates a sealer from a raw 32-byte key.
func NewSealerWithKey(key []byte) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// NewSealer derives a key from passphrase and the salt stored in kv,
// creating the salt on first use.
func NewSealer(ctx context.Context, kv Store, passphrase string, iterations int) (*Sealer, error) {
	salt, err := loadSalt(ctx, kv)
	if err != nil {
		return nil, err
	}
	key := DeriveKey(passphrase, salt, iterations)
	defer zero(key)
	return NewSealerWithKey(key)
}

func loadSalt(ctx context.Context, kv Store) ([]byte, error) {
	enc, ok, err := kv.GetItem(ctx, saltKey)
	if err != nil {
		return nil, err
	}
	if ok {
		salt, err := base64.StdEncoding.DecodeString(enc)
		if err == nil && len(salt) == SaltSize {
			return salt, nil
		}
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := kv.SetItem(ctx, saltKey, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, err
	}
	return salt, nil
}

// Seal encrypts plaintext and returns it with the ENC: prefix.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrInvalidCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrInvalidCiphertext
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// =============================================================================
// SEALED KV
// =============================================================================

// SealedKV seals values on write and opens them on read.
type SealedKV struct {
	inner  Store
	sealer *Sealer
}

// NewSealedKV wraps inner. A nil sealer stores values in clear text.
func NewSealedKV(inner Store, sealer *Sealer) *SealedKV {
	return &SealedKV{inner: inner, sealer: sealer}
}

// GetItem returns the opened value stored under key.
// Clear-text values written before sealing was enabled are returned as is.
func (s *SealedKV) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.inner.GetItem(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	if s.sealer == nil || !IsSealed(v) {
		return v, true, nil
	}
	plain, err := s.sealer.Open(v)
	if err != nil {
		return "", false, fmt.Errorf("open %q: %w", key, err)
	}
	return plain, true, nil
}

// SetItem seals value and stores it under key.
func (s *SealedKV) SetItem(ctx context.Context, key, value string) error {
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(value)
		if err != nil {
			return err
		}
		value = sealed
	}
	return s.inner.SetItem(ctx, key, value)
}

// RemoveItem deletes key.
func (s *SealedKV) RemoveItem(ctx context.Context, key string) error {
	return s.inner.RemoveItem(ctx, key)
}
