// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package creds persists the access and renewal credentials across two
// stores: a cookie-backed primary and a legacy key-value fallback.
package creds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jeranaias/lumen-client/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// encryptedPrefix marks a stored value as encrypted.
// Format: ENC:base64(salt | nonce | ciphertext+tag)
const encryptedPrefix = "ENC:"

const (
	nonceSize        = 12
	keySize          = 32
	saltSize         = 32
	pbkdf2Iterations = 600_000
	secretFileName   = "machine.key"
)

var errMalformedCiphertext = errors.New("malformed ciphertext")

// =============================================================================
// SECRET BOX
// =============================================================================

// SecretBox encrypts credential values at rest with AES-256-GCM, using a
// PBKDF2-derived key from a per-machine random secret.
type SecretBox struct {
	secret []byte
}

// NewSecretBox loads the machine secret from dataDir, generating and
// persisting one on first use.
func NewSecretBox(dataDir string) (*SecretBox, error) {
	path := filepath.Join(dataDir, secretFileName)

	secret, err := os.ReadFile(path)
	if err == nil && len(secret) == keySize {
		return &SecretBox{secret: secret}, nil
	}

	secret = make([]byte, keySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate machine secret: %w", err)
	}
	if err := util.AtomicWriteFile(path, secret, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist machine secret: %w", err)
	}
	return &SecretBox{secret: secret}, nil
}

// Encrypt seals a plaintext value into the ENC: envelope.
func (b *SecretBox) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := pbkdf2.Key(b.secret, salt, pbkdf2Iterations, keySize, sha256.New)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	buf := make([]byte, 0, saltSize+nonceSize+len(sealed))
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, sealed...)

	return encryptedPrefix + base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt opens an ENC: envelope. Values without the prefix are returned
// unchanged for compatibility with pre-encryption stores.
func (b *SecretBox) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errMalformedCiphertext, err)
	}
	if len(raw) < saltSize+nonceSize+1 {
		return "", errMalformedCiphertext
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	sealed := raw[saltSize+nonceSize:]

	key := pbkdf2.Key(b.secret, salt, pbkdf2Iterations, keySize, sha256.New)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// zeroBytes zeros key material to limit exposure via crash dumps.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
